package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x-mirror/internal/adapter"
	"github.com/x-mirror/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "service.db")
	require.NoError(t, storage.RunMigrations("sqlite://"+path))
	store, err := storage.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fakeProvider serves canned accounts and timelines
type fakeProvider struct {
	mu        sync.Mutex
	accounts  map[string]*adapter.Account // by lowercase handle
	timelines map[string]*adapter.Timeline
	errs      map[string]error // by lowercase handle, returned from the timeline call
	panics    map[string]bool
	followed  []string
	followErr error

	resolveCalls  map[string]int
	timelineCalls map[string][]string // account id -> since ids
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		accounts:      map[string]*adapter.Account{},
		timelines:     map[string]*adapter.Timeline{},
		errs:          map[string]error{},
		panics:        map[string]bool{},
		resolveCalls:  map[string]int{},
		timelineCalls: map[string][]string{},
	}
}

func (f *fakeProvider) addAccount(id, username string, tl *adapter.Timeline) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[strings.ToLower(username)] = &adapter.Account{ID: id, Username: username, Name: strings.ToUpper(username)}
	if tl == nil {
		tl = &adapter.Timeline{}
	}
	f.timelines[id] = tl
}

func (f *fakeProvider) ResolveAccount(ctx context.Context, username string) (*adapter.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(username)
	f.resolveCalls[key]++
	if f.panics[key] {
		panic("provider blew up")
	}
	acc, ok := f.accounts[key]
	if !ok {
		return nil, adapter.NewAdapterError("ResolveAccount", 404, adapter.ErrAccountNotFound, nil)
	}
	cp := *acc
	return &cp, nil
}

func (f *fakeProvider) FetchTimelineSince(ctx context.Context, accountID, sinceID string, pageSize int) (*adapter.Timeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timelineCalls[accountID] = append(f.timelineCalls[accountID], sinceID)
	for handle, acc := range f.accounts {
		if acc.ID == accountID {
			if err := f.errs[handle]; err != nil {
				return nil, err
			}
		}
	}
	tl, ok := f.timelines[accountID]
	if !ok {
		return nil, fmt.Errorf("no timeline for %s", accountID)
	}
	return tl, nil
}

func (f *fakeProvider) FetchFollowedHandles(ctx context.Context) ([]string, error) {
	return f.followed, f.followErr
}

func post(id, text string) adapter.Post {
	return adapter.Post{ID: id, Text: text, CreatedAt: "2024-06-01T10:00:00.000Z", Lang: "en", Raw: []byte(`{"id":"` + id + `"}`)}
}
