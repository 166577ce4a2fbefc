package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/types"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newTestStore opens a migrated SQLite store in a temporary directory
func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mirror.db")
	require.NoError(t, RunMigrations("sqlite://"+path))

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedUser inserts an active account
func seedUser(t *testing.T, store *Store, id, username string) *models.User {
	t.Helper()
	u := &models.User{
		ID:            id,
		Username:      username,
		Name:          username + " name",
		LastSeenAt:    time.Now(),
		MonitorStatus: types.MonitorActive,
	}
	require.NoError(t, NewUserRepository(store).Upsert(testContext(t), u))
	return u
}

func strPtr(s string) *string { return &s }
