package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/x-mirror/internal/adapter"
	"github.com/x-mirror/internal/config"
	"github.com/x-mirror/internal/logging"
	"github.com/x-mirror/internal/storage"
	"github.com/x-mirror/internal/types"
)

// Roster sources
const (
	SourceStatic         = "static"
	SourceFollowings     = "followings"
	SourceStaticFallback = "static_fallback"
)

// Roster is the list of accounts a fetch run covers
type Roster struct {
	Usernames []string
	Source    string
}

// MonitorService decides which accounts are monitored and keeps the stored
// monitor status in line with that decision
type MonitorService struct {
	provider adapter.AccountProvider
	users    *storage.UserRepository
	cfg      config.MonitorConfig
	now      func() time.Time
}

// NewMonitorService creates a monitor service
func NewMonitorService(provider adapter.AccountProvider, store *storage.Store, cfg config.MonitorConfig) *MonitorService {
	return &MonitorService{
		provider: provider,
		users:    storage.NewUserRepository(store),
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock overrides the time source
func (s *MonitorService) SetClock(now func() time.Time) {
	s.now = now
}

// ResolveRoster returns the static list in static mode. Otherwise it lists
// the followed handles and falls back to the static list when that fails.
func (s *MonitorService) ResolveRoster(ctx context.Context) *Roster {
	static := config.NormalizeUsernames(s.cfg.StaticUsernames)
	if s.cfg.Mode == config.ModeStatic && len(static) > 0 {
		return &Roster{Usernames: s.prioritize(static), Source: SourceStatic}
	}

	handles, err := s.provider.FetchFollowedHandles(ctx)
	if err != nil {
		logging.FromContext(ctx).WithComponent("monitor").WithError(err).
			Warn("Failed to list followed accounts, using the static list")
		return &Roster{Usernames: s.prioritize(static), Source: SourceStaticFallback}
	}
	return &Roster{Usernames: s.prioritize(config.NormalizeUsernames(handles)), Source: SourceFollowings}
}

// prioritize moves priority accounts to the front so they land in the first
// fetch windows. The relative order within each group is kept.
func (s *MonitorService) prioritize(usernames []string) []string {
	sort.SliceStable(usernames, func(i, j int) bool {
		return s.cfg.IsPriority(usernames[i]) && !s.cfg.IsPriority(usernames[j])
	})
	return usernames
}

// Sync moves stored accounts that dropped out of the roster out of the active
// state: paused in static mode, removed otherwise. A fallback roster is not
// authoritative and changes nothing. Returns the number of accounts changed.
func (s *MonitorService) Sync(ctx context.Context, roster *Roster) (int, error) {
	if roster == nil || roster.Source == SourceStaticFallback {
		return 0, nil
	}

	listed := make(map[string]struct{}, len(roster.Usernames))
	for _, u := range roster.Usernames {
		listed[strings.ToLower(u)] = struct{}{}
	}

	status, reason := types.MonitorRemoved, "no longer followed"
	if roster.Source == SourceStatic {
		status, reason = types.MonitorPaused, "not in the static list"
	}

	users, err := s.users.List(ctx)
	if err != nil {
		return 0, err
	}
	logger := logging.FromContext(ctx).WithComponent("monitor")
	changed := 0
	for _, u := range users {
		if _, ok := listed[strings.ToLower(u.Username)]; ok {
			continue
		}
		if u.MonitorStatus != types.MonitorActive && u.MonitorStatus != "" {
			continue
		}
		ok, err := s.users.SetMonitorStatusByID(ctx, u.ID, status, storage.MonitorChange{
			At:     s.now(),
			Source: roster.Source,
			Reason: reason,
		})
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
			logger.WithFields(map[string]interface{}{
				"username": u.Username,
				"status":   string(status),
			}).Info("Account left the roster")
		}
	}
	return changed, nil
}
