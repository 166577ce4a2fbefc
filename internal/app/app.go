// Package app wires the store, the upstream client and the services into a
// runnable process. Both the long-running server and the one-shot job
// command build on it.
package app

import (
	"context"
	"fmt"

	"github.com/x-mirror/internal/adapter"
	"github.com/x-mirror/internal/config"
	"github.com/x-mirror/internal/job"
	"github.com/x-mirror/internal/lease"
	"github.com/x-mirror/internal/logging"
	"github.com/x-mirror/internal/media"
	"github.com/x-mirror/internal/metrics"
	"github.com/x-mirror/internal/ratelimit"
	"github.com/x-mirror/internal/service"
	"github.com/x-mirror/internal/storage"
)

// App holds the wired components of one process
type App struct {
	Config  *config.Config
	Store   *storage.Store
	Redis   *storage.RedisCache // nil without REDIS_HOST
	Client  *adapter.XClient
	Budget  *ratelimit.BudgetTracker // nil without REDIS_HOST
	Leases  *lease.Manager
	Media   *media.Cache // nil when the cache is disabled
	Monitor *service.MonitorService
	Fetch   *service.FetchService
	Queries *service.QueryService
	Runner  *job.Runner
	Metrics *metrics.Metrics
}

// New migrates and opens the store, connects the optional Redis and builds
// every service. The caller must Close the result.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.FromContext(ctx).WithComponent("app")
	a := &App{Config: cfg, Metrics: metrics.New()}

	if err := storage.RunMigrations(cfg.Database.MigrationURL()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	store, err := storage.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.Store = store
	logger.WithField("driver", cfg.Database.Driver).Info("Store opened")

	client, err := adapter.NewXClient(&cfg.Upstream)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create upstream client: %w", err)
	}
	a.Client = client
	var provider adapter.AccountProvider = client

	var identities *storage.IdentityCache
	if cfg.Database.Redis.Host != "" {
		rc, err := storage.NewRedisCache(&cfg.Database.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = rc
		identities = storage.NewIdentityCache(rc, cfg.Database.Redis.IdentityTTL)

		tracker, err := ratelimit.NewBudgetTracker(&ratelimit.BudgetTrackerConfig{
			Redis:          rc.Client(),
			TotalBudget:    cfg.Upstream.BudgetTotal,
			ReservedBudget: cfg.Upstream.BudgetReserved,
			WindowSize:     cfg.Upstream.BudgetWindow,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create request budget: %w", err)
		}
		budgeted, err := ratelimit.NewBudgetedProvider(&ratelimit.BudgetedProviderConfig{
			Provider: client,
			Tracker:  tracker,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create request budget: %w", err)
		}
		provider = budgeted
		a.Budget = tracker
		logger.WithFields(map[string]interface{}{
			"budget":   cfg.Upstream.BudgetTotal,
			"reserved": cfg.Upstream.BudgetReserved,
			"window":   cfg.Upstream.BudgetWindow.String(),
		}).Info("Redis connected, identity cache and request budget enabled")
	}

	a.Leases = lease.NewManager(storage.NewTaskRunRepository(store), cfg.Tasks.StaleAfter, cfg.Tasks.RetryDelay)
	a.Monitor = service.NewMonitorService(provider, store, cfg.Monitor)
	a.Queries = service.NewQueryService(storage.NewTweetRepository(store), storage.NewRefRepository(store))

	fetchCfg := service.FetchServiceConfig{
		Provider:   provider,
		Store:      store,
		Identities: identities,
		Monitor:    cfg.Monitor,
		Metrics:    a.Metrics,
	}
	runnerCfg := job.Config{
		Leases:  a.Leases,
		Roster:  a.Monitor,
		Metrics: a.Metrics,
	}
	if cfg.MediaCache.Enabled {
		cache, err := media.NewCache(cfg.MediaCache, cfg.Monitor, store, nil)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := cache.EnsureRoot(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create media cache root: %w", err)
		}
		a.Media = cache
		fetchCfg.Media = cache
		runnerCfg.Media = cache
		logger.WithField("root", cache.Root()).Info("Media cache enabled")
	}

	a.Fetch = service.NewFetchService(fetchCfg)
	runnerCfg.Fetch = a.Fetch
	a.Runner = job.NewRunner(runnerCfg)
	return a, nil
}

// Close stops background runs and releases connections
func (a *App) Close() {
	if a.Runner != nil {
		a.Runner.Stop()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
}
