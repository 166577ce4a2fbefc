package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/x-mirror/internal/adapter"
	"github.com/x-mirror/internal/logging"
)

// DefaultMaxWait is how long a call may block waiting for budget
const DefaultMaxWait = 30 * time.Second

// ErrMaxWaitExceeded is wrapped into the RateLimitError returned when the
// budget does not free up within the maximum wait.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for request budget")

type priorityKey struct{}

// WithPriority tags ctx so budgeted calls draw from the given pool
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFromContext returns the pool tagged on ctx, PriorityLow by default
func PriorityFromContext(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityLow
}

// BudgetedProvider wraps an AccountProvider and charges every call against
// the shared request budget before letting it through.
type BudgetedProvider struct {
	underlying adapter.AccountProvider
	tracker    *BudgetTracker
	costs      *CostRegistry
	maxWait    time.Duration
}

// BudgetedProviderConfig holds configuration for the budgeted provider.
type BudgetedProviderConfig struct {
	Provider adapter.AccountProvider
	Tracker  *BudgetTracker
	// Costs defaults to NewCostRegistry(nil)
	Costs   *CostRegistry
	MaxWait time.Duration
}

// Validate checks if the configuration is valid.
func (c *BudgetedProviderConfig) Validate() error {
	if c.Provider == nil {
		return errors.New("underlying provider is required")
	}
	if c.Tracker == nil {
		return errors.New("budget tracker is required")
	}
	return nil
}

// NewBudgetedProvider creates a budgeted provider.
func NewBudgetedProvider(cfg *BudgetedProviderConfig) (*BudgetedProvider, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	costs := cfg.Costs
	if costs == nil {
		costs = NewCostRegistry(nil)
	}
	maxWait := cfg.MaxWait
	if maxWait == 0 {
		maxWait = DefaultMaxWait
	}
	return &BudgetedProvider{
		underlying: cfg.Provider,
		tracker:    cfg.Tracker,
		costs:      costs,
		maxWait:    maxWait,
	}, nil
}

// waitForBudget blocks until the budget for op is granted. When the next
// window is further away than maxWait it gives up with a RateLimitError
// whose Reset is the start of that window.
func (p *BudgetedProvider) waitForBudget(ctx context.Context, op string) error {
	priority := PriorityFromContext(ctx)
	cost := p.costs.GetCost(op)
	logger := logging.FromContext(ctx).WithComponent("request-budget").WithFields(map[string]interface{}{
		"op":       op,
		"priority": priority.String(),
		"cost":     cost,
	})
	deadline := time.Now().Add(p.maxWait)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, wait := p.tracker.TryConsume(ctx, cost, priority)
		if allowed {
			if err := p.tracker.RecordOpUsage(ctx, op, cost); err != nil {
				logger.WithError(err).Warn("Failed to record request usage")
			}
			return nil
		}

		if time.Now().Add(wait).After(deadline) {
			reset := time.Now().Add(wait)
			logger.WithField("reset", reset.UTC().Format(time.RFC3339)).Warn("Request budget exhausted")
			return &adapter.RateLimitError{
				Op:      op,
				Reset:   &reset,
				Message: ErrMaxWaitExceeded.Error(),
			}
		}

		logger.WithField("wait", wait.String()).Debug("Waiting for request budget")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ResolveAccount implements adapter.AccountProvider
func (p *BudgetedProvider) ResolveAccount(ctx context.Context, username string) (*adapter.Account, error) {
	if err := p.waitForBudget(ctx, OpResolveAccount); err != nil {
		return nil, err
	}
	return p.underlying.ResolveAccount(ctx, username)
}

// FetchTimelineSince implements adapter.AccountProvider
func (p *BudgetedProvider) FetchTimelineSince(ctx context.Context, accountID, sinceID string, pageSize int) (*adapter.Timeline, error) {
	if err := p.waitForBudget(ctx, OpFetchTimelineSince); err != nil {
		return nil, err
	}
	return p.underlying.FetchTimelineSince(ctx, accountID, sinceID, pageSize)
}

// FetchFollowedHandles implements adapter.AccountProvider
func (p *BudgetedProvider) FetchFollowedHandles(ctx context.Context) ([]string, error) {
	if err := p.waitForBudget(ctx, OpFetchFollowedHandles); err != nil {
		return nil, err
	}
	return p.underlying.FetchFollowedHandles(ctx)
}

// Underlying returns the wrapped provider.
func (p *BudgetedProvider) Underlying() adapter.AccountProvider {
	return p.underlying
}
