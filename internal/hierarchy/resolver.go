// Package hierarchy resolves a user's chain of uplines for commission
// distribution. Resolution is a pure read: it walks upline pointers one
// row at a time through whatever reader it is given, so callers in a
// transaction see the same rows they lock.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/lottonet/ledger-core/internal/metrics"
	"github.com/lottonet/ledger-core/internal/model"
)

// DefaultMaxDepth is the hard ceiling on the number of ancestors walked.
const DefaultMaxDepth = 100

var (
	// ErrDepthExceeded marks a walk cut short by the depth ceiling. It is
	// logged, never returned: the chain up to the ceiling is still used.
	ErrDepthExceeded = errors.New("hierarchy: upline depth ceiling reached")

	// ErrCycle marks a walk that revisited a user. Logged, never returned.
	ErrCycle = errors.New("hierarchy: upline cycle detected")
)

// Upline is one ancestor in a resolved chain.
type Upline struct {
	UserID         string          `json:"user_id"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	Level          int             `json:"level"` // 1 = direct upline
	Active         bool            `json:"active"`
}

// UserReader is the subset of store.Queries the resolver needs.
type UserReader interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// Resolver walks upline chains.
type Resolver struct {
	maxDepth        int
	includeInactive bool
	log             *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxDepth overrides the depth ceiling. Values below 1 are ignored.
func WithMaxDepth(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxDepth = n
		}
	}
}

// WithInactive controls whether inactive uplines stay in the chain.
// They are kept by default so historical payouts remain continuous.
func WithInactive(include bool) Option {
	return func(r *Resolver) { r.includeInactive = include }
}

// WithLogger sets the logger used for integrity warnings.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

// NewResolver creates a resolver with a 100-level ceiling that keeps
// inactive uplines.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		maxDepth:        DefaultMaxDepth,
		includeInactive: true,
		log:             slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxDepth returns the configured ceiling.
func (r *Resolver) MaxDepth() int { return r.maxDepth }

// Chain returns the uplines of userID, closest ancestor first.
//
// The walk stops at the root, at the depth ceiling, or when a user repeats.
// The last two are data-integrity problems: they are logged as warnings and
// the chain collected so far is returned without error.
func (r *Resolver) Chain(ctx context.Context, q UserReader, userID string) ([]Upline, error) {
	owner, err := q.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve chain of %s: %w", userID, err)
	}

	visited := map[string]bool{owner.ID: true}
	var chain []Upline
	walked := 0
	parentID := owner.UplineID

	for parentID != "" {
		if walked >= r.maxDepth {
			r.log.Warn("upline chain truncated",
				"user", userID,
				"ceiling", r.maxDepth,
				"next_upline", parentID,
				"err", ErrDepthExceeded,
			)
			metrics.HierarchyWarnings.WithLabelValues("depth").Inc()
			break
		}
		if visited[parentID] {
			r.log.Warn("upline chain truncated",
				"user", userID,
				"repeated_upline", parentID,
				"depth", walked,
				"err", ErrCycle,
			)
			metrics.HierarchyWarnings.WithLabelValues("cycle").Inc()
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		parent, err := q.GetUser(ctx, parentID)
		if err != nil {
			return nil, fmt.Errorf("resolve upline %s of %s: %w", parentID, userID, err)
		}
		visited[parent.ID] = true
		walked++

		if parent.Active || r.includeInactive {
			chain = append(chain, Upline{
				UserID:         parent.ID,
				CommissionRate: parent.CommissionRate,
				Level:          len(chain) + 1,
				Active:         parent.Active,
			})
		}
		parentID = parent.UplineID
	}

	return chain, nil
}
