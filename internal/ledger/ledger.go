// Package ledger implements the weekly betting allowance: reservation on
// bet placement, release on cancellation, and the weekly reset.
//
// Every mutation reads the user row with a write lock and writes it back in
// the same transaction, so operations on one user are linearizable across
// server instances. No in-process lock is involved.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lottonet/ledger-core/internal/audit"
	"github.com/lottonet/ledger-core/internal/metrics"
	"github.com/lottonet/ledger-core/internal/model"
	"github.com/lottonet/ledger-core/internal/store"
)

var (
	// ErrLimitExceeded matches every *LimitExceededError.
	ErrLimitExceeded = errors.New("ledger: weekly limit exceeded")

	// ErrInvalidAmount is returned for non-positive reservations, negative
	// releases and amounts finer than a cent.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
)

// LimitExceededError reports how much allowance was left.
type LimitExceededError struct {
	UserID    string
	Limit     decimal.Decimal
	Used      decimal.Decimal
	Requested decimal.Decimal
	Remaining decimal.Decimal
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("ledger: weekly limit exceeded: requested %s, remaining %s",
		e.Requested.StringFixed(2), e.Remaining.StringFixed(2))
}

func (e *LimitExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// ResetPolicy bounds the weekly reset retries.
type ResetPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultResetPolicy retries five times starting at half a second.
var DefaultResetPolicy = ResetPolicy{
	MaxAttempts:     5,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
}

// Ledger owns the weekly allowance counters.
type Ledger struct {
	store  store.Store
	policy ResetPolicy
	audit  audit.Emitter
	log    *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithResetPolicy overrides the reset retry policy.
func WithResetPolicy(p ResetPolicy) Option {
	return func(l *Ledger) {
		if p.MaxAttempts < 1 {
			p.MaxAttempts = 1
		}
		l.policy = p
	}
}

// WithAudit sets the audit emitter.
func WithAudit(e audit.Emitter) Option {
	return func(l *Ledger) {
		if e != nil {
			l.audit = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.log = logger
		}
	}
}

// New creates a ledger over st.
func New(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  st,
		policy: DefaultResetPolicy,
		audit:  audit.Nop{},
		log:    slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ReserveIn adds amount to the user's weekly usage inside the caller's
// transaction. ADMIN is exempt and always succeeds without a write.
// Returns the user as committed by this step.
func ReserveIn(ctx context.Context, q store.Queries, userID string, amount decimal.Decimal) (*model.User, error) {
	if !amount.IsPositive() || !isCents(amount) {
		return nil, fmt.Errorf("%w: reserve %s", ErrInvalidAmount, amount)
	}

	u, err := q.GetUserForUpdate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.Role.Limited() {
		return u, nil
	}

	projected := u.WeeklyUsed.Add(amount)
	if projected.GreaterThan(u.WeeklyLimit) {
		metrics.LimitRejections.Inc()
		return nil, &LimitExceededError{
			UserID:    u.ID,
			Limit:     u.WeeklyLimit,
			Used:      u.WeeklyUsed,
			Requested: amount,
			Remaining: u.Remaining(),
		}
	}

	if err := q.UpdateWeeklyUsed(ctx, u.ID, projected); err != nil {
		return nil, err
	}
	u.WeeklyUsed = projected
	return u, nil
}

// ReleaseIn subtracts amount from the user's weekly usage inside the
// caller's transaction, flooring at zero.
func ReleaseIn(ctx context.Context, q store.Queries, userID string, amount decimal.Decimal) (*model.User, error) {
	if amount.IsNegative() || !isCents(amount) {
		return nil, fmt.Errorf("%w: release %s", ErrInvalidAmount, amount)
	}

	u, err := q.GetUserForUpdate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.Role.Limited() {
		return u, nil
	}

	released := u.WeeklyUsed.Sub(amount)
	if released.IsNegative() {
		released = decimal.Zero
	}
	if err := q.UpdateWeeklyUsed(ctx, u.ID, released); err != nil {
		return nil, err
	}
	u.WeeklyUsed = released
	return u, nil
}

// Reserve runs ReserveIn in its own transaction.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount decimal.Decimal) (model.LedgerState, error) {
	var u *model.User
	err := l.store.InTx(ctx, func(q store.Queries) error {
		var err error
		u, err = ReserveIn(ctx, q, userID, amount)
		return err
	})
	if err != nil {
		return model.LedgerState{}, err
	}
	return StateOf(u), nil
}

// Release runs ReleaseIn in its own transaction.
func (l *Ledger) Release(ctx context.Context, userID string, amount decimal.Decimal) (model.LedgerState, error) {
	var u *model.User
	err := l.store.InTx(ctx, func(q store.Queries) error {
		var err error
		u, err = ReleaseIn(ctx, q, userID, amount)
		return err
	})
	if err != nil {
		return model.LedgerState{}, err
	}
	return StateOf(u), nil
}

// UserReader is the subset of store.Queries needed to read state.
type UserReader interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// State reads a user's allowance through q, which is normally a
// tenant-scoped handle.
func State(ctx context.Context, q UserReader, userID string) (model.LedgerState, error) {
	u, err := q.GetUser(ctx, userID)
	if err != nil {
		return model.LedgerState{}, err
	}
	return StateOf(u), nil
}

// StateOf derives the ledger snapshot of a user row.
func StateOf(u *model.User) model.LedgerState {
	return model.LedgerState{
		UserID:      u.ID,
		WeeklyLimit: u.WeeklyLimit,
		WeeklyUsed:  u.WeeklyUsed,
		Remaining:   u.Remaining(),
		Unlimited:   !u.Role.Limited(),
	}
}

// WeeklyReset zeroes weekly usage for every AGENT and MODERATOR. It is
// idempotent. Failed attempts are retried with exponential backoff up to
// the policy's attempt count; the outcome is written to the reset history
// whether or not the reset succeeded.
func (l *Ledger) WeeklyReset(ctx context.Context) (*model.ResetRun, error) {
	run := &model.ResetRun{
		ID:        uuid.New().String(),
		StartedAt: l.now(),
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.policy.InitialInterval
	b.MaxInterval = l.policy.MaxInterval
	b.MaxElapsedTime = 0

	op := func() error {
		run.Attempts++
		return l.store.InTx(ctx, func(q store.Queries) error {
			n, err := q.ResetWeeklyUsed(ctx)
			if err != nil {
				return err
			}
			run.RowsAffected = n
			return nil
		})
	}
	notify := func(err error, next time.Duration) {
		l.log.Warn("weekly reset attempt failed",
			"run_id", run.ID,
			"attempt", run.Attempts,
			"retry_in", next.String(),
			"err", err,
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.policy.MaxAttempts-1)), ctx)
	resetErr := backoff.RetryNotify(op, policy, notify)

	run.FinishedAt = l.now()
	run.Succeeded = resetErr == nil
	if resetErr != nil {
		run.Error = resetErr.Error()
		run.RowsAffected = 0
	}

	// The history row is written even if the caller's context is gone.
	if err := l.store.InsertResetRun(context.WithoutCancel(ctx), run); err != nil {
		l.log.Error("failed to record weekly reset", "run_id", run.ID, "err", err)
		if resetErr == nil {
			resetErr = fmt.Errorf("record weekly reset: %w", err)
		}
	}

	if run.Succeeded {
		metrics.WeeklyResets.WithLabelValues("success").Inc()
		l.log.Info("weekly reset complete",
			"run_id", run.ID,
			"rows_affected", run.RowsAffected,
			"attempts", run.Attempts,
		)
	} else {
		metrics.WeeklyResets.WithLabelValues("failure").Inc()
		l.log.Error("weekly reset failed",
			"run_id", run.ID,
			"attempts", run.Attempts,
			"err", run.Error,
		)
	}

	l.audit.Emit("ledger.weekly_reset", "system", map[string]any{
		"run_id":        run.ID,
		"succeeded":     run.Succeeded,
		"attempts":      run.Attempts,
		"rows_affected": run.RowsAffected,
	})

	return run, resetErr
}

// isCents reports whether amount fits the NUMERIC(18,2) columns unchanged.
func isCents(amount decimal.Decimal) bool {
	return amount.Equal(amount.Round(2))
}
