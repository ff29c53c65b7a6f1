// Package store defines the persistence interface for the ledger core.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/lottonet/ledger-core/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Queries is the row-level persistence surface. It is implemented both by
// stores (autocommit) and by the handle passed into InTx.
type Queries interface {
	// --- Users ---

	// CreateUser persists a new user.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetUserForUpdate retrieves a user and holds its row lock until the
	// enclosing transaction ends.
	GetUserForUpdate(ctx context.Context, id string) (*model.User, error)

	// ListUsers returns users matching the filter.
	ListUsers(ctx context.Context, f model.UserFilter) ([]model.User, error)

	// UpdateWeeklyUsed overwrites a user's weekly usage counter.
	UpdateWeeklyUsed(ctx context.Context, id string, used decimal.Decimal) error

	// ResetWeeklyUsed zeroes weekly usage for every AGENT and MODERATOR.
	// Returns the number of rows touched.
	ResetWeeklyUsed(ctx context.Context) (int64, error)

	// --- Bets ---

	// InsertBet persists a new bet.
	InsertBet(ctx context.Context, b *model.Bet) error

	// GetBet retrieves a bet by ID.
	GetBet(ctx context.Context, id string) (*model.Bet, error)

	// GetBetForUpdate retrieves a bet and holds its row lock until the
	// enclosing transaction ends.
	GetBetForUpdate(ctx context.Context, id string) (*model.Bet, error)

	// ListBets returns bets matching the filter, oldest first.
	ListBets(ctx context.Context, f model.BetFilter) ([]model.Bet, error)

	// UpdateBetOutcome writes the status, payout, profit/loss, result
	// reference and transition timestamps of a bet.
	UpdateBetOutcome(ctx context.Context, b *model.Bet) error

	// --- Draw results ---

	// UpsertDrawResult creates or replaces the result for its draw key.
	UpsertDrawResult(ctx context.Context, r *model.DrawResult) error

	// GetDrawResult retrieves the result for a draw key.
	GetDrawResult(ctx context.Context, drawKey string) (*model.DrawResult, error)

	// --- Immutable commission ledger ---

	// InsertCommissions appends commission rows in one batch.
	InsertCommissions(ctx context.Context, rows []model.Commission) error

	// ListCommissions returns commission rows matching the filter.
	ListCommissions(ctx context.Context, f model.CommissionFilter) ([]model.Commission, error)

	// --- Reset history ---

	// InsertResetRun records the outcome of a weekly reset.
	InsertResetRun(ctx context.Context, r *model.ResetRun) error

	// ListResetRuns returns the most recent reset runs, newest first.
	ListResetRuns(ctx context.Context, limit int) ([]model.ResetRun, error)
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Queries

	// InTx runs fn inside one transaction. Any error returned by fn rolls
	// back every write made through q.
	InTx(ctx context.Context, fn func(q Queries) error) error
}
