// Package commission distributes a settled bet's profit or loss across the
// owner's upline chain.
//
// Each level takes its rate of whatever is left after the levels below it.
// Shares are rounded to cents before being subtracted, so every level works
// on an already-rounded remainder and the emitted shares plus the final
// remainder always add back up to the original amount.
//
// Amounts are decimal; floats never touch money.
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lottonet/ledger-core/internal/hierarchy"
	"github.com/lottonet/ledger-core/internal/metrics"
	"github.com/lottonet/ledger-core/internal/model"
)

var (
	// ErrLedgerInconsistency is returned when emitted shares plus the final
	// remainder do not reconcile to the input within Tolerance. Always fatal
	// to the cascade.
	ErrLedgerInconsistency = errors.New("commission: ledger inconsistency")

	// ErrInvalidRate is returned for a rate outside [0, 100].
	ErrInvalidRate = errors.New("commission: rate must be between 0 and 100")

	// MoneyScale is the number of decimal places of ledger amounts.
	MoneyScale int32 = 2

	// Tolerance is both the early-stop threshold and the allowed
	// reconciliation error: one cent.
	Tolerance = decimal.New(1, -MoneyScale)

	hundred = decimal.NewFromInt(100)
)

// Share is one level's cut of the cascade.
type Share struct {
	RecipientID string          `json:"recipient_id"`
	Level       int             `json:"level"`
	Rate        decimal.Decimal `json:"rate"`
	BaseAmount  decimal.Decimal `json:"base_amount"` // remainder entering this level
	Amount      decimal.Decimal `json:"amount"`
}

// Result is the outcome of a cascade over one amount.
type Result struct {
	ProfitLoss  decimal.Decimal `json:"profit_loss"`
	Shares      []Share         `json:"shares"`
	Distributed decimal.Decimal `json:"distributed"`
	Remaining   decimal.Decimal `json:"remaining"`
}

// Calculate runs the cascade over a resolved chain. It is pure.
//
// For each upline in order: share = round(remaining × rate / 100, 2),
// remaining -= share. The loop stops once |remaining| < 0.01 or the chain
// ends. Levels whose share rounds to zero emit nothing.
func Calculate(profitLoss decimal.Decimal, chain []hierarchy.Upline) (*Result, error) {
	res := &Result{
		ProfitLoss:  profitLoss,
		Distributed: decimal.Zero,
		Remaining:   profitLoss,
	}

	for _, up := range chain {
		if res.Remaining.Abs().LessThan(Tolerance) {
			break
		}
		if up.CommissionRate.IsNegative() || up.CommissionRate.GreaterThan(hundred) {
			return nil, fmt.Errorf("%w: upline %s has rate %s", ErrInvalidRate, up.UserID, up.CommissionRate)
		}

		share := res.Remaining.Mul(up.CommissionRate).Shift(-2).Round(MoneyScale)
		if share.IsZero() {
			continue
		}

		res.Shares = append(res.Shares, Share{
			RecipientID: up.UserID,
			Level:       up.Level,
			Rate:        up.CommissionRate,
			BaseAmount:  res.Remaining,
			Amount:      share,
		})
		res.Distributed = res.Distributed.Add(share)
		res.Remaining = res.Remaining.Sub(share)
	}

	if err := Reconcile(res); err != nil {
		return nil, err
	}
	return res, nil
}

// Reconcile checks that distributed + remaining equals the input within
// Tolerance and that the running totals agree with the shares.
func Reconcile(res *Result) error {
	sum := decimal.Zero
	for _, s := range res.Shares {
		sum = sum.Add(s.Amount)
	}
	if !sum.Equal(res.Distributed) {
		return fmt.Errorf("%w: shares sum to %s but %s recorded as distributed",
			ErrLedgerInconsistency, sum, res.Distributed)
	}
	drift := sum.Add(res.Remaining).Sub(res.ProfitLoss).Abs()
	if drift.GreaterThan(Tolerance) {
		return fmt.Errorf("%w: distributed %s + remaining %s differs from %s by %s",
			ErrLedgerInconsistency, sum, res.Remaining, res.ProfitLoss, drift)
	}
	return nil
}

// Calculator turns a settled bet into ledger-ready commission rows.
type Calculator struct {
	resolver *hierarchy.Resolver
	log      *slog.Logger
	now      func() time.Time
}

// NewCalculator creates a calculator using the given resolver.
func NewCalculator(resolver *hierarchy.Resolver, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{
		resolver: resolver,
		log:      logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Cascade resolves the bet owner's chain through q and returns one
// Commission row per contributing level. The rows are not persisted; the
// caller inserts them in the same transaction as the bet status change.
func (c *Calculator) Cascade(ctx context.Context, q hierarchy.UserReader, bet *model.Bet, profitLoss decimal.Decimal) ([]model.Commission, *Result, error) {
	chain, err := c.resolver.Chain(ctx, q, bet.OwnerID)
	if err != nil {
		return nil, nil, err
	}

	res, err := Calculate(profitLoss, chain)
	if err != nil {
		if errors.Is(err, ErrLedgerInconsistency) {
			metrics.LedgerInconsistencies.Inc()
			c.log.Error("commission cascade failed reconciliation",
				"bet_id", bet.ID,
				"owner", bet.OwnerID,
				"profit_loss", profitLoss.String(),
				"levels", len(chain),
				"err", err,
			)
		}
		return nil, nil, fmt.Errorf("cascade bet %s: %w", bet.ID, err)
	}

	createdAt := c.now()
	rows := make([]model.Commission, 0, len(res.Shares))
	for _, s := range res.Shares {
		rows = append(rows, model.Commission{
			ID:            uuid.New().String(),
			RecipientID:   s.RecipientID,
			BetID:         bet.ID,
			SourceOwnerID: bet.OwnerID,
			TenantID:      bet.TenantID,
			Level:         s.Level,
			Rate:          s.Rate,
			BaseAmount:    s.BaseAmount,
			Amount:        s.Amount,
			CreatedAt:     createdAt,
		})
	}
	return rows, res, nil
}
