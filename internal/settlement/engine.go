// Package settlement turns a finalized draw result into bet outcomes and
// commission rows.
//
// Each bet settles in its own transaction: the bet row is locked, its
// status is written and its commission rows are inserted together, so a
// bet is never left settled without its commissions or the other way
// round. Re-running a settlement only touches bets that are still PENDING.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lottonet/ledger-core/internal/audit"
	"github.com/lottonet/ledger-core/internal/commission"
	"github.com/lottonet/ledger-core/internal/drawkey"
	"github.com/lottonet/ledger-core/internal/metrics"
	"github.com/lottonet/ledger-core/internal/model"
	"github.com/lottonet/ledger-core/internal/store"
	"github.com/lottonet/ledger-core/internal/tenant"
)

// Report summarizes one settlement pass.
type Report struct {
	DrawKey    string        `json:"draw_key"`
	Considered int           `json:"considered"`
	Settled    int           `json:"settled"`
	Skipped    int           `json:"skipped"`  // no longer PENDING when locked
	Awaiting   int           `json:"awaiting"` // other providers' results missing
	Failures   []BetFailure  `json:"failures,omitempty"`
	Warnings   []BetWarning  `json:"warnings,omitempty"`
	Bets       []model.Bet   `json:"-"`
	Duration   time.Duration `json:"duration"`
}

// ErrRulePanicked marks a bet whose bet-type rule panicked during evaluation.
var ErrRulePanicked = errors.New("settlement: bet type rule panicked")

// BetFailure is a bet whose settlement transaction was rolled back.
type BetFailure struct {
	BetID string `json:"bet_id"`
	Err   string `json:"error"`
}

// BetWarning is a problem that did not stop a bet from settling.
type BetWarning struct {
	BetID   string `json:"bet_id"`
	Message string `json:"message"`
}

// Listener is notified of every bet settled by the engine, after commit.
type Listener func(b model.Bet, commissions []model.Commission)

// Engine settles PENDING bets against draw results.
type Engine struct {
	store            store.Store
	guard            *tenant.Guard
	calc             *commission.Calculator
	rules            *Rules
	commissionOnLoss bool
	audit            audit.Emitter
	listeners        []Listener
	log              *slog.Logger
	now              func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCommissionOnLoss controls whether LOST bets cascade their loss to
// the uplines. Enabled by default.
func WithCommissionOnLoss(on bool) Option {
	return func(e *Engine) { e.commissionOnLoss = on }
}

// WithRules replaces the bet-type rule registry.
func WithRules(r *Rules) Option {
	return func(e *Engine) {
		if r != nil {
			e.rules = r
		}
	}
}

// WithAudit sets the audit emitter.
func WithAudit(a audit.Emitter) Option {
	return func(e *Engine) {
		if a != nil {
			e.audit = a
		}
	}
}

// WithListener adds a post-commit listener.
func WithListener(l Listener) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, l) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine creates a settlement engine.
func NewEngine(st store.Store, guard *tenant.Guard, calc *commission.Calculator, opts ...Option) *Engine {
	e := &Engine{
		store:            st,
		guard:            guard,
		calc:             calc,
		rules:            NewRules(DefaultPayoutTable),
		commissionOnLoss: true,
		audit:            audit.Nop{},
		log:              slog.Default(),
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CommissionOnLoss reports the loss-sharing policy in effect.
func (e *Engine) CommissionOnLoss() bool { return e.commissionOnLoss }

type betOutcome int

const (
	outcomeSettled betOutcome = iota
	outcomeSkipped
	outcomeAwaiting
)

// Settle runs one settlement pass for result over every PENDING bet that
// plays its provider on its date. Per-bet failures are recorded in the
// report and do not stop the batch; the returned error is reserved for
// failures that prevent the pass from running at all.
func (e *Engine) Settle(ctx context.Context, result *model.DrawResult) (*Report, error) {
	start := time.Now()
	key, err := drawkey.Parse(result.DrawKey)
	if err != nil {
		return nil, err
	}

	bets, err := e.store.ListBets(ctx, model.BetFilter{
		Status:   model.BetPending,
		DrawDate: key.DateString(),
		Provider: key.Provider,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending bets for %s: %w", result.DrawKey, err)
	}

	rep := &Report{DrawKey: result.DrawKey, Considered: len(bets)}
	for _, b := range bets {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		settled, rows, outcome, warnings, err := e.settleBet(ctx, b.ID, key.DateString())
		for _, w := range warnings {
			rep.Warnings = append(rep.Warnings, BetWarning{BetID: b.ID, Message: w})
		}
		if err != nil {
			metrics.SettlementFailures.Inc()
			rep.Failures = append(rep.Failures, BetFailure{BetID: b.ID, Err: err.Error()})
			e.log.Error("bet settlement failed",
				"bet_id", b.ID,
				"draw_key", result.DrawKey,
				"err", err,
			)
			continue
		}

		switch outcome {
		case outcomeSkipped:
			rep.Skipped++
		case outcomeAwaiting:
			rep.Awaiting++
		case outcomeSettled:
			rep.Settled++
			rep.Bets = append(rep.Bets, *settled)
			e.afterCommit(settled, rows)
		}
	}

	rep.Duration = time.Since(start)
	metrics.SettlementLatency.Observe(rep.Duration.Seconds())

	e.log.Info("settlement pass complete",
		"draw_key", rep.DrawKey,
		"considered", rep.Considered,
		"settled", rep.Settled,
		"skipped", rep.Skipped,
		"awaiting", rep.Awaiting,
		"failures", len(rep.Failures),
		"warnings", len(rep.Warnings),
	)
	e.audit.Emit("settlement.pass", "system", map[string]any{
		"draw_key": rep.DrawKey,
		"settled":  rep.Settled,
		"failures": len(rep.Failures),
	})
	return rep, nil
}

// settleBet settles one bet inside its own transaction. The handle is
// bound to the bet's tenant so every read and write of the cascade stays
// inside it.
func (e *Engine) settleBet(ctx context.Context, betID, date string) (*model.Bet, []model.Commission, betOutcome, []string, error) {
	var (
		bet      *model.Bet
		rows     []model.Commission
		outcome  betOutcome
		warnings []string
	)

	err := e.store.InTx(ctx, func(q store.Queries) error {
		rows, warnings = nil, nil

		b, err := q.GetBetForUpdate(ctx, betID)
		if err != nil {
			return err
		}
		if b.Status != model.BetPending {
			outcome = outcomeSkipped
			return nil
		}

		sq := e.guard.BindScope(tenant.SystemScope(b.TenantID), q)

		results := make([]*model.DrawResult, 0, len(b.Providers))
		for _, p := range b.Providers {
			r, err := sq.GetDrawResult(ctx, drawkey.Format(p, date))
			if errors.Is(err, store.ErrNotFound) {
				outcome = outcomeAwaiting
				return nil
			}
			if err != nil {
				return err
			}
			results = append(results, r)
		}

		status, payout, warns, err := e.evaluate(b, results)
		warnings = warns
		if err != nil {
			return err
		}
		b.Status = status
		b.Payout = payout
		b.ProfitLoss = payout.Sub(b.TotalAmount)
		b.ResultRef = resultRef(results)
		settledAt := e.now()
		b.SettledAt = &settledAt

		if err := sq.UpdateBetOutcome(ctx, b); err != nil {
			return err
		}

		if b.Status != model.BetLost || e.commissionOnLoss {
			rows, _, err = e.calc.Cascade(ctx, sq, b, b.ProfitLoss)
			if err != nil {
				return err
			}
			if len(rows) > 0 {
				if err := sq.InsertCommissions(ctx, rows); err != nil {
					return err
				}
			}
		}

		bet = b
		outcome = outcomeSettled
		return nil
	})
	if err != nil {
		return nil, nil, 0, warnings, err
	}
	return bet, rows, outcome, warnings, nil
}

// evaluate applies the rules to every selection on every provider leg.
// A leg wins when any selection pays on it. A panicking rule fails only
// this bet.
func (e *Engine) evaluate(b *model.Bet, results []*model.DrawResult) (status model.BetStatus, payout decimal.Decimal, warnings []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("bet type rule panicked", "bet_id", b.ID, "panic", r)
			err = fmt.Errorf("%w: %v", ErrRulePanicked, r)
		}
	}()

	unknown := make(map[string]bool)

	total := decimal.Zero
	legsWon := 0
	for _, r := range results {
		legPayout := decimal.Zero
		for _, sel := range b.Selections {
			p, known := e.rules.Evaluate(sel, r)
			if !known && !unknown[sel.BetType] {
				unknown[sel.BetType] = true
				warnings = append(warnings, fmt.Sprintf("unknown bet type %q pays nothing", sel.BetType))
				e.log.Warn("unknown bet type", "bet_id", b.ID, "bet_type", sel.BetType)
			}
			legPayout = legPayout.Add(p)
		}
		if legPayout.IsPositive() {
			legsWon++
		}
		total = total.Add(legPayout)
	}

	switch {
	case legsWon == 0:
		return model.BetLost, decimal.Zero, warnings, nil
	case legsWon == len(results):
		return model.BetWon, total, warnings, nil
	default:
		return model.BetPartial, total, warnings, nil
	}
}

func (e *Engine) afterCommit(b *model.Bet, rows []model.Commission) {
	metrics.BetsSettled.WithLabelValues(string(b.Status)).Inc()
	metrics.CommissionRows.Add(float64(len(rows)))

	e.log.Info("bet settled",
		"bet_id", b.ID,
		"owner", b.OwnerID,
		"status", string(b.Status),
		"payout", b.Payout.String(),
		"profit_loss", b.ProfitLoss.String(),
		"commission_rows", len(rows),
	)
	e.audit.Emit("bet.settled", "system", map[string]any{
		"bet_id":      b.ID,
		"owner_id":    b.OwnerID,
		"status":      string(b.Status),
		"profit_loss": b.ProfitLoss.String(),
	})
	for _, l := range e.listeners {
		l(*b, rows)
	}
}

func resultRef(results []*model.DrawResult) string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return strings.Join(ids, ",")
}
