// Package betting exposes the ledger core to callers: bet placement and
// cancellation, ledger state, tenant-scoped listings and draw result
// ingestion. Every operation takes the caller explicitly and runs its
// reads and writes through a tenant-bound handle.
//
// Monetary values are shopspring/decimal, never float64.
package betting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lottonet/ledger-core/internal/audit"
	"github.com/lottonet/ledger-core/internal/drawkey"
	"github.com/lottonet/ledger-core/internal/ledger"
	"github.com/lottonet/ledger-core/internal/metrics"
	"github.com/lottonet/ledger-core/internal/model"
	"github.com/lottonet/ledger-core/internal/settlement"
	"github.com/lottonet/ledger-core/internal/store"
	"github.com/lottonet/ledger-core/internal/tenant"
)

// MaxNumberDigits bounds the length of a selection number.
const MaxNumberDigits = 12

var (
	ErrNotPending      = errors.New("betting: bet is not pending")
	ErrNotOwner        = errors.New("betting: caller does not own the bet")
	ErrProviderInvalid = errors.New("betting: invalid provider")
	ErrInvalidBet      = errors.New("betting: invalid bet")
	ErrForbidden       = errors.New("betting: operation requires ADMIN")
)

// Service implements the exposed ledger operations.
type Service struct {
	store     store.Store
	guard     *tenant.Guard
	ledger    *ledger.Ledger
	engine    *settlement.Engine
	providers *drawkey.Providers
	hub       *WSHub // optional
	audit     audit.Emitter
	log       *slog.Logger
	now       func() time.Time
}

// Config holds the Service collaborators. Hub, Audit and Logger are optional.
type Config struct {
	Store     store.Store
	Guard     *tenant.Guard
	Ledger    *ledger.Ledger
	Engine    *settlement.Engine
	Providers *drawkey.Providers
	Hub       *WSHub
	Audit     audit.Emitter
	Logger    *slog.Logger
}

// NewService creates a betting service.
func NewService(cfg Config) *Service {
	s := &Service{
		store:     cfg.Store,
		guard:     cfg.Guard,
		ledger:    cfg.Ledger,
		engine:    cfg.Engine,
		providers: cfg.Providers,
		hub:       cfg.Hub,
		audit:     cfg.Audit,
		log:       cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.guard == nil {
		s.guard = tenant.NewGuard(s.log)
	}
	return s
}

// PlaceBetRequest describes a new bet. Either DrawKey (single provider) or
// Providers plus DrawDate must be given. OwnerID defaults to the caller.
type PlaceBetRequest struct {
	OwnerID    string            `json:"owner_id,omitempty"`
	DrawKey    string            `json:"draw_key,omitempty"`
	Providers  []string          `json:"providers,omitempty"`
	DrawDate   string            `json:"draw_date,omitempty"`
	Selections []model.Selection `json:"selections"`
}

// ResultRequest is a validated draw result delivered by result ingestion.
type ResultRequest struct {
	ProviderRef   string   `json:"provider_ref"`
	DrawKey       string   `json:"draw_key"`
	Winning       []string `json:"winning"`
	Supplementary []string `json:"supplementary"`
}

// PlaceBet reserves the bet's total against the owner's weekly limit and
// persists it as PENDING in the same transaction.
func (s *Service) PlaceBet(ctx context.Context, caller model.Caller, req PlaceBetRequest) (*model.Bet, error) {
	providers, date, err := s.resolveDraw(req)
	if err != nil {
		return nil, err
	}
	if err := validateSelections(req.Selections); err != nil {
		return nil, err
	}

	ownerID := req.OwnerID
	if ownerID == "" {
		ownerID = caller.ID
	}
	if caller.Role == model.RoleAgent && ownerID != caller.ID {
		return nil, fmt.Errorf("%w: agents place bets for themselves only", ErrNotOwner)
	}

	perProvider := decimal.Zero
	for _, sel := range req.Selections {
		perProvider = perProvider.Add(sel.Amount)
	}
	total := perProvider.Mul(decimal.NewFromInt(int64(len(providers))))

	bet := &model.Bet{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Providers:   providers,
		DrawDate:    date,
		Selections:  req.Selections,
		TotalAmount: total,
		Status:      model.BetPending,
		Payout:      decimal.Zero,
		ProfitLoss:  decimal.Zero,
		CreatedAt:   s.now(),
	}

	var state model.LedgerState
	err = s.store.InTx(ctx, func(q store.Queries) error {
		sq, err := s.guard.Bind(caller, q)
		if err != nil {
			return err
		}
		owner, err := ledger.ReserveIn(ctx, sq, ownerID, total)
		if err != nil {
			return err
		}
		bet.TenantID = owner.EffectiveTenant()
		state = ledger.StateOf(owner)
		return sq.InsertBet(ctx, bet)
	})
	if err != nil {
		return nil, err
	}

	metrics.BetsPlaced.WithLabelValues(strconv.Itoa(len(providers))).Inc()
	s.log.Info("bet placed",
		"bet_id", bet.ID,
		"owner", bet.OwnerID,
		"tenant", bet.TenantID,
		"providers", len(providers),
		"draw_date", date,
		"total", total.String(),
		"remaining", state.Remaining.String(),
	)
	s.audit.Emit("bet.placed", caller.ID, map[string]any{
		"bet_id":   bet.ID,
		"owner_id": bet.OwnerID,
		"total":    total.String(),
	})
	s.broadcast("bet_placed", bet)
	return bet, nil
}

// CancelBet moves a PENDING bet to CANCELLED and releases its total back
// to the owner's weekly allowance in the same transaction.
func (s *Service) CancelBet(ctx context.Context, caller model.Caller, betID string) (*model.Bet, error) {
	var bet *model.Bet
	err := s.store.InTx(ctx, func(q store.Queries) error {
		sq, err := s.guard.Bind(caller, q)
		if err != nil {
			return err
		}
		b, err := sq.GetBetForUpdate(ctx, betID)
		if err != nil {
			return err
		}
		if caller.Role != model.RoleAdmin && b.OwnerID != caller.ID {
			return ErrNotOwner
		}
		if b.Status != model.BetPending {
			return fmt.Errorf("%w: bet %s is %s", ErrNotPending, b.ID, b.Status)
		}

		if _, err := ledger.ReleaseIn(ctx, sq, b.OwnerID, b.TotalAmount); err != nil {
			return err
		}
		cancelledAt := s.now()
		b.Status = model.BetCancelled
		b.CancelledAt = &cancelledAt
		if err := sq.UpdateBetOutcome(ctx, b); err != nil {
			return err
		}
		bet = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.BetsCancelled.Inc()
	s.log.Info("bet cancelled", "bet_id", bet.ID, "owner", bet.OwnerID, "released", bet.TotalAmount.String())
	s.audit.Emit("bet.cancelled", caller.ID, map[string]any{
		"bet_id":   bet.ID,
		"released": bet.TotalAmount.String(),
	})
	s.broadcast("bet_cancelled", bet)
	return bet, nil
}

// GetBet returns one bet visible to the caller.
func (s *Service) GetBet(ctx context.Context, caller model.Caller, betID string) (*model.Bet, error) {
	q, err := s.guard.Bind(caller, s.store)
	if err != nil {
		return nil, err
	}
	return q.GetBet(ctx, betID)
}

// LedgerState returns the weekly allowance of a user visible to the caller.
func (s *Service) LedgerState(ctx context.Context, caller model.Caller, userID string) (model.LedgerState, error) {
	q, err := s.guard.Bind(caller, s.store)
	if err != nil {
		return model.LedgerState{}, err
	}
	return ledger.State(ctx, q, userID)
}

// ListBets lists bets in the caller's tenant.
func (s *Service) ListBets(ctx context.Context, caller model.Caller, f model.BetFilter) ([]model.Bet, error) {
	q, err := s.guard.Bind(caller, s.store)
	if err != nil {
		return nil, err
	}
	return q.ListBets(ctx, f)
}

// ListCommissions lists commission rows in the caller's tenant.
func (s *Service) ListCommissions(ctx context.Context, caller model.Caller, f model.CommissionFilter) ([]model.Commission, error) {
	q, err := s.guard.Bind(caller, s.store)
	if err != nil {
		return nil, err
	}
	return q.ListCommissions(ctx, f)
}

// IngestResult persists a draw result and runs settlement for it. Only
// ADMIN may publish results.
func (s *Service) IngestResult(ctx context.Context, caller model.Caller, req ResultRequest) (*model.DrawResult, *settlement.Report, error) {
	if caller.Role != model.RoleAdmin {
		return nil, nil, ErrForbidden
	}
	key, err := s.providers.ParseKnown(req.DrawKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrProviderInvalid, err)
	}
	if len(req.Winning) == 0 {
		return nil, nil, fmt.Errorf("%w: result has no winning numbers", ErrInvalidBet)
	}

	ref := req.ProviderRef
	if ref == "" {
		ref = key.Provider
	}
	now := s.now()
	result := &model.DrawResult{
		ID:            uuid.New().String(),
		ProviderRef:   ref,
		DrawKey:       key.String(),
		Winning:       req.Winning,
		Supplementary: req.Supplementary,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	q, err := s.guard.Bind(caller, s.store)
	if err != nil {
		return nil, nil, err
	}
	if err := q.UpsertDrawResult(ctx, result); err != nil {
		return nil, nil, err
	}
	s.audit.Emit("draw_result.upserted", caller.ID, map[string]any{"draw_key": result.DrawKey})

	rep, err := s.engine.Settle(ctx, result)
	return result, rep, err
}

// Resettle reruns settlement for a stored draw result.
func (s *Service) Resettle(ctx context.Context, caller model.Caller, drawKey string) (*settlement.Report, error) {
	if caller.Role != model.RoleAdmin {
		return nil, ErrForbidden
	}
	result, err := s.store.GetDrawResult(ctx, drawKey)
	if err != nil {
		return nil, err
	}
	return s.engine.Settle(ctx, result)
}

// WeeklyReset zeroes weekly usage for all limited users.
func (s *Service) WeeklyReset(ctx context.Context, caller model.Caller) (*model.ResetRun, error) {
	if caller.Role != model.RoleAdmin {
		return nil, ErrForbidden
	}
	return s.ledger.WeeklyReset(ctx)
}

// ResetHistory lists the most recent weekly resets.
func (s *Service) ResetHistory(ctx context.Context, caller model.Caller, limit int) ([]model.ResetRun, error) {
	q, err := s.guard.Bind(caller, s.store)
	if err != nil {
		return nil, err
	}
	return q.ListResetRuns(ctx, limit)
}

// OnSettled is a settlement listener that pushes settled bets to the hub.
func (s *Service) OnSettled(b model.Bet, _ []model.Commission) {
	s.broadcast("bet_settled", &b)
}

func (s *Service) broadcast(kind string, b *model.Bet) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(WSMessage{
		Type:       kind,
		BetID:      b.ID,
		OwnerID:    b.OwnerID,
		TenantID:   b.TenantID,
		Status:     string(b.Status),
		Amount:     b.TotalAmount.String(),
		Payout:     b.Payout.String(),
		ProfitLoss: b.ProfitLoss.String(),
	})
}

func (s *Service) resolveDraw(req PlaceBetRequest) ([]string, string, error) {
	if req.DrawKey != "" {
		key, err := s.providers.ParseKnown(req.DrawKey)
		if err != nil {
			if errors.Is(err, drawkey.ErrInvalidProvider) {
				return nil, "", fmt.Errorf("%w: %v", ErrProviderInvalid, err)
			}
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidBet, err)
		}
		return []string{key.Provider}, key.DateString(), nil
	}

	providers, err := s.providers.Validate(req.Providers)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrProviderInvalid, err)
	}
	if _, err := drawkey.ParseDate(req.DrawDate); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidBet, err)
	}
	return providers, req.DrawDate, nil
}

func validateSelections(sels []model.Selection) error {
	if len(sels) == 0 {
		return fmt.Errorf("%w: at least one selection is required", ErrInvalidBet)
	}
	for i, sel := range sels {
		if sel.Number == "" {
			return fmt.Errorf("%w: selection %d has no number", ErrInvalidBet, i)
		}
		if len(sel.Number) > MaxNumberDigits {
			return fmt.Errorf("%w: selection %d number exceeds %d digits", ErrInvalidBet, i, MaxNumberDigits)
		}
		for _, c := range sel.Number {
			if c < '0' || c > '9' {
				return fmt.Errorf("%w: selection %d number %q is not numeric", ErrInvalidBet, i, sel.Number)
			}
		}
		if sel.BetType == "" {
			return fmt.Errorf("%w: selection %d has no bet type", ErrInvalidBet, i)
		}
		if !sel.Amount.IsPositive() {
			return fmt.Errorf("%w: selection %d amount must be positive", ErrInvalidBet, i)
		}
		if !sel.Amount.Equal(sel.Amount.Round(2)) {
			return fmt.Errorf("%w: selection %d amount %s has more than 2 decimal places", ErrInvalidBet, i, sel.Amount)
		}
	}
	return nil
}
