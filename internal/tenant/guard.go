// Package tenant enforces moderator-organization isolation at the data
// access boundary. A Scoped handle wraps store.Queries and forces the
// caller's tenant filter onto every read and write, so no call site can
// forget it.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/lottonet/ledger-core/internal/metrics"
	"github.com/lottonet/ledger-core/internal/model"
	"github.com/lottonet/ledger-core/internal/store"
)

var (
	// ErrTenantViolation is returned for any read or write outside the
	// caller's tenant. It indicates a bug or a bypass attempt.
	ErrTenantViolation = errors.New("tenant: access outside caller's tenant")

	// ErrInvalidCaller is returned when a caller cannot be mapped to a scope.
	ErrInvalidCaller = errors.New("tenant: invalid caller identity")
)

// Scope is the set of rows a handle may see.
type Scope struct {
	TenantID string // required equality filter unless All
	All      bool   // ADMIN or global batch work
	System   bool   // internal batch work; may read tenantless ADMIN rows
	ActorID  string // for logging only
}

// ScopeOf maps a caller to its scope: ADMIN sees everything, a MODERATOR
// its own tenant, an AGENT the tenant it inherited.
func ScopeOf(c model.Caller) (Scope, error) {
	switch c.Role {
	case model.RoleAdmin:
		return Scope{All: true, ActorID: c.ID}, nil
	case model.RoleModerator:
		if c.ID == "" {
			return Scope{}, fmt.Errorf("%w: moderator without id", ErrInvalidCaller)
		}
		return Scope{TenantID: c.ID, ActorID: c.ID}, nil
	case model.RoleAgent:
		if c.TenantID == "" {
			return Scope{}, fmt.Errorf("%w: agent %s has no tenant", ErrInvalidCaller, c.ID)
		}
		return Scope{TenantID: c.TenantID, ActorID: c.ID}, nil
	default:
		return Scope{}, fmt.Errorf("%w: role %q", ErrInvalidCaller, c.Role)
	}
}

// SystemScope is used by internal batch settlement with the tenant taken
// from the row being processed. An empty tenant (ADMIN-owned rows) widens
// to the global scope.
func SystemScope(tenantID string) Scope {
	if tenantID == "" {
		return Scope{All: true, System: true, ActorID: "system"}
	}
	return Scope{TenantID: tenantID, System: true, ActorID: "system"}
}

// Guard binds scopes to query handles and reports violations.
type Guard struct {
	log *slog.Logger
}

// NewGuard creates a guard. A nil logger uses slog.Default().
func NewGuard(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{log: logger}
}

// Bind returns q restricted to the caller's tenant.
func (g *Guard) Bind(c model.Caller, q store.Queries) (*Scoped, error) {
	scope, err := ScopeOf(c)
	if err != nil {
		g.log.Error("tenant scope rejected", "caller", c.ID, "role", string(c.Role), "err", err)
		metrics.TenantViolations.Inc()
		return nil, err
	}
	return &Scoped{q: q, scope: scope, guard: g}, nil
}

// BindScope returns q restricted to an explicit scope.
func (g *Guard) BindScope(scope Scope, q store.Queries) *Scoped {
	return &Scoped{q: q, scope: scope, guard: g}
}

func (g *Guard) violation(scope Scope, op, kind, id, rowTenant string) error {
	metrics.TenantViolations.Inc()
	g.log.Error("tenant violation",
		"op", op,
		"actor", scope.ActorID,
		"scope_tenant", scope.TenantID,
		"target", kind,
		"target_id", id,
		"target_tenant", rowTenant,
	)
	return fmt.Errorf("%w: %s %s %s", ErrTenantViolation, op, kind, id)
}

// Scoped implements store.Queries with the scope enforced.
type Scoped struct {
	q     store.Queries
	scope Scope
	guard *Guard
}

var _ store.Queries = (*Scoped)(nil)

// Scope returns the enforced scope.
func (s *Scoped) Scope() Scope { return s.scope }

func (s *Scoped) allows(rowTenant string) bool {
	return s.scope.All || rowTenant == s.scope.TenantID
}

// allowsUser additionally lets system scopes read tenantless ADMIN rows,
// which sit above every tenant root in the upline tree.
func (s *Scoped) allowsUser(u *model.User) bool {
	if s.allows(u.EffectiveTenant()) {
		return true
	}
	return s.scope.System && u.Role == model.RoleAdmin
}

// stamp fills an empty tenant with the scope's tenant and rejects a
// mismatching one.
func (s *Scoped) stamp(op, kind, id string, tenantID *string) error {
	if s.scope.All {
		return nil
	}
	if *tenantID == "" {
		*tenantID = s.scope.TenantID
		return nil
	}
	if *tenantID != s.scope.TenantID {
		return s.guard.violation(s.scope, op, kind, id, *tenantID)
	}
	return nil
}

func (s *Scoped) narrow(op, kind, requested string) (string, error) {
	if s.scope.All {
		return requested, nil
	}
	if requested != "" && requested != s.scope.TenantID {
		return "", s.guard.violation(s.scope, op, kind, "*", requested)
	}
	return s.scope.TenantID, nil
}

func (s *Scoped) globalOnly(op, kind string) error {
	if s.scope.All {
		return nil
	}
	return s.guard.violation(s.scope, op, kind, "*", "")
}

// --- Users ---

func (s *Scoped) CreateUser(ctx context.Context, u *model.User) error {
	if !s.scope.All && u.Role != model.RoleAgent {
		return s.guard.violation(s.scope, "create", "user", u.ID, "")
	}
	if err := s.stamp("create", "user", u.ID, &u.TenantID); err != nil {
		return err
	}
	if !s.scope.All && u.UplineID != "" {
		if _, err := s.GetUser(ctx, u.UplineID); err != nil {
			return err
		}
	}
	return s.q.CreateUser(ctx, u)
}

func (s *Scoped) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := s.q.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.allowsUser(u) {
		return nil, s.guard.violation(s.scope, "read", "user", id, u.EffectiveTenant())
	}
	return u, nil
}

func (s *Scoped) GetUserForUpdate(ctx context.Context, id string) (*model.User, error) {
	u, err := s.q.GetUserForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.allowsUser(u) {
		return nil, s.guard.violation(s.scope, "lock", "user", id, u.EffectiveTenant())
	}
	return u, nil
}

func (s *Scoped) ListUsers(ctx context.Context, f model.UserFilter) ([]model.User, error) {
	t, err := s.narrow("list", "user", f.TenantID)
	if err != nil {
		return nil, err
	}
	f.TenantID = t
	return s.q.ListUsers(ctx, f)
}

func (s *Scoped) UpdateWeeklyUsed(ctx context.Context, id string, used decimal.Decimal) error {
	if !s.scope.All {
		if _, err := s.GetUser(ctx, id); err != nil {
			return err
		}
	}
	return s.q.UpdateWeeklyUsed(ctx, id, used)
}

func (s *Scoped) ResetWeeklyUsed(ctx context.Context) (int64, error) {
	if err := s.globalOnly("reset", "user"); err != nil {
		return 0, err
	}
	return s.q.ResetWeeklyUsed(ctx)
}

// --- Bets ---

func (s *Scoped) InsertBet(ctx context.Context, b *model.Bet) error {
	if err := s.stamp("create", "bet", b.ID, &b.TenantID); err != nil {
		return err
	}
	return s.q.InsertBet(ctx, b)
}

func (s *Scoped) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	b, err := s.q.GetBet(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.allows(b.TenantID) {
		return nil, s.guard.violation(s.scope, "read", "bet", id, b.TenantID)
	}
	return b, nil
}

func (s *Scoped) GetBetForUpdate(ctx context.Context, id string) (*model.Bet, error) {
	b, err := s.q.GetBetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.allows(b.TenantID) {
		return nil, s.guard.violation(s.scope, "lock", "bet", id, b.TenantID)
	}
	return b, nil
}

func (s *Scoped) ListBets(ctx context.Context, f model.BetFilter) ([]model.Bet, error) {
	t, err := s.narrow("list", "bet", f.TenantID)
	if err != nil {
		return nil, err
	}
	f.TenantID = t
	return s.q.ListBets(ctx, f)
}

func (s *Scoped) UpdateBetOutcome(ctx context.Context, b *model.Bet) error {
	if !s.scope.All {
		existing, err := s.q.GetBet(ctx, b.ID)
		if err != nil {
			return err
		}
		if !s.allows(existing.TenantID) {
			return s.guard.violation(s.scope, "update", "bet", b.ID, existing.TenantID)
		}
	}
	return s.q.UpdateBetOutcome(ctx, b)
}

// --- Draw results (global data) ---

func (s *Scoped) UpsertDrawResult(ctx context.Context, r *model.DrawResult) error {
	if err := s.globalOnly("write", "draw_result"); err != nil {
		return err
	}
	return s.q.UpsertDrawResult(ctx, r)
}

func (s *Scoped) GetDrawResult(ctx context.Context, drawKey string) (*model.DrawResult, error) {
	return s.q.GetDrawResult(ctx, drawKey)
}

// --- Commissions ---

func (s *Scoped) InsertCommissions(ctx context.Context, rows []model.Commission) error {
	for i := range rows {
		if err := s.stamp("create", "commission", rows[i].BetID, &rows[i].TenantID); err != nil {
			return err
		}
	}
	return s.q.InsertCommissions(ctx, rows)
}

func (s *Scoped) ListCommissions(ctx context.Context, f model.CommissionFilter) ([]model.Commission, error) {
	t, err := s.narrow("list", "commission", f.TenantID)
	if err != nil {
		return nil, err
	}
	f.TenantID = t
	return s.q.ListCommissions(ctx, f)
}

// --- Reset history (global data) ---

func (s *Scoped) InsertResetRun(ctx context.Context, r *model.ResetRun) error {
	if err := s.globalOnly("write", "reset_run"); err != nil {
		return err
	}
	return s.q.InsertResetRun(ctx, r)
}

func (s *Scoped) ListResetRuns(ctx context.Context, limit int) ([]model.ResetRun, error) {
	if err := s.globalOnly("list", "reset_run"); err != nil {
		return nil, err
	}
	return s.q.ListResetRuns(ctx, limit)
}
