package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/lottonet/ledger-core/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized by a single mutex and run against a
// copy of the state that replaces the live state only on success, so a
// failed transaction leaves nothing behind.
type MemoryStore struct {
	mu sync.RWMutex
	st *memState
}

type memState struct {
	users       map[string]*model.User
	bets        map[string]*model.Bet
	betOrder    []string
	results     map[string]*model.DrawResult
	commissions []model.Commission
	resets      []model.ResetRun
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		st: &memState{
			users:   make(map[string]*model.User),
			bets:    make(map[string]*model.Bet),
			results: make(map[string]*model.DrawResult),
		},
	}
}

// clone copies the containers. Rows are replaced, never mutated in place,
// so sharing the row pointers is safe.
func (s *memState) clone() *memState {
	c := &memState{
		users:       make(map[string]*model.User, len(s.users)),
		bets:        make(map[string]*model.Bet, len(s.bets)),
		betOrder:    s.betOrder[:len(s.betOrder):len(s.betOrder)],
		results:     make(map[string]*model.DrawResult, len(s.results)),
		commissions: s.commissions[:len(s.commissions):len(s.commissions)],
		resets:      s.resets[:len(s.resets):len(s.resets)],
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.bets {
		c.bets[k] = v
	}
	for k, v := range s.results {
		c.results[k] = v
	}
	return c
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	staged := s.st.clone()
	if err := fn(&memQueries{st: staged}); err != nil {
		return err
	}
	s.st = staged
	return nil
}

func (s *MemoryStore) read() *memQueries {
	return &memQueries{st: s.st}
}

// --- Autocommit surface ---

func (s *MemoryStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.InTx(ctx, func(q Queries) error { return q.CreateUser(ctx, u) })
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetUser(ctx, id)
}

func (s *MemoryStore) GetUserForUpdate(ctx context.Context, id string) (*model.User, error) {
	return s.GetUser(ctx, id)
}

func (s *MemoryStore) ListUsers(ctx context.Context, f model.UserFilter) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListUsers(ctx, f)
}

func (s *MemoryStore) UpdateWeeklyUsed(ctx context.Context, id string, used decimal.Decimal) error {
	return s.InTx(ctx, func(q Queries) error { return q.UpdateWeeklyUsed(ctx, id, used) })
}

func (s *MemoryStore) ResetWeeklyUsed(ctx context.Context) (int64, error) {
	var n int64
	err := s.InTx(ctx, func(q Queries) error {
		var err error
		n, err = q.ResetWeeklyUsed(ctx)
		return err
	})
	return n, err
}

func (s *MemoryStore) InsertBet(ctx context.Context, b *model.Bet) error {
	return s.InTx(ctx, func(q Queries) error { return q.InsertBet(ctx, b) })
}

func (s *MemoryStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetBet(ctx, id)
}

func (s *MemoryStore) GetBetForUpdate(ctx context.Context, id string) (*model.Bet, error) {
	return s.GetBet(ctx, id)
}

func (s *MemoryStore) ListBets(ctx context.Context, f model.BetFilter) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListBets(ctx, f)
}

func (s *MemoryStore) UpdateBetOutcome(ctx context.Context, b *model.Bet) error {
	return s.InTx(ctx, func(q Queries) error { return q.UpdateBetOutcome(ctx, b) })
}

func (s *MemoryStore) UpsertDrawResult(ctx context.Context, r *model.DrawResult) error {
	return s.InTx(ctx, func(q Queries) error { return q.UpsertDrawResult(ctx, r) })
}

func (s *MemoryStore) GetDrawResult(ctx context.Context, drawKey string) (*model.DrawResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetDrawResult(ctx, drawKey)
}

func (s *MemoryStore) InsertCommissions(ctx context.Context, rows []model.Commission) error {
	return s.InTx(ctx, func(q Queries) error { return q.InsertCommissions(ctx, rows) })
}

func (s *MemoryStore) ListCommissions(ctx context.Context, f model.CommissionFilter) ([]model.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListCommissions(ctx, f)
}

func (s *MemoryStore) InsertResetRun(ctx context.Context, r *model.ResetRun) error {
	return s.InTx(ctx, func(q Queries) error { return q.InsertResetRun(ctx, r) })
}

func (s *MemoryStore) ListResetRuns(ctx context.Context, limit int) ([]model.ResetRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListResetRuns(ctx, limit)
}

// memQueries operates on one state snapshot. The caller holds the lock.
type memQueries struct {
	st *memState
}

func (q *memQueries) CreateUser(_ context.Context, u *model.User) error {
	if _, ok := q.st.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	copy := *u
	q.st.users[u.ID] = &copy
	return nil
}

func (q *memQueries) GetUser(_ context.Context, id string) (*model.User, error) {
	u, ok := q.st.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (q *memQueries) GetUserForUpdate(ctx context.Context, id string) (*model.User, error) {
	return q.GetUser(ctx, id)
}

func (q *memQueries) ListUsers(_ context.Context, f model.UserFilter) ([]model.User, error) {
	var users []model.User
	for _, u := range q.st.users {
		if f.TenantID != "" && u.EffectiveTenant() != f.TenantID {
			continue
		}
		if f.UplineID != "" && u.UplineID != f.UplineID {
			continue
		}
		if f.Role != "" && u.Role != f.Role {
			continue
		}
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (q *memQueries) UpdateWeeklyUsed(_ context.Context, id string, used decimal.Decimal) error {
	u, ok := q.st.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	updated := *u
	updated.WeeklyUsed = used
	q.st.users[id] = &updated
	return nil
}

func (q *memQueries) ResetWeeklyUsed(_ context.Context) (int64, error) {
	var n int64
	for id, u := range q.st.users {
		if !u.Role.Limited() {
			continue
		}
		updated := *u
		updated.WeeklyUsed = decimal.Zero
		q.st.users[id] = &updated
		n++
	}
	return n, nil
}

func (q *memQueries) InsertBet(_ context.Context, b *model.Bet) error {
	if _, ok := q.st.bets[b.ID]; ok {
		return fmt.Errorf("bet %s already exists", b.ID)
	}
	copy := *b
	q.st.bets[b.ID] = &copy
	q.st.betOrder = append(q.st.betOrder, b.ID)
	return nil
}

func (q *memQueries) GetBet(_ context.Context, id string) (*model.Bet, error) {
	b, ok := q.st.bets[id]
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	copy := *b
	return &copy, nil
}

func (q *memQueries) GetBetForUpdate(ctx context.Context, id string) (*model.Bet, error) {
	return q.GetBet(ctx, id)
}

func (q *memQueries) ListBets(_ context.Context, f model.BetFilter) ([]model.Bet, error) {
	var bets []model.Bet
	for _, id := range q.st.betOrder {
		b := q.st.bets[id]
		if f.TenantID != "" && b.TenantID != f.TenantID {
			continue
		}
		if f.OwnerID != "" && b.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.DrawDate != "" && b.DrawDate != f.DrawDate {
			continue
		}
		if f.Provider != "" && !containsString(b.Providers, f.Provider) {
			continue
		}
		bets = append(bets, *b)
		if f.Limit > 0 && len(bets) >= f.Limit {
			break
		}
	}
	return bets, nil
}

func (q *memQueries) UpdateBetOutcome(_ context.Context, b *model.Bet) error {
	existing, ok := q.st.bets[b.ID]
	if !ok {
		return fmt.Errorf("bet %s: %w", b.ID, ErrNotFound)
	}
	updated := *existing
	updated.Status = b.Status
	updated.Payout = b.Payout
	updated.ProfitLoss = b.ProfitLoss
	updated.ResultRef = b.ResultRef
	updated.SettledAt = b.SettledAt
	updated.CancelledAt = b.CancelledAt
	q.st.bets[b.ID] = &updated
	return nil
}

func (q *memQueries) UpsertDrawResult(_ context.Context, r *model.DrawResult) error {
	copy := *r
	if existing, ok := q.st.results[r.DrawKey]; ok {
		copy.ID = existing.ID
		copy.CreatedAt = existing.CreatedAt
		r.ID = existing.ID
		r.CreatedAt = existing.CreatedAt
	}
	q.st.results[r.DrawKey] = &copy
	return nil
}

func (q *memQueries) GetDrawResult(_ context.Context, drawKey string) (*model.DrawResult, error) {
	r, ok := q.st.results[drawKey]
	if !ok {
		return nil, fmt.Errorf("draw result %s: %w", drawKey, ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (q *memQueries) InsertCommissions(_ context.Context, rows []model.Commission) error {
	q.st.commissions = append(q.st.commissions, rows...)
	return nil
}

func (q *memQueries) ListCommissions(_ context.Context, f model.CommissionFilter) ([]model.Commission, error) {
	var result []model.Commission
	for _, c := range q.st.commissions {
		if f.TenantID != "" && c.TenantID != f.TenantID {
			continue
		}
		if f.RecipientID != "" && c.RecipientID != f.RecipientID {
			continue
		}
		if f.BetID != "" && c.BetID != f.BetID {
			continue
		}
		result = append(result, c)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result, nil
}

func (q *memQueries) InsertResetRun(_ context.Context, r *model.ResetRun) error {
	q.st.resets = append(q.st.resets, *r)
	return nil
}

func (q *memQueries) ListResetRuns(_ context.Context, limit int) ([]model.ResetRun, error) {
	var runs []model.ResetRun
	for i := len(q.st.resets) - 1; i >= 0; i-- {
		runs = append(runs, q.st.resets[i])
		if limit > 0 && len(runs) >= limit {
			break
		}
	}
	return runs, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
