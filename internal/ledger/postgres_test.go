package ledger

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lottonet/ledger-core/internal/model"
	"github.com/lottonet/ledger-core/internal/store"
)

// newPostgresLedger connects to TEST_DATABASE_URL, applies the schema and
// seeds one moderator with the given weekly limit. Skipped when the
// variable is unset.
func newPostgresLedger(t *testing.T, limit decimal.Decimal) (*Ledger, *store.PostgresStore, string) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := store.Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	// Packages run in parallel; serialize schema creation.
	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock(7231)"); err != nil {
		t.Fatalf("lock schema: %v", err)
	}
	_, err = conn.Exec(ctx, string(schema))
	conn.Exec(ctx, "SELECT pg_advisory_unlock(7231)")
	if err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	ps := store.NewPostgresStore(pool)
	id := uuid.New().String()
	u := &model.User{
		ID:          id,
		Username:    "limit-" + id[:8],
		Role:        model.RoleModerator,
		WeeklyLimit: limit,
		WeeklyUsed:  decimal.Zero,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := ps.CreateUser(ctx, u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return New(ps), ps, id
}

// Concurrent reservations contend on the user's row lock; 20 goroutines ×
// 10 reservations of 1 against a limit of 100 admit exactly 100.
func TestPostgresReserve_ConcurrentNeverOvershoots(t *testing.T) {
	l, ps, userID := newPostgresLedger(t, d(100))
	ctx := context.Background()

	var ok, rejected atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := l.Reserve(ctx, userID, d(1))
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, ErrLimitExceeded):
					rejected.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 100 || rejected.Load() != 100 {
		t.Errorf("expected 100 ok / 100 rejected, got %d / %d", ok.Load(), rejected.Load())
	}
	u, err := ps.GetUser(ctx, userID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !u.WeeklyUsed.Equal(d(100)) {
		t.Errorf("expected weekly_used=100, got %s", u.WeeklyUsed)
	}
}

func TestPostgresReserveRelease_RandomInterleavingStaysInBounds(t *testing.T) {
	limit := d(250)
	l, ps, userID := newPostgresLedger(t, limit)
	ctx := context.Background()

	var mu sync.Mutex
	reservedTotal, releasedTotal := decimal.Zero, decimal.Zero

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 40; i++ {
				amt := decimal.NewFromInt(int64(rng.Intn(40) + 1))
				if rng.Intn(3) == 0 {
					st, err := l.Release(ctx, userID, amt)
					if err != nil {
						t.Errorf("release: %v", err)
						continue
					}
					if st.WeeklyUsed.IsNegative() {
						t.Errorf("used below zero: %s", st.WeeklyUsed)
					}
					mu.Lock()
					releasedTotal = releasedTotal.Add(amt)
					mu.Unlock()
					continue
				}
				st, err := l.Reserve(ctx, userID, amt)
				if errors.Is(err, ErrLimitExceeded) {
					continue
				}
				if err != nil {
					t.Errorf("reserve: %v", err)
					continue
				}
				if st.WeeklyUsed.GreaterThan(limit) {
					t.Errorf("used above limit: %s", st.WeeklyUsed)
				}
				mu.Lock()
				reservedTotal = reservedTotal.Add(amt)
				mu.Unlock()
			}
		}(int64(g))
	}
	wg.Wait()

	u, err := ps.GetUser(ctx, userID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.WeeklyUsed.IsNegative() || u.WeeklyUsed.GreaterThan(limit) {
		t.Errorf("final used out of bounds: %s", u.WeeklyUsed)
	}
	// Releases floor at zero, so the final value is at least what was
	// reserved minus what was released.
	if u.WeeklyUsed.LessThan(reservedTotal.Sub(releasedTotal)) {
		t.Errorf("lost updates: used=%s reserved=%s released=%s", u.WeeklyUsed, reservedTotal, releasedTotal)
	}
}
