package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lottonet/ledger-core/internal/model"
)

func newCachedEnv(t *testing.T) (*CachedStore, *MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ms := NewMemoryStore()
	return NewCachedStore(ms, rdb, 30*time.Second), ms, mr
}

func TestCachedStore_ReadThrough(t *testing.T) {
	ctx := context.Background()
	cs, ms, mr := newCachedEnv(t)
	seedUser(t, ms, model.User{ID: "a1", Role: model.RoleAgent, WeeklyLimit: d(100)})

	u, err := cs.GetUser(ctx, "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !u.WeeklyLimit.Equal(d(100)) {
		t.Errorf("expected limit 100, got %s", u.WeeklyLimit)
	}
	if !mr.Exists("user:a1") {
		t.Error("user should be cached after first read")
	}
}

func TestCachedStore_InTxInvalidatesWrittenUsers(t *testing.T) {
	ctx := context.Background()
	cs, ms, mr := newCachedEnv(t)
	seedUser(t, ms, model.User{ID: "a1", Role: model.RoleAgent, WeeklyLimit: d(100)})

	if _, err := cs.GetUser(ctx, "a1"); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	err := cs.InTx(ctx, func(q Queries) error {
		return q.UpdateWeeklyUsed(ctx, "a1", d(30))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mr.Exists("user:a1") {
		t.Error("cache entry should be invalidated after commit")
	}

	u, _ := cs.GetUser(ctx, "a1")
	if !u.WeeklyUsed.Equal(d(30)) {
		t.Errorf("expected fresh weekly_used=30, got %s", u.WeeklyUsed)
	}
}

func TestCachedStore_ResetInvalidatesAll(t *testing.T) {
	ctx := context.Background()
	cs, ms, mr := newCachedEnv(t)
	seedUser(t, ms, model.User{ID: "a1", Role: model.RoleAgent, WeeklyUsed: d(10)})
	seedUser(t, ms, model.User{ID: "a2", Role: model.RoleAgent, WeeklyUsed: d(20)})

	cs.GetUser(ctx, "a1")
	cs.GetUser(ctx, "a2")

	if _, err := cs.ResetWeeklyUsed(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mr.Exists("user:a1") || mr.Exists("user:a2") {
		t.Error("all user entries should be invalidated after reset")
	}
}

// racingStore runs onRead once, right after the primary read of a cache
// fill, to land a write between the read and the cache write.
type racingStore struct {
	*MemoryStore
	onRead func()
}

func (s *racingStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := s.MemoryStore.GetUser(ctx, id)
	if s.onRead != nil {
		hook := s.onRead
		s.onRead = nil
		hook()
	}
	return u, err
}

func TestCachedStore_FillRacingWriteIsNotCached(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := &racingStore{MemoryStore: NewMemoryStore()}
	seedUser(t, primary.MemoryStore, model.User{ID: "a1", Role: model.RoleAgent, WeeklyLimit: d(100)})
	cs := NewCachedStore(primary, rdb, time.Minute)

	primary.onRead = func() {
		err := cs.InTx(ctx, func(q Queries) error {
			return q.UpdateWeeklyUsed(ctx, "a1", d(40))
		})
		if err != nil {
			t.Errorf("concurrent write: %v", err)
		}
	}

	stale, err := cs.GetUser(ctx, "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stale.WeeklyUsed.IsZero() {
		t.Fatalf("expected the pre-write row, got %s", stale.WeeklyUsed)
	}
	if mr.Exists("user:a1") {
		t.Error("a fill that raced a write must not be cached")
	}

	fresh, _ := cs.GetUser(ctx, "a1")
	if !fresh.WeeklyUsed.Equal(d(40)) {
		t.Errorf("expected weekly_used=40 after the race, got %s", fresh.WeeklyUsed)
	}
	if !mr.Exists("user:a1") {
		t.Error("an uncontended fill should be cached")
	}
}

func TestCachedStore_FallsBackWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	cs, ms, mr := newCachedEnv(t)
	seedUser(t, ms, model.User{ID: "a1", Role: model.RoleAgent, WeeklyLimit: d(100)})
	mr.Close()

	u, err := cs.GetUser(ctx, "a1")
	if err != nil {
		t.Fatalf("expected primary fallback, got %v", err)
	}
	if !u.WeeklyLimit.Equal(d(100)) {
		t.Errorf("unexpected user %+v", u)
	}
	if _, err := cs.GetUser(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
