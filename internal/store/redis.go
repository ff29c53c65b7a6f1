package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/lottonet/ledger-core/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for user rows, which back ledger-state reads. Writes go to the
// primary store and invalidate the cache after commit; reads check Redis
// first then fall back to the primary. Reads inside a transaction always
// go to the primary so row locks are honoured.
//
// Invalidation bumps a per-user version key (or a global epoch for a
// reset) before deleting the cached row. A cache fill WATCHes both keys,
// so a fill whose primary read raced a committed write is discarded
// rather than cached.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	var tracked *invalidatingQueries
	err := s.Store.InTx(ctx, func(q Queries) error {
		tracked = &invalidatingQueries{Queries: q}
		return fn(tracked)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, tracked.dirty, tracked.resetAll)
	return nil
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.Store.CreateUser(ctx, u); err != nil {
		return err
	}
	s.invalidate(ctx, []string{u.ID}, false)
	return nil
}

func (s *CachedStore) UpdateWeeklyUsed(ctx context.Context, id string, used decimal.Decimal) error {
	if err := s.Store.UpdateWeeklyUsed(ctx, id, used); err != nil {
		return err
	}
	s.invalidate(ctx, []string{id}, false)
	return nil
}

func (s *CachedStore) ResetWeeklyUsed(ctx context.Context) (int64, error) {
	n, err := s.Store.ResetWeeklyUsed(ctx)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, nil, true)
	return n, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	// Cache miss: read from primary, fill only if no write landed meanwhile.
	var (
		u       *model.User
		readErr error
	)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		u, readErr = s.Store.GetUser(ctx, id)
		if readErr != nil {
			return readErr
		}
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, userKey(id), data, s.ttl)
			return nil
		})
		return err
	}, userVersionKey(id), userEpochKey)
	switch {
	case readErr != nil:
		return nil, readErr
	case u == nil:
		slog.Warn("user cache unavailable", "user_id", id, "err", err)
		return s.Store.GetUser(ctx, id)
	case err != nil && !errors.Is(err, redis.TxFailedErr):
		slog.Warn("user cache fill failed", "user_id", id, "err", err)
	}
	return u, nil
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, ids []string, all bool) {
	if all {
		if err := s.rdb.Incr(ctx, userEpochKey).Err(); err != nil {
			slog.Warn("user cache epoch bump failed", "err", err)
		}
		iter := s.rdb.Scan(ctx, 0, userKey("*"), 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			slog.Warn("user cache scan failed", "err", err)
		}
		if len(keys) > 0 {
			s.rdb.Del(ctx, keys...)
		}
		return
	}
	if len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			p.Incr(ctx, userVersionKey(id))
			keys[i] = userKey(id)
		}
		p.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		slog.Warn("user cache invalidation failed", "users", ids, "err", err)
	}
}

// invalidatingQueries records which user rows a transaction wrote.
type invalidatingQueries struct {
	Queries
	dirty    []string
	resetAll bool
}

func (q *invalidatingQueries) CreateUser(ctx context.Context, u *model.User) error {
	if err := q.Queries.CreateUser(ctx, u); err != nil {
		return err
	}
	q.dirty = append(q.dirty, u.ID)
	return nil
}

func (q *invalidatingQueries) UpdateWeeklyUsed(ctx context.Context, id string, used decimal.Decimal) error {
	if err := q.Queries.UpdateWeeklyUsed(ctx, id, used); err != nil {
		return err
	}
	q.dirty = append(q.dirty, id)
	return nil
}

func (q *invalidatingQueries) ResetWeeklyUsed(ctx context.Context) (int64, error) {
	n, err := q.Queries.ResetWeeklyUsed(ctx)
	if err != nil {
		return 0, err
	}
	q.resetAll = true
	return n, nil
}

const userEpochKey = "usercache:epoch"

func userKey(id string) string { return fmt.Sprintf("user:%s", id) }

func userVersionKey(id string) string { return fmt.Sprintf("usercache:version:%s", id) }
