package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lottonet/ledger-core/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	*pgQueries
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgQueries: &pgQueries{db: pool}, pool: pool}
}

// Connect opens a tuned connection pool and verifies it.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// InTx runs fn in a READ COMMITTED transaction. Row locks taken through the
// ...ForUpdate queries are held until commit or rollback.
func (s *PostgresStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type pgQueries struct {
	db dbtx
}

// --- Users ---

const userColumns = `id, username, role, COALESCE(upline_id, ''), COALESCE(tenant_id, ''),
	weekly_limit::TEXT, weekly_used::TEXT, commission_rate::TEXT, active, created_at`

func (q *pgQueries) CreateUser(ctx context.Context, u *model.User) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO users (id, username, role, upline_id, tenant_id,
		                    weekly_limit, weekly_used, commission_rate, active, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''),
		         $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		u.ID, u.Username, string(u.Role), u.UplineID, u.TenantID,
		u.WeeklyLimit.String(), u.WeeklyUsed.String(), u.CommissionRate.String(),
		u.Active, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, err)
	}
	return nil
}

func (q *pgQueries) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, notFound(err))
	}
	return u, nil
}

func (q *pgQueries) GetUserForUpdate(ctx context.Context, id string) (*model.User, error) {
	row := q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("lock user %s: %w", id, notFound(err))
	}
	return u, nil
}

func (q *pgQueries) ListUsers(ctx context.Context, f model.UserFilter) ([]model.User, error) {
	w := &where{}
	if f.TenantID != "" {
		w.add(`COALESCE(tenant_id, CASE WHEN role = 'MODERATOR' THEN id END) = $%d`, f.TenantID)
	}
	if f.UplineID != "" {
		w.add(`upline_id = $%d`, f.UplineID)
	}
	if f.Role != "" {
		w.add(`role = $%d`, string(f.Role))
	}

	rows, err := q.db.Query(ctx, `SELECT `+userColumns+` FROM users`+w.sql()+` ORDER BY id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (q *pgQueries) UpdateWeeklyUsed(ctx context.Context, id string, used decimal.Decimal) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE users SET weekly_used = $2::NUMERIC WHERE id = $1`, id, used.String())
	if err != nil {
		return fmt.Errorf("update weekly used %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

func (q *pgQueries) ResetWeeklyUsed(ctx context.Context) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE users SET weekly_used = 0 WHERE role IN ('AGENT', 'MODERATOR')`)
	if err != nil {
		return 0, fmt.Errorf("reset weekly used: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Bets ---

const betColumns = `id, owner_id, COALESCE(tenant_id, ''), providers, draw_date, selections,
	total_amount::TEXT, status, payout::TEXT, profit_loss::TEXT, COALESCE(result_ref, ''),
	created_at, settled_at, cancelled_at`

func (q *pgQueries) InsertBet(ctx context.Context, b *model.Bet) error {
	selections, err := json.Marshal(b.Selections)
	if err != nil {
		return fmt.Errorf("encode selections: %w", err)
	}
	_, err = q.db.Exec(ctx,
		`INSERT INTO bets (id, owner_id, tenant_id, providers, draw_date, selections,
		                   total_amount, status, payout, profit_loss, result_ref, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6,
		         $7::NUMERIC, $8, $9::NUMERIC, $10::NUMERIC, NULLIF($11, ''), $12)`,
		b.ID, b.OwnerID, b.TenantID, b.Providers, b.DrawDate, selections,
		b.TotalAmount.String(), string(b.Status), b.Payout.String(), b.ProfitLoss.String(),
		b.ResultRef, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert bet %s: %w", b.ID, err)
	}
	return nil
}

func (q *pgQueries) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	b, err := scanBet(q.db.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get bet %s: %w", id, notFound(err))
	}
	return b, nil
}

func (q *pgQueries) GetBetForUpdate(ctx context.Context, id string) (*model.Bet, error) {
	b, err := scanBet(q.db.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("lock bet %s: %w", id, notFound(err))
	}
	return b, nil
}

func (q *pgQueries) ListBets(ctx context.Context, f model.BetFilter) ([]model.Bet, error) {
	w := &where{}
	if f.TenantID != "" {
		w.add(`tenant_id = $%d`, f.TenantID)
	}
	if f.OwnerID != "" {
		w.add(`owner_id = $%d`, f.OwnerID)
	}
	if f.Status != "" {
		w.add(`status = $%d`, string(f.Status))
	}
	if f.DrawDate != "" {
		w.add(`draw_date = $%d`, f.DrawDate)
	}
	if f.Provider != "" {
		w.add(`$%d = ANY(providers)`, f.Provider)
	}

	sql := `SELECT ` + betColumns + ` FROM bets` + w.sql() + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := q.db.Query(ctx, sql, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

func (q *pgQueries) UpdateBetOutcome(ctx context.Context, b *model.Bet) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE bets
		 SET status = $2, payout = $3::NUMERIC, profit_loss = $4::NUMERIC,
		     result_ref = NULLIF($5, ''), settled_at = $6, cancelled_at = $7
		 WHERE id = $1`,
		b.ID, string(b.Status), b.Payout.String(), b.ProfitLoss.String(),
		b.ResultRef, b.SettledAt, b.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("update bet %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bet %s: %w", b.ID, ErrNotFound)
	}
	return nil
}

// --- Draw results ---

func (q *pgQueries) UpsertDrawResult(ctx context.Context, r *model.DrawResult) error {
	err := q.db.QueryRow(ctx,
		`INSERT INTO draw_results (id, provider_ref, draw_key, winning, supplementary, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (draw_key) DO UPDATE
		 SET winning = EXCLUDED.winning,
		     supplementary = EXCLUDED.supplementary,
		     updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at`,
		r.ID, r.ProviderRef, r.DrawKey, r.Winning, r.Supplementary, r.CreatedAt, r.UpdatedAt,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert draw result %s: %w", r.DrawKey, err)
	}
	return nil
}

func (q *pgQueries) GetDrawResult(ctx context.Context, drawKey string) (*model.DrawResult, error) {
	var r model.DrawResult
	err := q.db.QueryRow(ctx,
		`SELECT id, provider_ref, draw_key, winning, supplementary, created_at, updated_at
		 FROM draw_results WHERE draw_key = $1`, drawKey).
		Scan(&r.ID, &r.ProviderRef, &r.DrawKey, &r.Winning, &r.Supplementary, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get draw result %s: %w", drawKey, notFound(err))
	}
	return &r, nil
}

// --- Commissions ---

func (q *pgQueries) InsertCommissions(ctx context.Context, rows []model.Commission) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range rows {
		batch.Queue(
			`INSERT INTO commissions (id, recipient_id, bet_id, source_owner_id, tenant_id,
			                          level, rate, base_amount, amount, created_at)
			 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
			c.ID, c.RecipientID, c.BetID, c.SourceOwnerID, c.TenantID,
			c.Level, c.Rate.String(), c.BaseAmount.String(), c.Amount.String(), c.CreatedAt,
		)
	}

	br := q.db.SendBatch(ctx, batch)
	for range rows {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert commissions: %w", err)
		}
	}
	return br.Close()
}

func (q *pgQueries) ListCommissions(ctx context.Context, f model.CommissionFilter) ([]model.Commission, error) {
	w := &where{}
	if f.TenantID != "" {
		w.add(`tenant_id = $%d`, f.TenantID)
	}
	if f.RecipientID != "" {
		w.add(`recipient_id = $%d`, f.RecipientID)
	}
	if f.BetID != "" {
		w.add(`bet_id = $%d`, f.BetID)
	}

	sql := `SELECT id, recipient_id, bet_id, source_owner_id, COALESCE(tenant_id, ''), level,
	               rate::TEXT, base_amount::TEXT, amount::TEXT, created_at
	        FROM commissions` + w.sql() + ` ORDER BY created_at, bet_id, level`
	if f.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := q.db.Query(ctx, sql, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Commission
	for rows.Next() {
		var c model.Commission
		var rateS, baseS, amountS string
		if err := rows.Scan(&c.ID, &c.RecipientID, &c.BetID, &c.SourceOwnerID, &c.TenantID, &c.Level,
			&rateS, &baseS, &amountS, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Rate, _ = decimal.NewFromString(rateS)
		c.BaseAmount, _ = decimal.NewFromString(baseS)
		c.Amount, _ = decimal.NewFromString(amountS)
		result = append(result, c)
	}
	return result, rows.Err()
}

// --- Reset history ---

func (q *pgQueries) InsertResetRun(ctx context.Context, r *model.ResetRun) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO reset_runs (id, started_at, finished_at, attempts, rows_affected, succeeded, error)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))`,
		r.ID, r.StartedAt, r.FinishedAt, r.Attempts, r.RowsAffected, r.Succeeded, r.Error,
	)
	if err != nil {
		return fmt.Errorf("insert reset run: %w", err)
	}
	return nil
}

func (q *pgQueries) ListResetRuns(ctx context.Context, limit int) ([]model.ResetRun, error) {
	sql := `SELECT id, started_at, finished_at, attempts, rows_affected, succeeded, COALESCE(error, '')
	        FROM reset_runs ORDER BY started_at DESC`
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := q.db.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.ResetRun
	for rows.Next() {
		var r model.ResetRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Attempts,
			&r.RowsAffected, &r.Succeeded, &r.Error); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Scan helpers ---

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var role, limitS, usedS, rateS string
	if err := row.Scan(&u.ID, &u.Username, &role, &u.UplineID, &u.TenantID,
		&limitS, &usedS, &rateS, &u.Active, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	u.WeeklyLimit, _ = decimal.NewFromString(limitS)
	u.WeeklyUsed, _ = decimal.NewFromString(usedS)
	u.CommissionRate, _ = decimal.NewFromString(rateS)
	return &u, nil
}

func scanBet(row pgx.Row) (*model.Bet, error) {
	var b model.Bet
	var status, totalS, payoutS, plS string
	var selections []byte
	if err := row.Scan(&b.ID, &b.OwnerID, &b.TenantID, &b.Providers, &b.DrawDate, &selections,
		&totalS, &status, &payoutS, &plS, &b.ResultRef,
		&b.CreatedAt, &b.SettledAt, &b.CancelledAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(selections, &b.Selections); err != nil {
		return nil, fmt.Errorf("decode selections of bet %s: %w", b.ID, err)
	}
	b.Status = model.BetStatus(status)
	b.TotalAmount, _ = decimal.NewFromString(totalS)
	b.Payout, _ = decimal.NewFromString(payoutS)
	b.ProfitLoss, _ = decimal.NewFromString(plS)
	return &b, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// where accumulates AND-ed predicates with positional arguments.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(format string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(format, len(w.args)))
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}
