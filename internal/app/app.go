// Package app wires the ledger core from configuration. It is shared by the
// HTTP server and the operator CLI so both run against identical policy.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/lottonet/ledger-core/internal/audit"
	"github.com/lottonet/ledger-core/internal/betting"
	"github.com/lottonet/ledger-core/internal/commission"
	"github.com/lottonet/ledger-core/internal/config"
	"github.com/lottonet/ledger-core/internal/drawkey"
	"github.com/lottonet/ledger-core/internal/hierarchy"
	"github.com/lottonet/ledger-core/internal/ledger"
	"github.com/lottonet/ledger-core/internal/model"
	"github.com/lottonet/ledger-core/internal/settlement"
	"github.com/lottonet/ledger-core/internal/store"
	"github.com/lottonet/ledger-core/internal/tenant"
)

// App holds the wired components.
type App struct {
	Store   store.Store
	Redis   *redis.Client // nil without REDIS_URL
	Audit   *audit.AsyncEmitter
	Hub     *betting.WSHub
	Ledger  *ledger.Ledger
	Engine  *settlement.Engine
	Service *betting.Service

	cleanup []func()
}

// Build connects the stores and assembles the services. Close releases
// every connection Build opened.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{}

	// --- Store ---
	if cfg.DatabaseURL != "" {
		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, pool.Close)
		a.Store = store.NewPostgresStore(pool)
		logger.Info("connected to PostgreSQL")
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { a.Redis.Close() })
		a.Store = store.NewCachedStore(a.Store, a.Redis, cfg.CacheTTL)
		logger.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
	}

	// --- Audit ---
	var sink audit.Sink = audit.LogSink{Logger: logger}
	if a.Redis != nil {
		sink = audit.NewRedisSink(a.Redis, cfg.AuditStream, cfg.AuditStreamLen)
	}
	a.Audit = audit.NewAsyncEmitter(sink, cfg.AuditBuffer, logger)

	// --- Ledger core ---
	guard := tenant.NewGuard(logger)
	resolver := hierarchy.NewResolver(
		hierarchy.WithMaxDepth(cfg.HierarchyMaxDepth),
		hierarchy.WithInactive(cfg.IncludeInactiveUplines),
		hierarchy.WithLogger(logger),
	)
	calc := commission.NewCalculator(resolver, logger)

	a.Ledger = ledger.New(a.Store,
		ledger.WithResetPolicy(ledger.ResetPolicy{
			MaxAttempts:     cfg.ResetMaxAttempts,
			InitialInterval: cfg.ResetInitialBackoff,
			MaxInterval:     cfg.ResetMaxBackoff,
		}),
		ledger.WithAudit(a.Audit),
		ledger.WithLogger(logger),
	)

	a.Hub = betting.NewWSHub(logger)

	var svc *betting.Service
	a.Engine = settlement.NewEngine(a.Store, guard, calc,
		settlement.WithCommissionOnLoss(cfg.CommissionOnLoss),
		settlement.WithAudit(a.Audit),
		settlement.WithLogger(logger),
		settlement.WithListener(func(b model.Bet, rows []model.Commission) { svc.OnSettled(b, rows) }),
	)

	svc = betting.NewService(betting.Config{
		Store:     a.Store,
		Guard:     guard,
		Ledger:    a.Ledger,
		Engine:    a.Engine,
		Providers: drawkey.NewProviders(cfg.DrawProviders...),
		Hub:       a.Hub,
		Audit:     a.Audit,
		Logger:    logger,
	})
	a.Service = svc

	logger.Info("ledger core ready",
		"commission_on_loss", cfg.CommissionOnLoss,
		"include_inactive_uplines", cfg.IncludeInactiveUplines,
		"max_depth", cfg.HierarchyMaxDepth,
		"providers", cfg.DrawProviders,
	)
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
