package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lottonet/ledger-core/internal/app"
	"github.com/lottonet/ledger-core/internal/betting"
	"github.com/lottonet/ledger-core/internal/config"
	"github.com/lottonet/ledger-core/internal/metrics"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to read .env", "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	// --- Background workers ---
	auditDone := make(chan struct{})
	auditCtx, stopAudit := context.WithCancel(context.Background())
	go func() {
		a.Audit.Run(auditCtx)
		close(auditDone)
	}()

	hubDone := make(chan struct{})
	go a.Hub.Run(hubDone)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-core"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	authn := betting.IdentityMiddleware(betting.JWTIdentity{
		Secret: []byte(cfg.JWTSecret),
		Issuer: cfg.JWTIssuer,
		Users:  a.Store,
	})
	if cfg.AuthMode == config.AuthGateway {
		// X-User-ID is trusted as-is; only safe behind an authenticating gateway.
		slog.Warn("AUTH_MODE=gateway: trusting X-User-ID from the upstream gateway")
		authn = betting.GatewayIdentityMiddleware(betting.StoreIdentity{Users: a.Store})
	}
	r.Route("/api/v1", func(r chi.Router) {
		a.Service.Routes(r, authn)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-core listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down ledger-core...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	close(hubDone)
	stopAudit()
	<-auditDone
	fmt.Println("ledger-core stopped")
}
