// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	AuthMode  string // AuthJWT or AuthGateway
	JWTSecret string
	JWTIssuer string

	CommissionOnLoss       bool
	IncludeInactiveUplines bool
	HierarchyMaxDepth      int

	ResetMaxAttempts    int
	ResetInitialBackoff time.Duration
	ResetMaxBackoff     time.Duration

	DrawProviders []string

	AuditStream    string
	AuditStreamLen int64
	AuditBuffer    int
}

// LoadDotEnv reads a .env file into the process environment if one
// exists. Variables already set are not overridden.
func LoadDotEnv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Identity modes for the HTTP API.
const (
	AuthJWT     = "jwt"
	AuthGateway = "gateway"
)

// Load reads the configuration from the environment. A variable that is
// set but cannot be parsed is an error, never a silent default.
func Load() (Config, error) {
	addr := envDefault("PORT", "8080")
	if !strings.HasPrefix(addr, ":") {
		addr = ":" + addr
	}

	var e envErrors
	cfg := Config{
		Addr:        addr,
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		CacheTTL:    e.duration("CACHE_TTL", 30*time.Second),

		AuthMode:  strings.ToLower(envDefault("AUTH_MODE", AuthJWT)),
		JWTSecret: strings.TrimSpace(os.Getenv("JWT_SECRET")),
		JWTIssuer: envDefault("JWT_ISSUER", "ledger-core"),

		CommissionOnLoss:       e.boolean("COMMISSION_ON_LOSS", true),
		IncludeInactiveUplines: e.boolean("INCLUDE_INACTIVE_UPLINES", true),
		HierarchyMaxDepth:      e.integer("HIERARCHY_MAX_DEPTH", 100),

		ResetMaxAttempts:    e.integer("RESET_MAX_ATTEMPTS", 5),
		ResetInitialBackoff: e.duration("RESET_INITIAL_BACKOFF", 500*time.Millisecond),
		ResetMaxBackoff:     e.duration("RESET_MAX_BACKOFF", 30*time.Second),

		DrawProviders: envListDefault("DRAW_PROVIDERS", []string{"MAGNUM", "TOTO", "DAMACAI"}),

		AuditStream:    envDefault("AUDIT_STREAM", "audit:events"),
		AuditStreamLen: int64(e.integer("AUDIT_STREAM_MAXLEN", 100000)),
		AuditBuffer:    e.integer("AUDIT_BUFFER", 1024),
	}
	if err := errors.Join(e...); err != nil {
		return cfg, err
	}

	if cfg.HierarchyMaxDepth < 1 {
		return cfg, fmt.Errorf("HIERARCHY_MAX_DEPTH must be positive, got %d", cfg.HierarchyMaxDepth)
	}
	if cfg.ResetMaxAttempts < 1 {
		return cfg, fmt.Errorf("RESET_MAX_ATTEMPTS must be positive, got %d", cfg.ResetMaxAttempts)
	}
	if len(cfg.DrawProviders) == 0 {
		return cfg, fmt.Errorf("DRAW_PROVIDERS must name at least one provider")
	}
	switch cfg.AuthMode {
	case AuthJWT:
		if cfg.JWTSecret == "" {
			return cfg, fmt.Errorf("JWT_SECRET is required when AUTH_MODE=%s", AuthJWT)
		}
	case AuthGateway:
	default:
		return cfg, fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthJWT, AuthGateway, cfg.AuthMode)
	}
	return cfg, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// envErrors collects parse failures so Load can report all of them.
type envErrors []error

func (e *envErrors) duration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*e = append(*e, fmt.Errorf("%s: invalid duration %q", key, v))
		return fallback
	}
	return d
}

func (e *envErrors) integer(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*e = append(*e, fmt.Errorf("%s: invalid integer %q", key, v))
		return fallback
	}
	return n
}

func (e *envErrors) boolean(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*e = append(*e, fmt.Errorf("%s: invalid boolean %q", key, v))
		return fallback
	}
	return b
}

func envListDefault(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
