package betting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lottonet/ledger-core/internal/model"
	"github.com/lottonet/ledger-core/internal/store"
)

// ErrUnauthenticated is returned when a request carries no usable identity.
var ErrUnauthenticated = errors.New("betting: unauthenticated")

// IdentityValidator turns a request token into a caller identity. Token
// issuance and verification live outside the ledger core.
type IdentityValidator interface {
	ValidateIdentity(ctx context.Context, token string) (model.Caller, error)
}

// UserLookup is the subset of store.Queries used by StoreIdentity.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// StoreIdentity treats the token as a user id and loads the caller's role
// and tenant from the store. It proves nothing on its own: pair it with
// GatewayIdentityMiddleware behind a gateway that has already
// authenticated the request, or use JWTIdentity.
type StoreIdentity struct {
	Users UserLookup
}

func (s StoreIdentity) ValidateIdentity(ctx context.Context, token string) (model.Caller, error) {
	if token == "" {
		return model.Caller{}, ErrUnauthenticated
	}
	u, err := s.Users.GetUser(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return model.Caller{}, fmt.Errorf("%w: unknown user", ErrUnauthenticated)
	}
	if err != nil {
		return model.Caller{}, err
	}
	if !u.Active {
		return model.Caller{}, fmt.Errorf("%w: user %s is inactive", ErrUnauthenticated, u.ID)
	}
	return model.Caller{ID: u.ID, Role: u.Role, TenantID: u.TenantID}, nil
}

type callerKey struct{}

// WithCaller returns ctx carrying the authenticated caller. Only the HTTP
// layer uses this; services receive the caller as a parameter.
func WithCaller(ctx context.Context, c model.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom extracts the caller stored by the identity middleware.
func CallerFrom(ctx context.Context) (model.Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(model.Caller)
	return c, ok
}

// JWTIdentity accepts HS256 tokens whose subject is a user id. Role and
// tenant are always read from the store, never from the claims.
type JWTIdentity struct {
	Secret []byte
	Issuer string // optional; checked when set
	Users  UserLookup
}

func (j JWTIdentity) ValidateIdentity(ctx context.Context, token string) (model.Caller, error) {
	if token == "" {
		return model.Caller{}, ErrUnauthenticated
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if j.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.Issuer))
	}
	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return j.Secret, nil
	}, opts...); err != nil {
		return model.Caller{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return model.Caller{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return StoreIdentity{Users: j.Users}.ValidateIdentity(ctx, claims.Subject)
}

// SignToken issues an HS256 token for userID that JWTIdentity accepts.
func SignToken(secret []byte, issuer, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// IdentityMiddleware authenticates each request with v using the token in
// "Authorization: Bearer <token>".
func IdentityMiddleware(v IdentityValidator) func(http.Handler) http.Handler {
	return authenticate(v, func(r *http.Request) string {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			return ""
		}
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	})
}

// GatewayIdentityMiddleware takes the caller's user id from the X-User-ID
// header. Mount it only behind a gateway that authenticates clients and
// overwrites that header: a client that can reach it directly can claim
// any user, ADMIN included.
func GatewayIdentityMiddleware(v IdentityValidator) func(http.Handler) http.Handler {
	return authenticate(v, func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get("X-User-ID"))
	})
}

func authenticate(v IdentityValidator, token func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := v.ValidateIdentity(r.Context(), token(r))
			if err != nil {
				status := http.StatusUnauthorized
				if !errors.Is(err, ErrUnauthenticated) {
					status = http.StatusInternalServerError
				}
				writeError(w, http.StatusText(status), status)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
