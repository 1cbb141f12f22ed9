package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/golang-jwt/jwt/v5"

	"github.com/gitshopapp/checkout/internal/logging"
	"github.com/gitshopapp/checkout/internal/observability"
)

const RoleAdmin = "admin"

var errUnauthenticated = errors.New("unauthenticated")

// Identity is the caller as asserted by the identity service's token.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

type tokenClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 bearer tokens.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewTokenVerifier(secret string) (*TokenVerifier, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes")
	}
	return &TokenVerifier{secret: []byte(secret), now: time.Now}, nil
}

func (v *TokenVerifier) Verify(raw string) (Identity, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", errUnauthenticated)
	}
	return Identity{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

// Issue mints a token for identity. Production tokens come from the
// identity service; this exists for local development and tests.
func (v *TokenVerifier) Issue(identity Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := tokenClaims{
		Email: identity.Email,
		Role:  identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type identityContextKey struct{}

func withIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

func identityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(Identity)
	return identity, ok
}

// RequireUser rejects requests without a valid bearer token.
func (h *Handlers) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		meter := observability.MeterFromContext(ctx)

		raw, ok := bearerToken(r)
		if !ok {
			meter.Count("auth.rejected", 1, sentry.WithAttributes(attribute.String("reason", "missing_token")))
			w.Header().Set("WWW-Authenticate", `Bearer realm="checkout"`)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "a bearer token is required"})
			return
		}
		identity, err := h.tokens.Verify(raw)
		if err != nil {
			meter.Count("auth.rejected", 1, sentry.WithAttributes(attribute.String("reason", "invalid_token")))
			h.loggerFromContext(ctx).Info("rejected bearer token", "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="checkout", error="invalid_token"`)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "the bearer token is invalid or expired"})
			return
		}

		meter.SetAttributes(attribute.String("user.id", identity.UserID))
		if scope := scopeFromContext(ctx); scope != nil {
			scope.userID = identity.UserID
		}
		ctx, _ = logging.With(ctx, h.logger, "user_id", identity.UserID)
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.Scope().SetUser(sentry.User{ID: identity.UserID, Email: identity.Email})
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(ctx, identity)))
	})
}

// RequireAdmin must run after RequireUser.
func (h *Handlers) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := identityFromContext(r.Context())
		if !ok || !identity.IsAdmin() {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Message: "admin role required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
