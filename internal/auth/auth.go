// Package auth verifies bearer JWTs and carries the caller through the request context.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"lead-run-orchestrator/internal/models"
)

// Caller is the authenticated principal of a request.
type Caller struct {
	UserID string
	OrgID  string
}

// Claims are the JWT claims the control plane accepts. The subject is the user id.
type Claims struct {
	OrgID string `json:"org_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier signs and validates HS256 tokens.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Issue mints a token for userID. It is used by the operator CLI and tests.
func (v *Verifier) Issue(userID, orgID string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := &Claims{
		OrgID: orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a raw token and returns its caller.
func (v *Verifier) Verify(raw string) (Caller, error) {
	if len(v.secret) == 0 {
		return Caller{}, fmt.Errorf("jwt secret not configured: %w", models.ErrUnauthorized)
	}
	if raw == "" {
		return Caller{}, fmt.Errorf("missing token: %w", models.ErrUnauthorized)
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Caller{}, fmt.Errorf("token expired: %w", models.ErrUnauthorized)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Caller{}, fmt.Errorf("invalid token signature: %w", models.ErrUnauthorized)
		default:
			return Caller{}, fmt.Errorf("parse token: %v: %w", err, models.ErrUnauthorized)
		}
	}
	if !token.Valid || claims.Subject == "" {
		return Caller{}, fmt.Errorf("token has no subject: %w", models.ErrUnauthorized)
	}
	return Caller{UserID: claims.Subject, OrgID: claims.OrgID}, nil
}

type contextKey struct{}

// WithCaller stores c in ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the caller stored by Middleware.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(contextKey{}).(Caller)
	return c, ok
}

// Middleware rejects requests without a valid "Authorization: Bearer" token.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := strings.Fields(r.Header.Get("Authorization"))
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				unauthorized(w)
				return
			}
			caller, err := v.Verify(parts[1])
			if err != nil {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}
