// Package auth resolves the caller's user key from an HS256 bearer token.
// Token issuance lives with the identity service; this package only verifies.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/example/watch-progress/internal/platform/api"
)

var ErrMissingToken = errors.New("missing bearer token")

type ctxKeyUserID struct{}

func UserIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyUserID{}).(string)
	return v, ok
}

// WithUserID injects user_id into context. Useful for testing.
func WithUserID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID{}, uid)
}

type JWTVerifier struct {
	Secret []byte
	// Issuer, when set, must match the iss claim.
	Issuer string
}

func (v JWTVerifier) Parse(tokenString string) (*jwt.RegisteredClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return v.Secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// UserFromRequest returns the verified subject of the request's bearer token.
func (v JWTVerifier) UserFromRequest(r *http.Request) (string, error) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(authz, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	claims, err := v.Parse(strings.TrimSpace(token))
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// RequireUser middleware validates Bearer token and injects user_id into context.
func RequireUser(verifier JWTVerifier, requestID func(context.Context) string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid, err := verifier.UserFromRequest(r)
			if err != nil {
				rid := ""
				if requestID != nil {
					rid = requestID(r.Context())
				}
				code := api.CodeAuthInvalid
				if errors.Is(err, ErrMissingToken) {
					code = api.CodeAuthMissing
				}
				api.Unauthorized(w, code, "Unauthorized", rid)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), uid)))
		})
	}
}
