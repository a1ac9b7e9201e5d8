// Package auth resolves the caller identity from an optional bearer token.
// The abuse chain only needs a user ID and role for per-user budgets, so a
// missing or bad token downgrades the caller to anonymous instead of
// rejecting the request.
package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	dErrors "bulwark/pkg/domain-errors"
	"bulwark/pkg/requestcontext"
)

// Claims carried by marketplace access tokens.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type TokenValidator interface {
	ValidateToken(token string) (*requestcontext.Identity, error)
}

// HS256Validator validates HMAC-signed access tokens issued by the marketplace API.
type HS256Validator struct {
	key    []byte
	issuer string
}

func NewHS256Validator(signingKey, issuer string) *HS256Validator {
	return &HS256Validator{key: []byte(signingKey), issuer: issuer}
}

func (v *HS256Validator) ValidateToken(token string) (*requestcontext.Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "token expired")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "invalid token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token has no subject")
	}
	return &requestcontext.Identity{UserID: claims.Subject, Role: strings.ToUpper(claims.Role)}, nil
}

// Sign issues a token the validator accepts. Used by operator tooling and tests.
func (v *HS256Validator) Sign(userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}

// Identity stores the caller identity in the context when a valid bearer
// token is present. A nil validator disables identity resolution.
func Identity(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if validator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			identity, err := validator.ValidateToken(token)
			if err != nil {
				logger.DebugContext(ctx, "ignoring bearer token",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(requestcontext.WithIdentity(ctx, *identity)))
		})
	}
}
