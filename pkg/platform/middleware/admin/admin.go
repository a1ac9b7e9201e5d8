// Package admin guards the operator API with a shared token.
package admin

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"bulwark/pkg/requestcontext"
)

// DefaultActor is recorded as blockedBy/activatedBy when the caller does not
// send X-Admin-Actor-ID.
const DefaultActor = "admin"

type ctxKeyActor struct{}

// ActorID returns the operator identifier attached by RequireAdminToken.
func ActorID(ctx context.Context) string {
	if actor, ok := ctx.Value(ctxKeyActor{}).(string); ok {
		return actor
	}
	return ""
}

// RequireAdminToken rejects requests whose X-Admin-Token does not match.
// An empty expected token locks the admin API entirely.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := r.Header.Get("X-Admin-Token")
			if expectedToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				logger.WarnContext(ctx, "admin token mismatch",
					"path", r.URL.Path,
					"request_id", requestcontext.RequestID(ctx),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"admin token required"}`))
				return
			}

			actor := r.Header.Get("X-Admin-Actor-ID")
			if actor == "" || len(actor) > 128 {
				actor = DefaultActor
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, ctxKeyActor{}, actor)))
		})
	}
}
