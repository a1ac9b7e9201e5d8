// Package requestcontext holds the request-scoped values shared by the
// middleware chain and the abuse services: request ID, client metadata,
// caller identity and the request's "now".
package requestcontext

import (
	"context"
	"time"
)

type (
	ctxKeyRequestID struct{}
	ctxKeyClientIP  struct{}
	ctxKeyUserAgent struct{}
	ctxKeyIdentity  struct{}
	ctxKeyTime      struct{}
)

// Identity is the caller resolved from a bearer token.
type Identity struct {
	UserID string
	Role   string
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID{}).(string)
	return id
}

// WithClientMetadata stores the resolved client IP and User-Agent.
func WithClientMetadata(ctx context.Context, ip, userAgent string) context.Context {
	ctx = context.WithValue(ctx, ctxKeyClientIP{}, ip)
	return context.WithValue(ctx, ctxKeyUserAgent{}, userAgent)
}

func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(ctxKeyClientIP{}).(string)
	return ip
}

func UserAgent(ctx context.Context) string {
	ua, _ := ctx.Value(ctxKeyUserAgent{}).(string)
	return ua
}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

// GetIdentity returns the caller identity; ok is false for anonymous callers.
func GetIdentity(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return identity, ok && identity.UserID != ""
}

// Now returns the request-scoped time, or time.Now() outside a request.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ctxKeyTime{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime pins "now" for everything downstream of ctx.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ctxKeyTime{}, t)
}
