// Package kv is the storage adapter every abuse component is written
// against. The in-process Memory store and the Redis store implement the same
// contract, and Failover puts Memory behind Redis so that a cache outage
// degrades to equally strict local counting.
package kv

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	dErrors "bulwark/pkg/domain-errors"
)

//go:generate mockgen -source=store.go -destination=mocks/store_mock.go -package=mocks

// Store is a key/value store with TTLs and sliding-window counters.
type Store interface {
	// Get returns a CodeNotFound error when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Hit prunes events older than now-window, then records now unless
	// limit > 0 and the window already holds limit events.
	Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (*Window, error)
	// Count prunes and counts without recording.
	Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)
	// Keys lists keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Window is the state of a sliding window after Hit.
type Window struct {
	Count   int
	Allowed bool
	// Oldest is the oldest event still inside the window; zero when empty.
	Oldest time.Time
}

var errNotFound = dErrors.New(dErrors.CodeNotFound, "key not found")

// ErrNotFound is returned by Get on a miss. Match it with dErrors.IsNotFound.
func ErrNotFound() error { return errNotFound }

// New picks the store for the process: a plain Memory store when no Redis
// client is available, otherwise Redis behind a local Failover. The Redis
// client is pinged once at construction, never per call.
func New(client redis.UniversalClient, logger *slog.Logger, opts ...FailoverOption) Store {
	if client == nil {
		if logger != nil {
			logger.Info("shared cache not configured, using process-local state")
		}
		return NewMemory()
	}
	return NewFailover(NewRedis(client), NewMemory(), append([]FailoverOption{WithFailoverLogger(logger)}, opts...)...)
}
