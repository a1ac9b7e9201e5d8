package kv

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	dErrors "bulwark/pkg/domain-errors"
)

// DefaultOpTimeout bounds every call to the primary store.
const DefaultOpTimeout = 50 * time.Millisecond

// Failover sends every operation to the primary store and falls back to the
// local store when the primary errors, times out, or its breaker is open.
// Fallback decisions are made per call; the primary stays the source of truth
// whenever it answers.
type Failover struct {
	primary    Store
	local      Store
	breaker    *gobreaker.CircuitBreaker
	timeout    time.Duration
	logger     *slog.Logger
	onFallback func(op string)
}

type FailoverOption func(*Failover)

func WithOpTimeout(d time.Duration) FailoverOption {
	return func(f *Failover) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func WithFailoverLogger(logger *slog.Logger) FailoverOption {
	return func(f *Failover) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithFallbackHook is called with the operation name each time the local
// store answers in place of the primary.
func WithFallbackHook(fn func(op string)) FailoverOption {
	return func(f *Failover) { f.onFallback = fn }
}

// WithBreakerSettings overrides the breaker configuration. Name and
// IsSuccessful are always set by Failover.
func WithBreakerSettings(st gobreaker.Settings) FailoverOption {
	return func(f *Failover) { f.breaker = newBreaker(st, f) }
}

func NewFailover(primary, local Store, opts ...FailoverOption) *Failover {
	f := &Failover{
		primary: primary,
		local:   local,
		timeout: DefaultOpTimeout,
		logger:  slog.Default(),
	}
	f.breaker = newBreaker(gobreaker.Settings{
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
	}, f)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func newBreaker(st gobreaker.Settings, f *Failover) *gobreaker.CircuitBreaker {
	st.Name = "shared-cache"
	// A miss is an answer, not an outage.
	st.IsSuccessful = func(err error) bool { return err == nil || dErrors.IsNotFound(err) }
	onChange := st.OnStateChange
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		f.logger.Warn("shared cache breaker state changed",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
		if onChange != nil {
			onChange(name, from, to)
		}
	}
	return gobreaker.NewCircuitBreaker(st)
}

// Local exposes the fallback store so sweepers can reach it.
func (f *Failover) Local() Store { return f.local }

// State reports the breaker state for health output.
func (f *Failover) State() gobreaker.State { return f.breaker.State() }

func (f *Failover) exec(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	return f.breaker.Execute(func() (any, error) {
		opCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		return fn(opCtx)
	})
}

func (f *Failover) fallback(op, key string, err error) {
	f.logger.Warn("shared cache unavailable, using local state",
		"op", op,
		"key", key,
		"error", err,
	)
	if f.onFallback != nil {
		f.onFallback(op)
	}
}

// Get falls through to the local store on a primary miss, so an entry
// written during an outage keeps applying until it expires or is deleted.
func (f *Failover) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := f.exec(ctx, func(ctx context.Context) (any, error) {
		return f.primary.Get(ctx, key)
	})
	if err == nil {
		b, _ := v.([]byte)
		return b, nil
	}
	if !dErrors.IsNotFound(err) {
		f.fallback("get", key, err)
	}
	return f.local.Get(ctx, key)
}

func (f *Failover) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := f.exec(ctx, func(ctx context.Context) (any, error) {
		return nil, f.primary.Set(ctx, key, value, ttl)
	})
	if err == nil {
		return nil
	}
	f.fallback("set", key, err)
	return f.local.Set(ctx, key, value, ttl)
}

// Delete always clears the local copy as well so a write made during an
// outage cannot outlive an explicit delete.
func (f *Failover) Delete(ctx context.Context, keys ...string) error {
	_ = f.local.Delete(ctx, keys...)
	_, err := f.exec(ctx, func(ctx context.Context) (any, error) {
		return nil, f.primary.Delete(ctx, keys...)
	})
	if err != nil {
		key := ""
		if len(keys) > 0 {
			key = keys[0]
		}
		f.fallback("delete", key, err)
	}
	return nil
}

func (f *Failover) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (*Window, error) {
	v, err := f.exec(ctx, func(ctx context.Context) (any, error) {
		return f.primary.Hit(ctx, key, limit, window, now)
	})
	if err == nil {
		if w, ok := v.(*Window); ok && w != nil {
			return w, nil
		}
	}
	f.fallback("hit", key, err)
	return f.local.Hit(ctx, key, limit, window, now)
}

func (f *Failover) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	v, err := f.exec(ctx, func(ctx context.Context) (any, error) {
		return f.primary.Count(ctx, key, window, now)
	})
	if err == nil {
		n, _ := v.(int)
		return n, nil
	}
	f.fallback("count", key, err)
	return f.local.Count(ctx, key, window, now)
}

func (f *Failover) Keys(ctx context.Context, prefix string) ([]string, error) {
	v, err := f.exec(ctx, func(ctx context.Context) (any, error) {
		return f.primary.Keys(ctx, prefix)
	})
	if err != nil {
		f.fallback("keys", prefix, err)
		return f.local.Keys(ctx, prefix)
	}
	keys, _ := v.([]string)
	local, lerr := f.local.Keys(ctx, prefix)
	if lerr != nil || len(local) == 0 {
		return keys, nil
	}
	return mergeKeys(keys, local), nil
}

func mergeKeys(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, k := range list {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}
