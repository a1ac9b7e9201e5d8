package kv

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	dErrors "bulwark/pkg/domain-errors"
)

// DefaultNamespace prefixes every key this process writes to Redis.
const DefaultNamespace = "bulwark:"

const scanBatch = 200

//go:embed sliding_window.lua
var slidingWindowLua string

// Redis is the shared Store. Sliding windows are sorted sets scored by
// microsecond timestamps; Hit runs as one Lua script so prune, count and
// record are atomic across instances.
type Redis struct {
	client    redis.UniversalClient
	namespace string
	script    *redis.Script
}

type RedisOption func(*Redis)

func WithNamespace(ns string) RedisOption {
	return func(r *Redis) { r.namespace = ns }
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:    client,
		namespace: DefaultNamespace,
		script:    redis.NewScript(slidingWindowLua),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(k string) string { return r.namespace + k }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errNotFound
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "redis get")
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "redis set")
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "redis delete")
	}
	return nil
}

func (r *Redis) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (*Window, error) {
	ttlMs := window.Milliseconds()
	if ttlMs < 1 {
		ttlMs = 1
	}
	raw, err := r.script.Run(ctx, r.client,
		[]string{r.key(key)},
		now.UnixMicro(),
		window.Microseconds(),
		limit,
		uuid.NewString(),
		ttlMs,
	).Slice()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "redis sliding window")
	}
	if len(raw) != 3 {
		return nil, dErrors.New(dErrors.CodeInternal, fmt.Sprintf("sliding window script returned %d values", len(raw)))
	}
	count, _ := raw[0].(int64)
	allowed, _ := raw[1].(int64)
	oldest, _ := raw[2].(int64)

	res := &Window{Count: int(count), Allowed: allowed == 1}
	if oldest >= 0 && count > 0 {
		res.Oldest = time.UnixMicro(oldest).UTC()
	}
	return res, nil
}

func (r *Redis) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	full := r.key(key)
	cutoff := strconv.FormatInt(now.Add(-window).UnixMicro(), 10)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, full, "-inf", cutoff)
	card := pipe.ZCard(ctx, full)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "redis count")
	}
	return int(card.Val()), nil
}

// Keys scans namespace+prefix and returns keys without the namespace.
func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := r.namespace + escapeGlob(prefix) + "*"
	var (
		keys   []string
		cursor uint64
		seen   = make(map[string]struct{})
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "redis scan")
		}
		for _, k := range batch {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, strings.TrimPrefix(k, r.namespace))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Ping is used by the readiness check.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
