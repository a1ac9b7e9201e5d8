package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	psync "bulwark/pkg/platform/sync"
	"bulwark/pkg/requestcontext"
)

const memoryShards = 32

// Memory is the process-local Store. Keys are spread across shards so that
// unrelated keys never contend on the same mutex.
//
// Value TTLs are evaluated against requestcontext.Now(ctx), which lets tests
// and the middleware chain share one notion of "now".
type Memory struct {
	shards [memoryShards]*memoryShard
}

type memoryShard struct {
	mu      sync.Mutex
	values  map[string]memoryValue
	windows map[string]*slidingWindow
}

type memoryValue struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

func (v memoryValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && !now.Before(v.expiresAt)
}

// slidingWindow keeps event timestamps in ascending order.
type slidingWindow struct {
	stamps []time.Time
	span   time.Duration // longest window seen, used by Sweep
}

func NewMemory() *Memory {
	m := &Memory{}
	for i := range m.shards {
		m.shards[i] = &memoryShard{
			values:  make(map[string]memoryValue),
			windows: make(map[string]*slidingWindow),
		}
	}
	return m
}

func (m *Memory) shard(key string) *memoryShard {
	return m.shards[psync.ShardIndex(key, memoryShards)]
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	now := requestcontext.Now(ctx)
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	v, ok := sh.values[key]
	if !ok {
		return nil, errNotFound
	}
	if v.expired(now) {
		delete(sh.values, key)
		return nil, errNotFound
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryValue{data: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = requestcontext.Now(ctx).Add(ttl)
	}
	sh := m.shard(key)
	sh.mu.Lock()
	sh.values[key] = entry
	sh.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		sh := m.shard(key)
		sh.mu.Lock()
		delete(sh.values, key)
		delete(sh.windows, key)
		sh.mu.Unlock()
	}
	return nil
}

func (m *Memory) Hit(_ context.Context, key string, limit int, window time.Duration, now time.Time) (*Window, error) {
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok {
		w = &slidingWindow{}
		sh.windows[key] = w
	}
	if window > w.span {
		w.span = window
	}
	w.prune(now.Add(-window))

	allowed := limit <= 0 || len(w.stamps) < limit
	if allowed {
		w.insert(now)
	}
	res := &Window{Count: len(w.stamps), Allowed: allowed}
	if len(w.stamps) > 0 {
		res.Oldest = w.stamps[0]
	}
	return res, nil
}

func (m *Memory) Count(_ context.Context, key string, window time.Duration, now time.Time) (int, error) {
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok {
		return 0, nil
	}
	return w.countAfter(now.Add(-window)), nil
}

func (m *Memory) Keys(ctx context.Context, prefix string) ([]string, error) {
	now := requestcontext.Now(ctx)
	var keys []string
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, v := range sh.values {
			if strings.HasPrefix(k, prefix) && !v.expired(now) {
				keys = append(keys, k)
			}
		}
		for k, w := range sh.windows {
			if _, dup := sh.values[k]; dup {
				continue
			}
			if strings.HasPrefix(k, prefix) && len(w.stamps) > 0 {
				keys = append(keys, k)
			}
		}
		sh.mu.Unlock()
	}
	sort.Strings(keys)
	return keys, nil
}

// Sweep drops expired values and windows with no event newer than their
// longest span. It returns the number of keys removed.
func (m *Memory) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, v := range sh.values {
			if v.expired(now) {
				delete(sh.values, k)
				removed++
			}
		}
		for k, w := range sh.windows {
			w.prune(now.Add(-w.span))
			if len(w.stamps) == 0 {
				delete(sh.windows, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Reset clears all state. Used by tests and the admin reset path.
func (m *Memory) Reset() {
	for _, sh := range m.shards {
		sh.mu.Lock()
		sh.values = make(map[string]memoryValue)
		sh.windows = make(map[string]*slidingWindow)
		sh.mu.Unlock()
	}
}

// Len is the number of tracked keys.
func (m *Memory) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		n += len(sh.values) + len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

// prune removes timestamps at or before cutoff.
func (w *slidingWindow) prune(cutoff time.Time) {
	i := sort.Search(len(w.stamps), func(i int) bool { return w.stamps[i].After(cutoff) })
	if i == 0 {
		return
	}
	w.stamps = append(w.stamps[:0], w.stamps[i:]...)
}

func (w *slidingWindow) countAfter(cutoff time.Time) int {
	i := sort.Search(len(w.stamps), func(i int) bool { return w.stamps[i].After(cutoff) })
	return len(w.stamps) - i
}

// insert keeps stamps sorted; callers that captured "now" earlier may
// arrive later.
func (w *slidingWindow) insert(t time.Time) {
	i := sort.Search(len(w.stamps), func(i int) bool { return w.stamps[i].After(t) })
	w.stamps = append(w.stamps, time.Time{})
	copy(w.stamps[i+1:], w.stamps[i:])
	w.stamps[i] = t
}
