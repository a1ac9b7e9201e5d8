// Package sync provides keyed locking for read-modify-write sequences that
// span more than one store call.
package sync

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

// ShardedMutex serializes callers per key while spreading unrelated keys
// across shardCount locks.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

func NewShardedMutex() *ShardedMutex {
	return &ShardedMutex{}
}

func (m *ShardedMutex) Lock(key string) {
	m.shards[ShardIndex(key, shardCount)].Lock()
}

func (m *ShardedMutex) Unlock(key string) {
	m.shards[ShardIndex(key, shardCount)].Unlock()
}

// WithLock runs fn while holding the key's shard.
func (m *ShardedMutex) WithLock(key string, fn func()) {
	m.Lock(key)
	defer m.Unlock(key)
	fn()
}

// ShardIndex maps key onto [0, n). The empty key maps to 0.
func ShardIndex(key string, n int) int {
	if key == "" || n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
