package sync

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardIndex(t *testing.T) {
	assert.Equal(t, 0, ShardIndex("", 32))
	assert.Equal(t, ShardIndex("block:1.2.3.4", 32), ShardIndex("block:1.2.3.4", 32))
	for i := range 200 {
		idx := ShardIndex("ip-"+strconv.Itoa(i), 32)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 32)
	}
}

func TestShardedMutex_SameKeySerializes(t *testing.T) {
	m := NewShardedMutex()
	counter := 0

	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.WithLock("viol:9.9.9.9", func() {
				counter++
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 200, counter)
}
