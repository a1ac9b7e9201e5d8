package kv

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	dErrors "bulwark/pkg/domain-errors"
	"bulwark/pkg/testutil"
)

// Justification for unit tests: Memory is both the single-instance store and
// the fallback for every shared-cache outage, so its window arithmetic must
// match the Redis script exactly.
type MemorySuite struct {
	suite.Suite
	store *Memory
}

func TestMemorySuite(t *testing.T) {
	suite.Run(t, new(MemorySuite))
}

func (s *MemorySuite) SetupTest() {
	s.store = NewMemory()
}

func (s *MemorySuite) TestValues() {
	ctx := testutil.At(context.Background(), 0)

	s.Run("missing key is not found", func() {
		_, err := s.store.Get(ctx, "nope")
		s.True(dErrors.IsNotFound(err))
	})

	s.Run("set then get returns a copy", func() {
		s.Require().NoError(s.store.Set(ctx, "k", []byte("v1"), 0))
		got, err := s.store.Get(ctx, "k")
		s.Require().NoError(err)
		got[0] = 'x'
		again, _ := s.store.Get(ctx, "k")
		s.Equal("v1", string(again))
	})

	s.Run("value expires at ttl", func() {
		s.Require().NoError(s.store.Set(ctx, "ttl", []byte("v"), time.Minute))

		_, err := s.store.Get(testutil.At(context.Background(), 59*time.Second), "ttl")
		s.NoError(err)
		_, err = s.store.Get(testutil.At(context.Background(), time.Minute), "ttl")
		s.True(dErrors.IsNotFound(err))
	})

	s.Run("delete removes values and windows", func() {
		s.Require().NoError(s.store.Set(ctx, "a", []byte("1"), 0))
		_, _ = s.store.Hit(ctx, "b", 0, time.Minute, testutil.Epoch)
		s.Require().NoError(s.store.Delete(ctx, "a", "b"))

		_, err := s.store.Get(ctx, "a")
		s.True(dErrors.IsNotFound(err))
		n, _ := s.store.Count(ctx, "b", time.Minute, testutil.Epoch)
		s.Zero(n)
	})
}

func (s *MemorySuite) TestHit() {
	ctx := context.Background()
	window := time.Minute

	s.Run("allows up to limit then denies without recording", func() {
		for i := 0; i < 3; i++ {
			w, err := s.store.Hit(ctx, "rl", 3, window, testutil.Epoch.Add(time.Duration(i)*time.Second))
			s.Require().NoError(err)
			s.True(w.Allowed)
			s.Equal(i+1, w.Count)
		}
		w, err := s.store.Hit(ctx, "rl", 3, window, testutil.Epoch.Add(3*time.Second))
		s.Require().NoError(err)
		s.False(w.Allowed)
		s.Equal(3, w.Count)
		s.Equal(testutil.Epoch, w.Oldest)
	})

	s.Run("events at exactly now-window are pruned", func() {
		w, err := s.store.Hit(ctx, "rl", 3, window, testutil.Epoch.Add(window))
		s.Require().NoError(err)
		s.True(w.Allowed)
		s.Equal(3, w.Count)
		s.Equal(testutil.Epoch.Add(time.Second), w.Oldest)
	})

	s.Run("zero limit always records", func() {
		for i := 0; i < 10; i++ {
			w, _ := s.store.Hit(ctx, "viol", 0, window, testutil.Epoch)
			s.True(w.Allowed)
		}
		n, _ := s.store.Count(ctx, "viol", window, testutil.Epoch)
		s.Equal(10, n)
	})

	s.Run("out of order timestamps stay sorted", func() {
		_, _ = s.store.Hit(ctx, "ooo", 0, window, testutil.Epoch.Add(10*time.Second))
		w, _ := s.store.Hit(ctx, "ooo", 0, window, testutil.Epoch.Add(5*time.Second))
		s.Equal(testutil.Epoch.Add(5*time.Second), w.Oldest)
	})
}

func (s *MemorySuite) TestKeysAndSweep() {
	ctx := testutil.At(context.Background(), 0)
	s.Require().NoError(s.store.Set(ctx, "block:a", []byte("1"), time.Minute))
	s.Require().NoError(s.store.Set(ctx, "block:b", []byte("1"), 0))
	s.Require().NoError(s.store.Set(ctx, "allow:c", []byte("1"), 0))
	_, _ = s.store.Hit(ctx, "viol:d", 0, time.Minute, testutil.Epoch)

	keys, err := s.store.Keys(ctx, "block:")
	s.Require().NoError(err)
	s.Equal([]string{"block:a", "block:b"}, keys)

	removed := s.store.Sweep(testutil.Epoch.Add(2 * time.Minute))
	s.Equal(2, removed)
	s.Equal(2, s.store.Len())

	s.store.Reset()
	s.Zero(s.store.Len())
}

func (s *MemorySuite) TestConcurrentHitsNeverExceedLimit() {
	const limit = 25
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := s.store.Hit(context.Background(), "hot", limit, time.Minute, testutil.Epoch.Add(time.Duration(i)*time.Millisecond))
			if err == nil && w.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	s.Equal(limit, allowed)
}

func BenchmarkMemoryHit(b *testing.B) {
	store := NewMemory()
	ctx := context.Background()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = store.Hit(ctx, fmt.Sprintf("k%d", i%64), 100, time.Minute, time.Now())
			i++
		}
	})
}
