package blocker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"bulwark/internal/abuse/models"
	"bulwark/internal/abuse/observability"
	"bulwark/internal/abuse/runtimeconfig"
	"bulwark/internal/abuse/store/kv"
	dErrors "bulwark/pkg/domain-errors"
	"bulwark/pkg/testutil"
)

type stubEmergency struct {
	active   atomic.Bool
	observed atomic.Int32
}

func (e *stubEmergency) IsActive(context.Context) bool   { return e.active.Load() }
func (e *stubEmergency) ObserveViolation(context.Context) { e.observed.Add(1) }

type captureSink struct {
	mu     sync.Mutex
	events []observability.Event
}

func (c *captureSink) Publish(_ context.Context, ev observability.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) count(typ observability.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// Justification for unit tests: thresholds, block replacement, lazy expiry
// and the allowlist bypass decide who gets locked out; each edge is pinned
// against the in-memory store with a fixed clock.
type BlockerSuite struct {
	suite.Suite
	store     *kv.Memory
	config    *runtimeconfig.Store
	emergency *stubEmergency
	sink      *captureSink
	service   *Service
}

func TestBlockerSuite(t *testing.T) {
	suite.Run(t, new(BlockerSuite))
}

func (s *BlockerSuite) SetupTest() {
	s.store = kv.NewMemory()
	cfg, err := runtimeconfig.New(runtimeconfig.WithLogger(testutil.DiscardLogger()))
	s.Require().NoError(err)
	s.config = cfg
	s.emergency = &stubEmergency{}
	s.sink = &captureSink{}
	s.service, err = New(s.store,
		WithLogger(testutil.DiscardLogger()),
		WithPolicy(cfg),
		WithEmergency(s.emergency),
		WithSink(s.sink),
	)
	s.Require().NoError(err)
}

func at(d time.Duration) context.Context {
	return testutil.At(context.Background(), d)
}

func (s *BlockerSuite) violate(n int, ip string, offset time.Duration) *models.ViolationOutcome {
	var out *models.ViolationOutcome
	for i := 0; i < n; i++ {
		var err error
		out, err = s.service.RecordViolation(at(offset), ip, "rate_limit:api")
		s.Require().NoError(err)
	}
	return out
}

func (s *BlockerSuite) TestNew() {
	_, err := New(nil)
	s.ErrorContains(err, "store is required")
}

func (s *BlockerSuite) TestThreshold() {
	s.Run("normal mode blocks at fifty", func() {
		out := s.violate(49, testutil.IPAttacker, 0)
		s.False(out.Blocked)
		s.Equal(49, out.Count)
		s.Equal(50, out.Threshold)

		out = s.violate(1, testutil.IPAttacker, time.Second)
		s.True(out.Blocked)
		s.Require().NotNil(out.Block)
		s.Equal(ActorSystem, out.Block.BlockedBy)
		s.Equal(50, out.Block.ViolationCount)
		s.False(out.Block.IsEmergencyBlock)
		s.Equal(testutil.Epoch.Add(time.Second+time.Hour), out.Block.ExpiresAt)
		s.EqualValues(50, s.emergency.observed.Load())
	})

	s.Run("further violations keep the existing block", func() {
		out := s.violate(5, testutil.IPAttacker, 2*time.Second)
		s.True(out.Blocked)
		s.Equal(1, s.sink.count(observability.EventIPBlocked))
	})

	s.Run("emergency mode blocks at twenty for two hours", func() {
		s.emergency.active.Store(true)
		defer s.emergency.active.Store(false)

		out := s.violate(20, testutil.IPBystander, 0)
		s.True(out.Blocked)
		s.Equal(20, out.Threshold)
		s.True(out.Block.IsEmergencyBlock)
		s.Equal(testutil.Epoch.Add(2*time.Hour), out.Block.ExpiresAt)
	})
}

func (s *BlockerSuite) TestViolationWindowSlides() {
	s.violate(49, testutil.IPAttacker, 0)
	s.Equal(49, s.service.ViolationCount(at(time.Minute), testutil.IPAttacker))

	out := s.violate(1, testutil.IPAttacker, 5*time.Minute)
	s.False(out.Blocked)
	s.Equal(1, out.Count)
}

func (s *BlockerSuite) TestIPBlockingFlagOffOnlyCounts() {
	s.Require().True(s.config.Update(at(0), []byte(`{"featureFlags":{"ipBlocking":false}}`)).Success)
	out := s.violate(60, testutil.IPAttacker, 0)
	s.False(out.Blocked)
	s.Equal(60, out.Count)
	_, blocked := s.service.IsBlocked(at(0), testutil.IPAttacker)
	s.False(blocked)
}

func (s *BlockerSuite) TestInvalidIPIsIgnored() {
	out, err := s.service.RecordViolation(at(0), "unknown", "rate_limit:api")
	s.Require().NoError(err)
	s.Zero(out.Count)
	s.Zero(s.emergency.observed.Load())
}

func (s *BlockerSuite) TestBlockIP() {
	s.Run("invalid ip is rejected", func() {
		_, err := s.service.BlockIP(at(0), BlockRequest{IP: "not-an-ip", Reason: "x"})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("manual block with default duration", func() {
		rec, err := s.service.BlockIP(at(0), BlockRequest{IP: testutil.IPAttacker, Reason: "abuse report", BlockedBy: "ops"})
		s.Require().NoError(err)
		s.Equal(testutil.Epoch.Add(time.Hour), rec.ExpiresAt)
		s.Equal("ops", rec.BlockedBy)
	})

	s.Run("a new block replaces the old one", func() {
		_, err := s.service.BlockIP(at(time.Minute), BlockRequest{IP: testutil.IPAttacker, Reason: "shorter", BlockedBy: "ops", Duration: 10 * time.Minute})
		s.Require().NoError(err)
		rec, blocked := s.service.IsBlocked(at(time.Minute), testutil.IPAttacker)
		s.True(blocked)
		s.Equal("shorter", rec.Reason)
		s.Equal(testutil.Epoch.Add(11*time.Minute), rec.ExpiresAt)
		s.Equal(540, rec.RetryAfter(testutil.Epoch.Add(2*time.Minute)))
	})

	s.Run("expired blocks are removed on read", func() {
		_, blocked := s.service.IsBlocked(at(11*time.Minute), testutil.IPAttacker)
		s.False(blocked)
		_, err := s.store.Get(at(0), models.BlockKey(testutil.IPAttacker))
		s.True(dErrors.IsNotFound(err))
	})

	s.Run("mapped ipv4 and ipv6 share canonical records", func() {
		_, err := s.service.BlockIP(at(0), BlockRequest{IP: "::ffff:" + testutil.IPProxy, Reason: "mapped"})
		s.Require().NoError(err)
		_, blocked := s.service.IsBlocked(at(0), testutil.IPProxy)
		s.True(blocked)

		_, err = s.service.BlockIP(at(0), BlockRequest{IP: "2001:DB8:0::10", Reason: "v6"})
		s.Require().NoError(err)
		_, blocked = s.service.IsBlocked(at(0), testutil.IPv6Client)
		s.True(blocked)
	})
}

func (s *BlockerSuite) TestUnblockIP() {
	s.violate(50, testutil.IPAttacker, 0)

	existed, err := s.service.UnblockIP(at(time.Second), testutil.IPAttacker, "ops")
	s.Require().NoError(err)
	s.True(existed)
	_, blocked := s.service.IsBlocked(at(time.Second), testutil.IPAttacker)
	s.False(blocked)
	s.Zero(s.service.ViolationCount(at(time.Second), testutil.IPAttacker))
	s.Equal(1, s.sink.count(observability.EventIPUnblocked))

	existed, err = s.service.UnblockIP(at(time.Second), testutil.IPAttacker, "ops")
	s.Require().NoError(err)
	s.False(existed)
}

func (s *BlockerSuite) TestListingAndCounts() {
	_, _ = s.service.BlockIP(at(0), BlockRequest{IP: testutil.IPAttacker, Reason: "a", Duration: time.Hour})
	_, _ = s.service.BlockIP(at(time.Minute), BlockRequest{IP: testutil.IPBystander, Reason: "b", Duration: time.Hour, IsEmergencyBlock: true})
	_, _ = s.service.BlockIP(at(2*time.Minute), BlockRequest{IP: testutil.IPProxy, Reason: "c", Duration: time.Minute})

	records, err := s.service.GetBlockedIPs(at(2 * time.Minute))
	s.Require().NoError(err)
	s.Require().Len(records, 3)
	s.Equal(testutil.IPProxy, records[0].IP)
	s.Equal(testutil.IPAttacker, records[2].IP)

	blocked, urgent := s.service.Counts(at(3 * time.Minute))
	s.Equal(2, blocked)
	s.Equal(1, urgent)
}

func (s *BlockerSuite) TestAllowlist() {
	expires := testutil.Epoch.Add(time.Hour)
	entry, err := s.service.Allow(at(0), AllowRequest{IP: testutil.IPProxy, Reason: "office", CreatedBy: "ops", ExpiresAt: &expires})
	s.Require().NoError(err)
	s.Equal(testutil.IPProxy, entry.IP)

	s.Run("allowlisted ips are never counted", func() {
		out := s.violate(100, testutil.IPProxy, 0)
		s.Zero(out.Count)
		s.False(out.Blocked)
	})

	s.Run("listing skips expired entries", func() {
		_, _ = s.service.Allow(at(time.Minute), AllowRequest{IP: testutil.IPv6Client, Reason: "monitor", CreatedBy: "ops"})
		entries, err := s.service.ListAllowlisted(at(time.Minute))
		s.Require().NoError(err)
		s.Require().Len(entries, 2)
		s.Equal(testutil.IPv6Client, entries[0].IP)

		entries, _ = s.service.ListAllowlisted(at(time.Hour))
		s.Len(entries, 1)
		s.False(s.service.IsAllowlisted(at(time.Hour), testutil.IPProxy))
	})

	s.Run("past expiry is rejected", func() {
		past := testutil.Epoch.Add(-time.Minute)
		_, err := s.service.Allow(at(0), AllowRequest{IP: testutil.IPAttacker, Reason: "late", ExpiresAt: &past})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("disallow", func() {
		removed, err := s.service.Disallow(at(2*time.Minute), testutil.IPv6Client, "ops")
		s.Require().NoError(err)
		s.True(removed)
		s.False(s.service.IsAllowlisted(at(2*time.Minute), testutil.IPv6Client))

		removed, _ = s.service.Disallow(at(2*time.Minute), testutil.IPv6Client, "ops")
		s.False(removed)
	})
}

func (s *BlockerSuite) TestConcurrentViolationsBlockOnce() {
	res := testutil.RunConcurrent(120, func(int) error {
		_, err := s.service.RecordViolation(at(0), testutil.IPAttacker, "burst")
		return err
	})
	s.EqualValues(120, res.Successes)
	s.Equal(1, s.sink.count(observability.EventIPBlocked))
	s.Equal(120, s.service.ViolationCount(at(0), testutil.IPAttacker))
}
