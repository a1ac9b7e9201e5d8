package shield

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"bulwark/internal/abuse/blocker"
	"bulwark/internal/abuse/emergency"
	"bulwark/internal/abuse/observability"
	"bulwark/internal/abuse/store/kv"
	"bulwark/pkg/requestcontext"
	"bulwark/pkg/testutil"
)

type captureSink struct {
	mu     sync.Mutex
	events []observability.Event
}

func (c *captureSink) Publish(_ context.Context, ev observability.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) ofType(t observability.EventType) []observability.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []observability.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Justification for unit tests: the wiring is where the feedback loops are
// closed; a missing setter silently disables auto-blocking or emergency mode.
type ShieldSuite struct {
	suite.Suite
	ctx    context.Context
	sink   *captureSink
	shield *Shield
}

func TestShieldSuite(t *testing.T) {
	suite.Run(t, new(ShieldSuite))
}

func (s *ShieldSuite) SetupTest() {
	s.ctx = context.Background()
	s.sink = &captureSink{}
	var err error
	s.shield, err = New(Deps{
		Store:  kv.NewMemory(),
		Sink:   s.sink,
		Logger: testutil.DiscardLogger(),
	})
	s.Require().NoError(err)
}

func (s *ShieldSuite) serve(ip string) *httptest.ResponseRecorder {
	h := s.shield.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/search", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0")
	ctx := requestcontext.WithClientMetadata(req.Context(), ip, req.Header.Get("User-Agent"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req.WithContext(ctx))
	return rr
}

func (s *ShieldSuite) TestNewRequiresStore() {
	_, err := New(Deps{})
	s.ErrorContains(err, "store is required")
}

func (s *ShieldSuite) TestChainUsesSharedBlocker() {
	s.Equal(http.StatusOK, s.serve(testutil.IPAttacker).Code)

	_, err := s.shield.Blocker.BlockIP(s.ctx, blocker.BlockRequest{IP: testutil.IPAttacker, Reason: "manual", BlockedBy: "ops"})
	s.Require().NoError(err)
	s.Equal(http.StatusForbidden, s.serve(testutil.IPAttacker).Code)
	s.Equal(http.StatusOK, s.serve(testutil.IPBystander).Code)
}

func (s *ShieldSuite) TestBlocksFeedEmergencyMetrics() {
	_, err := s.shield.Blocker.BlockIP(s.ctx, blocker.BlockRequest{IP: testutil.IPAttacker, Reason: "manual"})
	s.Require().NoError(err)
	s.Equal(1, s.shield.Emergency.Metrics(s.ctx).BlockedIPsCount)
}

func (s *ShieldSuite) TestConfigChangesAreAudited() {
	res := s.shield.Runtime.Update(s.ctx, []byte(`{"featureFlags":{"captcha":false}}`))
	s.Require().True(res.Success)

	events := s.sink.ofType(observability.EventConfigChanged)
	s.Require().Len(events, 1)
	s.Equal("featureFlags", events[0].Scope)
	s.Equal(res.Version, events[0].Details["version"])
}

func (s *ShieldSuite) TestReset() {
	_, err := s.shield.Blocker.BlockIP(s.ctx, blocker.BlockRequest{IP: testutil.IPAttacker, Reason: "manual"})
	s.Require().NoError(err)
	_, err = s.shield.Emergency.Activate(s.ctx, emergency.ActivateRequest{Reason: "drill", ActivatedBy: "ops"})
	s.Require().NoError(err)
	s.Require().True(s.shield.Runtime.Update(s.ctx, []byte(`{"rateLimits":{"api":{"maxAttempts":1}}}`)).Success)

	s.shield.Reset(s.ctx)

	_, blocked := s.shield.Blocker.IsBlocked(s.ctx, testutil.IPAttacker)
	s.False(blocked)
	s.False(s.shield.Emergency.IsActive(s.ctx))
	api, _ := s.shield.Runtime.Budget("api")
	s.Equal(100, api.MaxAttempts)
}

func (s *ShieldSuite) TestStartAndShutdown() {
	done := make(chan error, 1)
	go func() { done <- s.shield.Start(s.ctx) }()

	s.Eventually(func() bool {
		s.shield.mu.Lock()
		defer s.shield.mu.Unlock()
		return s.shield.cancel != nil
	}, time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	s.NoError(s.shield.Shutdown(shutdownCtx))
	s.NoError(<-done)

	s.Run("second shutdown is a no-op", func() {
		s.NoError(s.shield.Shutdown(shutdownCtx))
	})
}

func (s *ShieldSuite) TestLocalSweeper() {
	mem := kv.NewMemory()
	s.Same(mem, localSweeper(mem))
	s.Same(mem, localSweeper(kv.NewFailover(kv.NewMemory(), mem)))
}
