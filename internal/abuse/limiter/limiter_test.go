package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"bulwark/internal/abuse/models"
	"bulwark/internal/abuse/runtimeconfig"
	"bulwark/internal/abuse/store/kv"
	"bulwark/internal/abuse/store/kv/mocks"
	dErrors "bulwark/pkg/domain-errors"
	"bulwark/pkg/testutil"
)

type stubEmergency struct {
	active bool
	policy models.EmergencyPolicy
}

func (e *stubEmergency) Policy(context.Context) (models.EmergencyPolicy, bool) { return e.policy, e.active }

type recordedViolation struct{ ip, reason string }

type stubRecorder struct {
	mu   sync.Mutex
	seen []recordedViolation
}

func (r *stubRecorder) RecordViolation(_ context.Context, ip, reason string) (*models.ViolationOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, recordedViolation{ip, reason})
	return &models.ViolationOutcome{Count: len(r.seen)}, nil
}

// Justification for unit tests: the window arithmetic, the role and
// emergency scaling and the never-fail fallback are all decided here, before
// any HTTP concern.
type LimiterSuite struct {
	suite.Suite
	store     *kv.Memory
	config    *runtimeconfig.Store
	emergency *stubEmergency
	recorder  *stubRecorder
	service   *Service
}

func TestLimiterSuite(t *testing.T) {
	suite.Run(t, new(LimiterSuite))
}

func (s *LimiterSuite) SetupTest() {
	s.store = kv.NewMemory()
	cfg, err := runtimeconfig.New(runtimeconfig.WithLogger(testutil.DiscardLogger()))
	s.Require().NoError(err)
	s.config = cfg
	s.emergency = &stubEmergency{policy: models.EmergencyPolicy{RateLimitMultiplier: 0.5, WindowMultiplier: 2, RequireCaptcha: true}}
	s.recorder = &stubRecorder{}
	s.service, err = New(s.store,
		WithLogger(testutil.DiscardLogger()),
		WithPolicy(s.config),
		WithEmergency(s.emergency),
		WithViolationRecorder(s.recorder),
	)
	s.Require().NoError(err)
}

func (s *LimiterSuite) TestNew() {
	_, err := New(nil)
	s.ErrorContains(err, "store is required")
}

func (s *LimiterSuite) TestCheck() {
	key := "rl:test:ip:" + testutil.IPAttacker

	s.Run("remaining counts down and deny carries retry after", func() {
		for i := 0; i < 3; i++ {
			res := s.service.Check(testutil.At(context.Background(), time.Duration(i)*time.Second), key, 3, time.Minute)
			s.True(res.Allowed)
			s.Equal(2-i, res.Remaining)
			s.Equal(testutil.Epoch.Add(time.Duration(i)*time.Second+time.Minute), res.ResetAt)
		}
		res := s.service.Check(testutil.At(context.Background(), 10*time.Second), key, 3, time.Minute)
		s.False(res.Allowed)
		s.Zero(res.Remaining)
		s.Equal(60, res.RetryAfter)
	})

	s.Run("denied attempts are not recorded", func() {
		n, _ := s.store.Count(context.Background(), key, time.Minute, testutil.Epoch.Add(10*time.Second))
		s.Equal(3, n)
	})

	s.Run("window slides", func() {
		res := s.service.Check(testutil.At(context.Background(), time.Minute), key, 3, time.Minute)
		s.True(res.Allowed)
		s.Equal(0, res.Remaining)
	})

	s.Run("zero limit always denies", func() {
		zeroKey := "rl:test:ip:" + testutil.IPBystander
		for i := 0; i < 3; i++ {
			res := s.service.Check(testutil.At(context.Background(), 0), zeroKey, 0, time.Minute)
			s.False(res.Allowed)
			s.Zero(res.Remaining)
			s.Equal(60, res.RetryAfter)
		}
		n, _ := s.store.Count(context.Background(), zeroKey, time.Minute, testutil.Epoch)
		s.Zero(n, "denied attempts are not recorded")
	})

	s.Run("reset clears the key", func() {
		s.Require().NoError(s.service.Reset(context.Background(), key))
		res := s.service.Check(testutil.At(context.Background(), time.Minute), key, 3, time.Minute)
		s.Equal(2, res.Remaining)
	})
}

func (s *LimiterSuite) TestFullWindowRestoresBudget() {
	key := "rl:test:user:full-window"
	for i := 0; i < 5; i++ {
		s.True(s.service.Check(testutil.At(context.Background(), 0), key, 5, time.Minute).Allowed)
	}
	s.False(s.service.Check(testutil.At(context.Background(), 30*time.Second), key, 5, time.Minute).Allowed)

	res := s.service.Check(testutil.At(context.Background(), time.Minute), key, 5, time.Minute)
	s.True(res.Allowed)
	s.Equal(4, res.Remaining)
}

func (s *LimiterSuite) TestStoreErrorFallsBackLocally() {
	ctrl := gomock.NewController(s.T())
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Hit(gomock.Any(), "k", 2, time.Minute, gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeUnavailable, "down")).AnyTimes()

	svc, err := New(store, WithLogger(testutil.DiscardLogger()))
	s.Require().NoError(err)

	ctx := testutil.At(context.Background(), 0)
	s.True(svc.Check(ctx, "k", 2, time.Minute).Allowed)
	s.True(svc.Check(ctx, "k", 2, time.Minute).Allowed)
	s.False(svc.Check(ctx, "k", 2, time.Minute).Allowed)
}

func (s *LimiterSuite) TestEffectiveBudget() {
	anon := models.Subject{IP: testutil.IPAttacker}

	cases := []struct {
		name      string
		scope     models.Scope
		subject   models.Subject
		emergency bool
		limit     int
		window    time.Duration
	}{
		{"anonymous auth", models.ScopeAuth, anon, false, 5, 15 * time.Minute},
		{"admin gets five times", models.ScopeAuth, models.Subject{UserID: "u1", Role: models.RoleAdmin}, false, 25, 15 * time.Minute},
		{"manager gets three times", models.ScopeAPI, models.Subject{UserID: "u2", Role: models.RoleManager}, false, 300, time.Minute},
		{"emergency halves and doubles", models.ScopeAPI, anon, true, 50, 2 * time.Minute},
		{"emergency floors at one", models.ScopeAuth, anon, true, 2, 30 * time.Minute},
		{"unknown scope uses api", models.Scope("reports"), anon, false, 100, time.Minute},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.emergency.active = tc.emergency
			limit, window := s.service.EffectiveBudget(context.Background(), tc.scope, tc.subject)
			s.Equal(tc.limit, limit)
			s.Equal(tc.window, window)
		})
	}

	s.Run("tiny budgets never drop below one", func() {
		s.Require().True(s.config.Update(context.Background(), []byte(`{"rateLimits":{"auth":{"maxAttempts":1}}}`)).Success)
		s.emergency.active = true
		limit, _ := s.service.EffectiveBudget(context.Background(), models.ScopeAuth, anon)
		s.Equal(1, limit)
	})
}

func (s *LimiterSuite) TestCheckScope() {
	subject := models.Subject{IP: testutil.IPAttacker}
	ctx := testutil.At(context.Background(), 0)

	s.Run("denial records a violation", func() {
		for i := 0; i < 5; i++ {
			s.True(s.service.CheckScope(ctx, models.ScopeAuth, subject).Allowed)
		}
		res := s.service.CheckScope(ctx, models.ScopeAuth, subject)
		s.False(res.Allowed)
		s.Equal(5, res.Limit)
		s.Require().Len(s.recorder.seen, 1)
		s.Equal(recordedViolation{testutil.IPAttacker, "rate_limit:auth"}, s.recorder.seen[0])
	})

	s.Run("users are keyed separately from their ip", func() {
		user := models.Subject{IP: testutil.IPAttacker, UserID: "u-1"}
		s.True(s.service.CheckScope(ctx, models.ScopeAuth, user).Allowed)
	})

	s.Run("feature flag off bypasses without recording", func() {
		s.Require().True(s.config.Update(ctx, []byte(`{"featureFlags":{"rateLimiting":false}}`)).Success)
		other := models.Subject{IP: testutil.IPBystander}
		for i := 0; i < 10; i++ {
			res := s.service.CheckScope(ctx, models.ScopeAuth, other)
			s.True(res.Allowed)
			s.True(res.Bypassed)
		}
		n, _ := s.store.Count(ctx, models.RateLimitKey(models.ScopeAuth, other), time.Hour, testutil.Epoch)
		s.Zero(n)
	})
}

func (s *LimiterSuite) TestConcurrentChecksRespectLimit() {
	ctx := testutil.At(context.Background(), 0)
	res := testutil.RunConcurrent(50, func(int) error {
		if !s.service.Check(ctx, "rl:burst", 10, time.Minute).Allowed {
			return testutil.ErrDenied
		}
		return nil
	})
	s.EqualValues(10, res.Successes)
	s.EqualValues(40, res.Denied)
}
