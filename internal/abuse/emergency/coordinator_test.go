package emergency

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"bulwark/internal/abuse/config"
	"bulwark/internal/abuse/models"
	"bulwark/internal/abuse/runtimeconfig"
	"bulwark/internal/abuse/store/kv"
	dErrors "bulwark/pkg/domain-errors"
	"bulwark/pkg/testutil"
)

type stubBlocks struct {
	mu      sync.Mutex
	blocked int
}

func (b *stubBlocks) Counts(context.Context) (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked, 0
}

// Justification for unit tests: the coordinator is the single writer of the
// emergency state; refresh, expiry and the automatic triggers are subtle and
// must be exact.
type CoordinatorSuite struct {
	suite.Suite
	flags  *runtimeconfig.Store
	blocks *stubBlocks
	store  *kv.Memory
	coord  *Coordinator
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	flags, err := runtimeconfig.New(runtimeconfig.WithLogger(testutil.DiscardLogger()))
	s.Require().NoError(err)
	s.flags = flags
	s.blocks = &stubBlocks{}
	s.store = kv.NewMemory()
	s.coord = New(
		WithLogger(testutil.DiscardLogger()),
		WithFlags(flags),
		WithStore(s.store),
	)
	s.coord.SetBlockCounter(s.blocks)
}

func at(d time.Duration) context.Context {
	return testutil.At(context.Background(), d)
}

func (s *CoordinatorSuite) TestActivate() {
	s.Run("reason is required", func() {
		_, err := s.coord.Activate(at(0), ActivateRequest{Reason: "  "})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		s.False(s.coord.IsActive(at(0)))
	})

	s.Run("manual activation without duration never expires", func() {
		status, err := s.coord.Activate(at(0), ActivateRequest{Reason: "ddos", ActivatedBy: "ops"})
		s.Require().NoError(err)
		s.True(status.IsActive)
		s.Nil(status.ExpiresAt)
		s.Equal("ops", *status.ActivatedBy)
		s.Equal(testutil.Epoch, *status.ActivatedAt)
		s.True(s.coord.IsActive(at(30 * 24 * time.Hour)))
	})
}

func (s *CoordinatorSuite) TestRefreshNeverShortens() {
	_, err := s.coord.Activate(at(0), ActivateRequest{Reason: "first", Duration: 2 * time.Hour, AutoActivated: true})
	s.Require().NoError(err)

	status, err := s.coord.Activate(at(10*time.Minute), ActivateRequest{Reason: "second", Duration: 30 * time.Minute, AutoActivated: true})
	s.Require().NoError(err)
	s.Equal(testutil.Epoch.Add(2*time.Hour), *status.ExpiresAt)
	s.Equal(testutil.Epoch, *status.ActivatedAt)
	s.Equal("second", *status.Reason)
	s.True(status.AutoActivated)

	status, _ = s.coord.Activate(at(20*time.Minute), ActivateRequest{Reason: "third", Duration: 3 * time.Hour})
	s.Equal(testutil.Epoch.Add(20*time.Minute+3*time.Hour), *status.ExpiresAt)
	s.False(status.AutoActivated, "manual refresh clears the auto marker")

	status, _ = s.coord.Activate(at(30*time.Minute), ActivateRequest{Reason: "open ended"})
	s.Nil(status.ExpiresAt)
}

func (s *CoordinatorSuite) TestExpiryAndDeactivate() {
	_, err := s.coord.Activate(at(0), ActivateRequest{Reason: "auto test", AutoActivated: true})
	s.Require().NoError(err)

	s.True(s.coord.IsActive(at(59 * time.Minute)))
	s.False(s.coord.IsActive(at(time.Hour)))

	status := s.coord.Status(at(time.Hour))
	s.False(status.IsActive)
	s.True(status.AutoActivated)
	s.Nil(status.Reason)
	s.Nil(status.ExpiresAt)

	_, changed := s.coord.Deactivate(at(time.Hour), "ops")
	s.False(changed, "deactivating an expired window is a no-op")

	s.Run("reads do not transition, sweep does", func() {
		var got []bool
		s.coord.Subscribe(func(_ context.Context, st models.EmergencyStatus) { got = append(got, st.IsActive) })

		s.False(s.coord.IsActive(at(time.Hour)))
		s.Empty(got)
		raw, err := s.store.Get(at(time.Hour), models.KeyEmergency)
		s.Require().NoError(err)
		var mirrored models.EmergencyStatus
		s.Require().NoError(json.Unmarshal(raw, &mirrored))
		s.True(mirrored.IsActive, "mirror still holds the window until sweep")

		s.coord.Sweep(at(time.Hour))
		s.Equal([]bool{false}, got)
		s.coord.Sweep(at(time.Hour + time.Minute))
		s.Equal([]bool{false}, got, "sweeping normal mode does not notify")
	})

	_, _ = s.coord.Activate(at(2*time.Hour), ActivateRequest{Reason: "manual"})
	status, changed = s.coord.Deactivate(at(3*time.Hour), "ops")
	s.True(changed)
	s.False(status.IsActive)
}

func (s *CoordinatorSuite) TestPolicy() {
	_, active := s.coord.Policy(at(0))
	s.False(active)

	_, _ = s.coord.Activate(at(0), ActivateRequest{Reason: "x"})
	p, active := s.coord.Policy(at(0))
	s.True(active)
	s.Equal(config.DefaultConfig().Emergency.Policy, p)
}

func (s *CoordinatorSuite) TestAutoActivation() {
	s.Run("by blocked ip count", func() {
		s.blocks.blocked = 19
		s.False(s.coord.CheckAutoActivation(at(0)))
		s.blocks.blocked = 20
		s.True(s.coord.CheckAutoActivation(at(0)))

		status := s.coord.Status(at(0))
		s.True(status.AutoActivated)
		s.Equal(ActorSystem, *status.ActivatedBy)
		s.Equal(testutil.Epoch.Add(time.Hour), *status.ExpiresAt)
		s.False(s.coord.CheckAutoActivation(at(0)), "already active")
	})

	s.Run("by violation rate", func() {
		s.SetupTest()
		for i := 0; i < 99; i++ {
			s.coord.ObserveViolation(at(time.Duration(i) * 100 * time.Millisecond))
		}
		s.False(s.coord.IsActive(at(10 * time.Second)))
		s.coord.ObserveViolation(at(10 * time.Second))
		s.True(s.coord.IsActive(at(10 * time.Second)))
	})

	s.Run("violations older than a minute do not count", func() {
		s.SetupTest()
		for i := 0; i < 99; i++ {
			s.coord.ObserveViolation(at(0))
		}
		s.coord.ObserveViolation(at(time.Minute))
		s.False(s.coord.IsActive(at(time.Minute)))

		m := s.coord.Metrics(at(time.Minute))
		s.Equal(1, m.ViolationsLastMinute)
		s.Equal(100, m.ViolationsLastHour)
	})

	s.Run("feature flag off disables the triggers", func() {
		s.SetupTest()
		s.Require().True(s.flags.Update(at(0), []byte(`{"featureFlags":{"emergencyAutoActivation":false}}`)).Success)
		s.blocks.blocked = 500
		s.False(s.coord.CheckAutoActivation(at(0)))
	})
}

func (s *CoordinatorSuite) TestListenersAndMirror() {
	var got []bool
	s.coord.Subscribe(func(_ context.Context, st models.EmergencyStatus) { got = append(got, st.IsActive) })
	s.coord.Subscribe(func(context.Context, models.EmergencyStatus) { panic("listener bug") })

	_, _ = s.coord.Activate(at(0), ActivateRequest{Reason: "mirror me", Duration: time.Hour})
	_, _ = s.coord.Deactivate(at(time.Minute), "ops")
	_, _ = s.coord.Activate(at(2*time.Minute), ActivateRequest{Reason: "again", Duration: time.Hour})
	s.Equal([]bool{true, false, true}, got)

	raw, err := s.store.Get(at(0), models.KeyEmergency)
	s.Require().NoError(err)
	var mirrored models.EmergencyStatus
	s.Require().NoError(json.Unmarshal(raw, &mirrored))
	s.Equal("again", *mirrored.Reason)

	s.Run("restore picks up the mirrored window", func() {
		fresh := New(WithLogger(testutil.DiscardLogger()), WithStore(s.store))
		s.Require().NoError(fresh.Restore(at(3 * time.Minute)))
		s.True(fresh.IsActive(at(3 * time.Minute)))
	})

	s.Run("restore ignores an expired window", func() {
		fresh := New(WithLogger(testutil.DiscardLogger()), WithStore(s.store))
		s.Require().NoError(fresh.Restore(at(2 * time.Hour)))
		s.False(fresh.IsActive(at(2 * time.Hour)))
	})
}

func (s *CoordinatorSuite) TestConcurrentActivationEntersOnce() {
	var (
		mu      sync.Mutex
		entered int
	)
	s.coord.Subscribe(func(_ context.Context, st models.EmergencyStatus) {
		if st.IsActive && *st.Reason == "auto: 25 blocked IPs" {
			mu.Lock()
			entered++
			mu.Unlock()
		}
	})
	s.blocks.blocked = 25

	res := testutil.RunConcurrent(20, func(int) error {
		if !s.coord.CheckAutoActivation(at(0)) {
			return testutil.ErrDenied
		}
		return nil
	})
	s.EqualValues(1, res.Successes)
	s.Equal(1, entered)
}
