// Package limiter is the sliding-window rate limiter. Check is the raw
// primitive over a key; CheckScope applies the runtime budget, role
// multiplier and emergency tightening for a named scope.
package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"bulwark/internal/abuse/metrics"
	"bulwark/internal/abuse/models"
	"bulwark/internal/abuse/observability"
	"bulwark/internal/abuse/runtimeconfig"
	"bulwark/internal/abuse/store/kv"
	"bulwark/pkg/requestcontext"
)

// PolicySource supplies budgets and feature flags; *runtimeconfig.Store
// implements it.
type PolicySource interface {
	Budget(scope string) (runtimeconfig.Budget, bool)
	IsFeatureEnabled(flag runtimeconfig.Flag) bool
}

// EmergencyPolicy reports the tightening in force; *emergency.Coordinator
// implements it.
type EmergencyPolicy interface {
	Policy(ctx context.Context) (models.EmergencyPolicy, bool)
}

// ViolationRecorder is told about every denial; *blocker.Service implements it.
type ViolationRecorder interface {
	RecordViolation(ctx context.Context, ip, reason string) (*models.ViolationOutcome, error)
}

// Service never fails a check: if the store errors the decision is made
// against a private local store instead.
type Service struct {
	store     kv.Store
	local     *kv.Memory
	policy    PolicySource
	emergency EmergencyPolicy
	recorder  ViolationRecorder
	sink      observability.Sink
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithPolicy(p PolicySource) Option {
	return func(s *Service) { s.policy = p }
}

func WithEmergency(e EmergencyPolicy) Option {
	return func(s *Service) { s.emergency = e }
}

func WithViolationRecorder(r ViolationRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

func WithSink(sink observability.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(store kv.Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	s := &Service{
		store:  store,
		local:  kv.NewMemory(),
		sink:   observability.Discard{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.policy == nil {
		p, err := runtimeconfig.New(runtimeconfig.WithLogger(s.logger))
		if err != nil {
			return nil, err
		}
		s.policy = p
	}
	return s, nil
}

// Check prunes, counts and (when allowed) records one attempt for key.
// The store key is used verbatim. A limit below 1 denies every attempt.
func (s *Service) Check(ctx context.Context, key string, limit int, window time.Duration) *models.RateLimitResult {
	now := requestcontext.Now(ctx)
	if limit <= 0 {
		return buildResult(&kv.Window{}, max(limit, 0), window, now)
	}
	w, err := s.store.Hit(ctx, key, limit, window, now)
	if err != nil {
		s.logger.WarnContext(ctx, "rate limit store failed, using local window",
			"op", "hit",
			"key", key,
			"error", err,
		)
		w, _ = s.local.Hit(ctx, key, limit, window, now)
	}
	return buildResult(w, limit, window, now)
}

func buildResult(w *kv.Window, limit int, window time.Duration, now time.Time) *models.RateLimitResult {
	res := &models.RateLimitResult{
		Allowed: w.Allowed,
		Limit:   limit,
		ResetAt: now.Add(window),
	}
	if w.Allowed {
		res.Remaining = max(limit-w.Count, 0)
		return res
	}
	res.RetryAfter = models.SecondsUntil(now, res.ResetAt)
	return res
}

// Reset clears the window for key.
func (s *Service) Reset(ctx context.Context, key string) error {
	_ = s.local.Delete(ctx, key)
	return s.store.Delete(ctx, key)
}

// ResetScope clears the window of subject in scope.
func (s *Service) ResetScope(ctx context.Context, scope models.Scope, subject models.Subject) error {
	return s.Reset(ctx, models.RateLimitKey(scope, subject))
}

// EffectiveBudget returns the limit and window that apply to subject in
// scope right now.
func (s *Service) EffectiveBudget(ctx context.Context, scope models.Scope, subject models.Subject) (int, time.Duration) {
	budget, ok := s.policy.Budget(string(scope))
	if !ok {
		budget, ok = s.policy.Budget(string(models.ScopeAPI))
	}
	if !ok {
		budget = runtimeconfig.Defaults().RateLimits[string(models.ScopeAPI)]
	}

	limit := scaled(budget.MaxAttempts, models.RoleMultiplier(subject.Role))
	window := budget.Window()
	if s.emergency != nil {
		if p, active := s.emergency.Policy(ctx); active {
			limit = scaled(limit, p.RateLimitMultiplier)
			if p.WindowMultiplier > 0 {
				window = time.Duration(float64(window) * p.WindowMultiplier)
			}
		}
	}
	return limit, window
}

func scaled(n int, m float64) int {
	if m <= 0 {
		return max(n, 1)
	}
	return max(int(math.Floor(float64(n)*m)), 1)
}

// CheckScope applies the scope budget to subject. Denials are reported to
// the violation recorder and the event sink.
func (s *Service) CheckScope(ctx context.Context, scope models.Scope, subject models.Subject) *models.RateLimitResult {
	limit, window := s.EffectiveBudget(ctx, scope, subject)
	if !s.policy.IsFeatureEnabled(runtimeconfig.FlagRateLimiting) {
		now := requestcontext.Now(ctx)
		return &models.RateLimitResult{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetAt:   now.Add(window),
			Bypassed:  true,
		}
	}

	res := s.Check(ctx, models.RateLimitKey(scope, subject), limit, window)
	s.metrics.ObserveRateLimit(string(scope), res.Allowed)
	if res.Allowed {
		return res
	}

	s.logger.InfoContext(ctx, "rate limit exceeded",
		"scope", scope,
		"limit", limit,
		"window", window.String(),
		"user_id", subject.UserID,
		"retry_after", res.RetryAfter,
	)
	ev := observability.NewEvent(ctx, observability.EventRateLimited)
	ev.IP = subject.IP
	ev.UserID = subject.UserID
	ev.Scope = string(scope)
	ev.Details = map[string]any{"limit": limit, "window_ms": window.Milliseconds()}
	s.sink.Publish(ctx, ev)

	if s.recorder != nil && subject.IP != "" {
		if _, err := s.recorder.RecordViolation(ctx, subject.IP, "rate_limit:"+string(scope)); err != nil {
			s.logger.WarnContext(ctx, "failed to record violation", "scope", scope, "error", err)
		}
	}
	return res
}

// Sweep drops expired local fallback windows.
func (s *Service) Sweep(now time.Time) int {
	return s.local.Sweep(now)
}

// ResetLocal clears the fallback windows.
func (s *Service) ResetLocal() {
	s.local.Reset()
}
