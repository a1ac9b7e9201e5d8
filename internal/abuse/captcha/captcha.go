// Package captcha decides per request whether a human-verification
// challenge is required and verifies submitted tokens.
package captcha

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"

	"bulwark/internal/abuse/config"
	"bulwark/internal/abuse/metrics"
	"bulwark/internal/abuse/models"
	"bulwark/internal/abuse/observability"
	"bulwark/internal/abuse/runtimeconfig"
)

// RandomSource yields uniform draws in [0, 1).
type RandomSource interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// EmergencyPolicy is satisfied by *emergency.Coordinator.
type EmergencyPolicy interface {
	Policy(ctx context.Context) (models.EmergencyPolicy, bool)
}

type FlagSource interface {
	IsFeatureEnabled(flag runtimeconfig.Flag) bool
}

type Service struct {
	cfg       config.CaptchaConfig
	flags     FlagSource
	emergency EmergencyPolicy
	random    RandomSource
	verifier  Verifier
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

func WithConfig(cfg config.CaptchaConfig) Option {
	return func(s *Service) { s.cfg = cfg }
}

func WithFlags(f FlagSource) Option {
	return func(s *Service) { s.flags = f }
}

func WithEmergency(e EmergencyPolicy) Option {
	return func(s *Service) { s.emergency = e }
}

func WithRandom(r RandomSource) Option {
	return func(s *Service) {
		if r != nil {
			s.random = r
		}
	}
}

func WithVerifier(v Verifier) Option {
	return func(s *Service) {
		if v != nil {
			s.verifier = v
		}
	}
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

func New(opts ...Option) *Service {
	s := &Service{
		cfg:      config.DefaultConfig().Captcha,
		random:   globalRand{},
		verifier: NoopVerifier{},
		sink:     observability.Discard{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ShouldRequire applies the decision order, first match wins:
// never-require path, emergency policy, emergency rate, suspicious IP,
// always-require path, base rate.
func (s *Service) ShouldRequire(ctx context.Context, ip, path string, isSuspicious bool) models.CaptchaDecision {
	d := s.decide(ctx, path, isSuspicious)
	s.metrics.ObserveCaptcha(string(d.Reason), d.Required)
	if d.Required {
		s.logger.DebugContext(ctx, "captcha required", "ip", ip, "path", path, "reason", d.Reason)
	}
	return d
}

func (s *Service) decide(ctx context.Context, path string, isSuspicious bool) models.CaptchaDecision {
	if s.flags != nil && !s.flags.IsFeatureEnabled(runtimeconfig.FlagCaptcha) {
		return models.CaptchaDecision{Reason: models.CaptchaDisabled}
	}
	if MatchPath(s.cfg.NeverRequirePaths, path) {
		return models.CaptchaDecision{Reason: models.CaptchaNeverRequirePath}
	}
	if s.emergency != nil {
		if policy, active := s.emergency.Policy(ctx); active {
			if policy.RequireCaptcha {
				return models.CaptchaDecision{Required: true, Reason: models.CaptchaEmergencyMode}
			}
			return s.draw(s.cfg.EmergencyChallengeRate, models.CaptchaEmergencyChallenge)
		}
	}
	if isSuspicious {
		return s.draw(s.cfg.SuspiciousChallengeRate, models.CaptchaSuspiciousIP)
	}
	if MatchPath(s.cfg.AlwaysRequirePaths, path) {
		return models.CaptchaDecision{Required: true, Reason: models.CaptchaAlwaysRequirePath}
	}
	if s.cfg.BaseChallengeRate > 0 {
		if d := s.draw(s.cfg.BaseChallengeRate, models.CaptchaBaseRate); d.Required {
			return d
		}
	}
	return models.CaptchaDecision{Reason: models.CaptchaNotRequired}
}

// draw is a fresh coin flip on every call.
func (s *Service) draw(rate float64, reason models.CaptchaReason) models.CaptchaDecision {
	return models.CaptchaDecision{Required: rate > 0 && s.random.Float64() < rate, Reason: reason}
}

// IsProtected reports whether path is one of the endpoints the challenge
// checkpoint runs on.
func (s *Service) IsProtected(path string) bool {
	return MatchPath(s.cfg.ProtectedPaths, path)
}

// Verify checks token with the configured verifier. An empty token never
// verifies.
func (s *Service) Verify(ctx context.Context, token, ip string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		s.metrics.ObserveCaptchaVerification("missing")
		return false, nil
	}
	ok, err := s.verifier.Verify(ctx, token, ip)
	switch {
	case err != nil:
		s.metrics.ObserveCaptchaVerification("error")
		return false, err
	case !ok:
		s.metrics.ObserveCaptchaVerification("failed")
		ev := observability.NewEvent(ctx, observability.EventCaptchaFailed)
		ev.IP = ip
		s.sink.Publish(ctx, ev)
	default:
		s.metrics.ObserveCaptchaVerification("passed")
	}
	return ok, nil
}

// MatchPath matches exact entries, and entries ending in '*' as prefixes.
func MatchPath(patterns []string, path string) bool {
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
			continue
		}
		if p == path {
			return true
		}
	}
	return false
}
