// Package detector flags suspicious clients from their User-Agent and
// request rate, and feeds the emergency trigger with the number of distinct
// suspicious IPs.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/mssola/useragent"
	"golang.org/x/time/rate"

	"bulwark/internal/abuse/config"
	"bulwark/internal/abuse/emergency"
	"bulwark/internal/abuse/metrics"
	"bulwark/internal/abuse/models"
	"bulwark/internal/abuse/observability"
	"bulwark/internal/abuse/runtimeconfig"
	"bulwark/internal/abuse/store/kv"
	psync "bulwark/pkg/platform/sync"
	"bulwark/pkg/requestcontext"
)

const (
	ReasonEmptyUserAgent = "empty_user_agent"
	ReasonRapidRequests  = "rapid_requests"

	limiterShards = 16
)

// PolicySource is satisfied by *runtimeconfig.Store.
type PolicySource interface {
	IsFeatureEnabled(flag runtimeconfig.Flag) bool
	CacheTTL() runtimeconfig.CacheTTL
}

// ViolationRecorder is satisfied by *blocker.Service.
type ViolationRecorder interface {
	RecordViolation(ctx context.Context, ip, reason string) (*models.ViolationOutcome, error)
}

// Emergency is satisfied by *emergency.Coordinator.
type Emergency interface {
	IsActive(ctx context.Context) bool
	Activate(ctx context.Context, req emergency.ActivateRequest) (models.EmergencyStatus, error)
}

// Assessment is the outcome of Inspect for one request.
type Assessment struct {
	// Reasons lists the heuristics this request tripped.
	Reasons []string
	Burst   bool
	// Hits is the IP's suspicious tally after this request.
	Hits int
	// Flagged is set once Hits reaches the suspicious threshold.
	Flagged bool
}

func (a *Assessment) Triggered() bool { return len(a.Reasons) > 0 }

type Service struct {
	store     kv.Store
	cfg       config.DetectorConfig
	denylist  []string
	policy    PolicySource
	recorder  ViolationRecorder
	emergency Emergency
	sink      observability.Sink
	metrics   *metrics.Metrics
	logger    *slog.Logger

	shards [limiterShards]*limiterShard

	distinctMu sync.Mutex
	distinct   map[string]time.Time
}

type limiterShard struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
}

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithConfig(cfg config.DetectorConfig) Option {
	return func(s *Service) { s.cfg = cfg }
}

func WithPolicy(p PolicySource) Option {
	return func(s *Service) { s.policy = p }
}

func WithViolationRecorder(r ViolationRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

func WithEmergency(e Emergency) Option {
	return func(s *Service) { s.emergency = e }
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
		store:    store,
		cfg:      config.DefaultConfig().Detector,
		sink:     observability.Discard{},
		logger:   slog.Default(),
		distinct: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &limiterShard{limiters: make(map[string]*ipLimiter)}
	}
	s.denylist = make([]string, 0, len(s.cfg.UserAgentDenylist))
	for _, p := range s.cfg.UserAgentDenylist {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			s.denylist = append(s.denylist, p)
		}
	}
	return s, nil
}

func (s *Service) enabled(f runtimeconfig.Flag) bool {
	return s.policy == nil || s.policy.IsFeatureEnabled(f)
}

func (s *Service) window() time.Duration {
	if s.policy != nil {
		if d := s.policy.CacheTTL().SuspiciousWindow(); d > 0 {
			return d
		}
	}
	return s.cfg.SuspiciousWindow
}

// CheckUserAgent reports whether ua looks automated and why.
func (s *Service) CheckUserAgent(ua string) (bool, string) {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return true, ReasonEmptyUserAgent
	}
	lower := strings.ToLower(ua)
	for _, pattern := range s.denylist {
		if strings.Contains(lower, pattern) {
			return true, "user_agent:" + pattern
		}
	}
	parsed := useragent.New(ua)
	if parsed.Bot() {
		name, _ := parsed.Browser()
		if name == "" {
			name = "unknown"
		}
		return true, "bot:" + strings.ToLower(name)
	}
	return false, ""
}

// CheckRapidRequests takes one token from ip's burst limiter and reports
// whether the bucket was empty.
func (s *Service) CheckRapidRequests(ctx context.Context, ip string) bool {
	now := requestcontext.Now(ctx)
	sh := s.shards[psync.ShardIndex(ip, limiterShards)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	l, ok := sh.limiters[ip]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(rate.Limit(s.cfg.BurstPerSecond), s.cfg.BurstSize)}
		sh.limiters[ip] = l
	}
	if now.After(l.lastSeen) {
		l.lastSeen = now
	}
	return !l.lim.AllowN(now, 1)
}

// Inspect runs both heuristics for one request.
func (s *Service) Inspect(ctx context.Context, ip, ua string) *Assessment {
	a := &Assessment{}
	if !s.enabled(runtimeconfig.FlagSuspiciousDetection) {
		return a
	}
	ip = models.CanonicalIP(ip)

	if suspicious, reason := s.CheckUserAgent(ua); suspicious {
		a.Reasons = append(a.Reasons, reason)
		s.metrics.IncrementSuspicious("user_agent")
		a.Hits = s.RecordSuspiciousIP(ctx, ip, reason)
	}
	if s.CheckRapidRequests(ctx, ip) {
		a.Burst = true
		a.Reasons = append(a.Reasons, ReasonRapidRequests)
		s.metrics.IncrementSuspicious("burst")
		a.Hits = s.RecordSuspiciousIP(ctx, ip, ReasonRapidRequests)
		if s.recorder != nil {
			if _, err := s.recorder.RecordViolation(ctx, ip, ReasonRapidRequests); err != nil {
				s.logger.WarnContext(ctx, "failed to record burst violation", "error", err)
			}
		}
	}
	if !a.Triggered() {
		return a
	}
	a.Flagged = a.Hits >= s.cfg.SuspiciousHitsToFlag
	return a
}

// RecordSuspiciousIP adds one hit to ip's tally and returns the tally. It
// may auto-activate emergency mode when too many distinct IPs are suspicious.
func (s *Service) RecordSuspiciousIP(ctx context.Context, ip, reason string) int {
	ip = models.CanonicalIP(ip)
	if _, err := netip.ParseAddr(ip); err != nil {
		return 0
	}
	now := requestcontext.Now(ctx)
	window := s.window()

	hits := 0
	w, err := s.store.Hit(ctx, models.SuspiciousKey(ip), 0, window, now)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to record suspicious hit", "op", "hit", "key", models.SuspiciousKey(ip), "error", err)
	} else {
		hits = w.Count
	}

	s.distinctMu.Lock()
	s.distinct[ip] = now
	distinct := s.countDistinctLocked(now.Add(-window))
	s.distinctMu.Unlock()

	s.logger.DebugContext(ctx, "suspicious activity",
		"ip", ip,
		"reason", reason,
		"hits", hits,
		"distinct_ips", distinct,
	)
	ev := observability.NewEvent(ctx, observability.EventSuspiciousActivity)
	ev.IP = ip
	ev.Reason = reason
	ev.Details = map[string]any{"hits": hits, "distinct_ips": distinct}
	s.sink.Publish(ctx, ev)

	if distinct > s.cfg.SuspiciousIPThreshold {
		s.maybeActivate(ctx, distinct)
	}
	return hits
}

func (s *Service) maybeActivate(ctx context.Context, distinct int) {
	if s.emergency == nil || !s.enabled(runtimeconfig.FlagEmergencyAutoActivation) {
		return
	}
	if s.emergency.IsActive(ctx) {
		return
	}
	_, err := s.emergency.Activate(ctx, emergency.ActivateRequest{
		Reason:        fmt.Sprintf("auto: %d suspicious IPs", distinct),
		ActivatedBy:   emergency.ActorSystem,
		AutoActivated: true,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to auto-activate emergency mode", "error", err)
	}
}

func (s *Service) countDistinctLocked(cutoff time.Time) int {
	n := 0
	for _, seen := range s.distinct {
		if seen.After(cutoff) {
			n++
		}
	}
	return n
}

// SuspiciousHits returns ip's tally in the current window.
func (s *Service) SuspiciousHits(ctx context.Context, ip string) int {
	ip = models.CanonicalIP(ip)
	n, err := s.store.Count(ctx, models.SuspiciousKey(ip), s.window(), requestcontext.Now(ctx))
	if err != nil {
		s.logger.WarnContext(ctx, "failed to count suspicious hits", "op", "count", "key", models.SuspiciousKey(ip), "error", err)
		return 0
	}
	return n
}

func (s *Service) IsSuspicious(ctx context.Context, ip string) bool {
	return s.SuspiciousHits(ctx, ip) >= s.cfg.SuspiciousHitsToFlag
}

// DistinctSuspiciousIPs counts IPs with a hit inside the window.
func (s *Service) DistinctSuspiciousIPs(ctx context.Context) int {
	cutoff := requestcontext.Now(ctx).Add(-s.window())
	s.distinctMu.Lock()
	defer s.distinctMu.Unlock()
	return s.countDistinctLocked(cutoff)
}

// Sweep evicts idle burst limiters and distinct-set entries older than the
// window. It returns the number of entries removed.
func (s *Service) Sweep(now time.Time) int {
	removed := 0
	idleCutoff := now.Add(-s.cfg.IdleTTL)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for ip, l := range sh.limiters {
			if !l.lastSeen.After(idleCutoff) {
				delete(sh.limiters, ip)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	cutoff := now.Add(-s.window())
	s.distinctMu.Lock()
	for ip, seen := range s.distinct {
		if !seen.After(cutoff) {
			delete(s.distinct, ip)
			removed++
		}
	}
	s.distinctMu.Unlock()
	return removed
}

// Reset drops all local detector state.
func (s *Service) Reset() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.limiters = make(map[string]*ipLimiter)
		sh.mu.Unlock()
	}
	s.distinctMu.Lock()
	s.distinct = make(map[string]time.Time)
	s.distinctMu.Unlock()
}

// TrackedLimiters is the number of live burst limiters.
func (s *Service) TrackedLimiters() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.limiters)
		sh.mu.Unlock()
	}
	return n
}
