// Package cleanup periodically drops expired windows, records and idle
// detector state that the in-process stores would otherwise keep forever.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"bulwark/internal/abuse/metrics"
	"bulwark/pkg/requestcontext"
)

const (
	DefaultInterval = time.Minute
	MinInterval     = time.Minute
	MaxInterval     = 5 * time.Minute
)

// Sweeper removes state that is stale at now and returns how much it removed.
// kv.Memory, limiter.Service and detector.Service implement it.
type Sweeper interface {
	Sweep(now time.Time) int
}

// CleanupResult contains the results of a cleanup run.
type CleanupResult struct {
	Removed  map[string]int
	Total    int
	Duration time.Duration
}

type target struct {
	name    string
	sweeper Sweeper
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInterval sets the run interval, clamped to [MinInterval, MaxInterval].
func WithInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval <= 0 {
			return
		}
		s.interval = min(max(interval, MinInterval), MaxInterval)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTarget adds a named sweeper. Targets run in the order added.
func WithTarget(name string, sw Sweeper) Option {
	return func(s *Service) {
		if sw != nil {
			s.targets = append(s.targets, target{name: name, sweeper: sw})
		}
	}
}

type Service struct {
	targets  []target
	logger   *slog.Logger
	interval time.Duration
	metrics  *metrics.Metrics
}

func New(opts ...Option) *Service {
	service := &Service{
		logger:   slog.Default(),
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

func (s *Service) Interval() time.Duration { return s.interval }

func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "cleanup worker started",
		"interval", s.interval.String(),
		"targets", len(s.targets),
	)
	for {
		select {
		case <-ticker.C:
			res := s.RunOnce(ctx)
			s.logger.DebugContext(ctx, "abuse_cleanup_completed",
				"removed", res.Total,
				"duration_ms", res.Duration.Milliseconds(),
			)

		case <-ctx.Done():
			s.logger.InfoContext(ctx, "cleanup worker stopping", "reason", ctx.Err())
			return nil
		}
	}
}

// RunOnce sweeps every target once at requestcontext.Now(ctx). A panicking
// target is logged and counted as a failed run; the others still run.
func (s *Service) RunOnce(ctx context.Context) *CleanupResult {
	start := time.Now()
	now := requestcontext.Now(ctx)
	res := &CleanupResult{Removed: make(map[string]int, len(s.targets))}
	status := "success"
	for _, t := range s.targets {
		n, ok := s.sweep(ctx, t, now)
		if !ok {
			status = "error"
			continue
		}
		res.Removed[t.name] = n
		res.Total += n
	}
	res.Duration = time.Since(start)

	s.metrics.IncrementCleanupRuns(status)
	s.metrics.ObserveCleanupDuration(res.Duration.Seconds())
	s.metrics.AddCleanupRemoved(res.Total)
	return res
}

func (s *Service) sweep(ctx context.Context, t target, now time.Time) (n int, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "abuse_cleanup_failed",
				"target", t.name,
				"panic", r,
			)
			ok = false
		}
	}()
	return t.sweeper.Sweep(now), true
}
