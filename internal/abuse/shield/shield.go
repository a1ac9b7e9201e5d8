// Package shield builds the abuse-mitigation services once and wires their
// feedback loops: limiter and detector denials feed the blocker, the blocker
// feeds the emergency coordinator, and the coordinator tightens everything.
package shield

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"bulwark/internal/abuse/blocker"
	"bulwark/internal/abuse/captcha"
	"bulwark/internal/abuse/config"
	"bulwark/internal/abuse/detector"
	"bulwark/internal/abuse/emergency"
	"bulwark/internal/abuse/handler"
	"bulwark/internal/abuse/idempotency"
	"bulwark/internal/abuse/limiter"
	"bulwark/internal/abuse/metrics"
	"bulwark/internal/abuse/middleware"
	"bulwark/internal/abuse/observability"
	"bulwark/internal/abuse/runtimeconfig"
	"bulwark/internal/abuse/store/kv"
	"bulwark/internal/abuse/workers/cleanup"
)

// Deps are the collaborators supplied by main. Only Store is required.
type Deps struct {
	Store           kv.Store
	Policy          *config.Config
	Runtime         *runtimeconfig.Store
	Sink            observability.Sink
	Metrics         *metrics.Metrics
	Verifier        captcha.Verifier
	Random          captcha.RandomSource
	CleanupInterval time.Duration
	Logger          *slog.Logger
}

type Shield struct {
	Store       kv.Store
	Runtime     *runtimeconfig.Store
	Emergency   *emergency.Coordinator
	Blocker     *blocker.Service
	Detector    *detector.Service
	Limiter     *limiter.Service
	Captcha     *captcha.Service
	Idempotency *idempotency.Middleware
	Chain       *middleware.Middleware
	Admin       *handler.Handler
	Cleanup     *cleanup.Service

	logger *slog.Logger
	unsubs []func()

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

func New(d Deps) (*Shield, error) {
	if d.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := d.Policy
	if policy == nil {
		policy = config.DefaultConfig()
	}
	sink := d.Sink
	if sink == nil {
		sink = observability.NewLogSink(logger)
	}
	rc := d.Runtime
	if rc == nil {
		var err error
		if rc, err = runtimeconfig.New(runtimeconfig.WithLogger(logger)); err != nil {
			return nil, fmt.Errorf("runtime config: %w", err)
		}
	}

	coord := emergency.New(
		emergency.WithLogger(logger),
		emergency.WithConfig(policy.Emergency),
		emergency.WithFlags(rc),
		emergency.WithStore(d.Store),
		emergency.WithSink(sink),
		emergency.WithMetrics(d.Metrics),
	)
	blk, err := blocker.New(d.Store,
		blocker.WithLogger(logger),
		blocker.WithConfig(policy.Blocker),
		blocker.WithPolicy(rc),
		blocker.WithEmergency(coord),
		blocker.WithSink(sink),
		blocker.WithMetrics(d.Metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("blocker: %w", err)
	}
	coord.SetBlockCounter(blk)

	det, err := detector.New(d.Store,
		detector.WithLogger(logger),
		detector.WithConfig(policy.Detector),
		detector.WithPolicy(rc),
		detector.WithViolationRecorder(blk),
		detector.WithEmergency(coord),
		detector.WithSink(sink),
		detector.WithMetrics(d.Metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}
	lim, err := limiter.New(d.Store,
		limiter.WithLogger(logger),
		limiter.WithPolicy(rc),
		limiter.WithEmergency(coord),
		limiter.WithViolationRecorder(blk),
		limiter.WithSink(sink),
		limiter.WithMetrics(d.Metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("limiter: %w", err)
	}

	captchaOpts := []captcha.Option{
		captcha.WithLogger(logger),
		captcha.WithConfig(policy.Captcha),
		captcha.WithFlags(rc),
		captcha.WithEmergency(coord),
		captcha.WithSink(sink),
		captcha.WithMetrics(d.Metrics),
	}
	if d.Verifier != nil {
		captchaOpts = append(captchaOpts, captcha.WithVerifier(d.Verifier))
	}
	if d.Random != nil {
		captchaOpts = append(captchaOpts, captcha.WithRandom(d.Random))
	}
	cpt := captcha.New(captchaOpts...)

	idem, err := idempotency.New(d.Store,
		idempotency.WithLogger(logger),
		idempotency.WithPolicy(rc),
		idempotency.WithMetrics(d.Metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("idempotency: %w", err)
	}

	chain := middleware.New(middleware.Services{
		Blocker:   blk,
		Detector:  det,
		Captcha:   cpt,
		Limiter:   lim,
		Emergency: coord,
	}, middleware.WithLogger(logger), middleware.WithRoutes(policy), middleware.WithMetrics(d.Metrics))

	cleanupOpts := []cleanup.Option{
		cleanup.WithLogger(logger),
		cleanup.WithMetrics(d.Metrics),
		cleanup.WithTarget("limiter", lim),
		cleanup.WithTarget("detector", det),
	}
	if sw := localSweeper(d.Store); sw != nil {
		cleanupOpts = append(cleanupOpts, cleanup.WithTarget("kv", sw))
	}
	if d.CleanupInterval > 0 {
		cleanupOpts = append(cleanupOpts, cleanup.WithInterval(d.CleanupInterval))
	}

	s := &Shield{
		Store:       d.Store,
		Runtime:     rc,
		Emergency:   coord,
		Blocker:     blk,
		Detector:    det,
		Limiter:     lim,
		Captcha:     cpt,
		Idempotency: idem,
		Chain:       chain,
		Admin:       handler.New(blk, det, coord, rc, logger),
		Cleanup:     cleanup.New(cleanupOpts...),
		logger:      logger,
	}
	s.auditConfig(sink, d.Metrics)
	return s, nil
}

// localSweeper finds the process-local store behind s, if any.
func localSweeper(s kv.Store) cleanup.Sweeper {
	switch st := s.(type) {
	case *kv.Memory:
		return st
	case *kv.Failover:
		if m, ok := st.Local().(*kv.Memory); ok {
			return m
		}
	}
	return nil
}

func (s *Shield) auditConfig(sink observability.Sink, m *metrics.Metrics) {
	m.SetRuntimeConfigVersion(s.Runtime.Version())
	for _, section := range runtimeconfig.Sections {
		unsub := s.Runtime.OnChange(section, func(ctx context.Context, ev runtimeconfig.ChangeEvent) error {
			m.SetRuntimeConfigVersion(ev.Version)
			e := observability.NewEvent(ctx, observability.EventConfigChanged)
			e.Scope = string(ev.Section)
			e.Details = map[string]any{"version": ev.Version}
			sink.Publish(ctx, e)
			return nil
		})
		s.unsubs = append(s.unsubs, unsub)
	}
}

// Handler wraps next in the abuse chain followed by idempotent replay.
func (s *Shield) Handler(next http.Handler) http.Handler {
	return s.Chain.Handler(s.Idempotency.Handler(next))
}

// RegisterAdmin mounts the operator API on r.
func (s *Shield) RegisterAdmin(r chi.Router, adminToken string) {
	s.Admin.Register(r, adminToken)
}

// Start restores a mirrored emergency status and runs the background sweeps
// until ctx is done or Shutdown is called.
func (s *Shield) Start(ctx context.Context) error {
	if err := s.Emergency.Restore(ctx); err != nil {
		s.logger.WarnContext(ctx, "emergency status not restored", "error", err)
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("shield already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Emergency.Start(gctx) })
	g.Go(func() error { return s.Cleanup.Start(gctx) })
	err := g.Wait()
	done <- err
	return err
}

// Shutdown stops the background sweeps and waits for them within ctx.
func (s *Shield) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset returns every component to its initial state: runtime config
// defaults, normal mode, and empty process-local stores. Shared Redis state
// is left alone.
func (s *Shield) Reset(ctx context.Context) {
	s.Runtime.Reset(ctx)
	s.Emergency.Deactivate(ctx, emergency.ActorSystem)
	s.Detector.Reset()
	s.Limiter.ResetLocal()
	switch st := s.Store.(type) {
	case *kv.Memory:
		st.Reset()
	case *kv.Failover:
		if m, ok := st.Local().(*kv.Memory); ok {
			m.Reset()
		}
	}
}
