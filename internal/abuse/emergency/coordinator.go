// Package emergency owns the Normal/Emergency state machine. Every other
// checkpoint tightens while the coordinator reports emergency mode.
package emergency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bulwark/internal/abuse/config"
	"bulwark/internal/abuse/metrics"
	"bulwark/internal/abuse/models"
	"bulwark/internal/abuse/observability"
	"bulwark/internal/abuse/runtimeconfig"
	"bulwark/internal/abuse/store/kv"
	dErrors "bulwark/pkg/domain-errors"
	"bulwark/pkg/requestcontext"
)

// Actor recorded on automatic transitions.
const ActorSystem = "system"

// BlockCounter reports current block totals; *blocker.Service implements it.
type BlockCounter interface {
	Counts(ctx context.Context) (blocked, emergencyBlocks int)
}

// FlagSource is satisfied by *runtimeconfig.Store.
type FlagSource interface {
	IsFeatureEnabled(flag runtimeconfig.Flag) bool
}

// Listener is told about every status change. It runs after the state lock
// is released.
type Listener func(ctx context.Context, status models.EmergencyStatus)

type ActivateRequest struct {
	Reason      string
	ActivatedBy string
	// Duration <= 0 means the default: DefaultAutoDuration for automatic
	// activations, no expiry for manual ones.
	Duration      time.Duration
	AutoActivated bool
}

type Coordinator struct {
	cfg     config.EmergencyConfig
	blocks  BlockCounter
	flags   FlagSource
	store   kv.Store
	sink    observability.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	status models.EmergencyStatus
	minute []time.Time
	hour   []time.Time

	listenersMu sync.RWMutex
	listeners   []Listener
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithConfig(cfg config.EmergencyConfig) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

func WithFlags(f FlagSource) Option {
	return func(c *Coordinator) { c.flags = f }
}

// WithStore mirrors the status to store so restarts can Restore it.
func WithStore(store kv.Store) Option {
	return func(c *Coordinator) { c.store = store }
}

func WithSink(sink observability.Sink) Option {
	return func(c *Coordinator) {
		if sink != nil {
			c.sink = sink
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:    config.DefaultConfig().Emergency,
		sink:   observability.Discard{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store != nil {
		c.Subscribe(c.mirror)
	}
	return c
}

// SetBlockCounter binds the blocker once it exists.
func (c *Coordinator) SetBlockCounter(b BlockCounter) {
	c.mu.Lock()
	c.blocks = b
	c.mu.Unlock()
}

func (c *Coordinator) Subscribe(l Listener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenersMu.Unlock()
}

// Activate enters emergency mode, or refreshes an active window. A refresh
// never shortens the expiry; an open-ended window stays open-ended.
func (c *Coordinator) Activate(ctx context.Context, req ActivateRequest) (models.EmergencyStatus, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		return c.Status(ctx), dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	if req.ActivatedBy == "" {
		req.ActivatedBy = ActorSystem
	}

	c.mu.Lock()
	status, entered := c.activateLocked(requestcontext.Now(ctx), req)
	c.mu.Unlock()

	c.afterActivate(ctx, req, status, entered)
	return status, nil
}

func (c *Coordinator) activateLocked(now time.Time, req ActivateRequest) (models.EmergencyStatus, bool) {
	var expires *time.Time
	switch {
	case req.Duration > 0:
		t := now.Add(req.Duration)
		expires = &t
	case req.AutoActivated:
		t := now.Add(c.cfg.DefaultAutoDuration)
		expires = &t
	}

	prev := c.status
	entered := !prev.IsActive || prev.IsExpired(now)
	next := models.EmergencyStatus{
		IsActive:    true,
		ActivatedBy: ptr(req.ActivatedBy),
		Reason:      ptr(req.Reason),
	}
	if entered {
		next.ActivatedAt = ptr(now)
		next.AutoActivated = req.AutoActivated
		next.ExpiresAt = expires
	} else {
		next.ActivatedAt = prev.ActivatedAt
		next.AutoActivated = prev.AutoActivated && req.AutoActivated
		next.ExpiresAt = laterExpiry(prev.ExpiresAt, expires)
	}
	c.status = next
	return copyStatus(next), entered
}

func (c *Coordinator) afterActivate(ctx context.Context, req ActivateRequest, status models.EmergencyStatus, entered bool) {
	trigger := "manual"
	if req.AutoActivated {
		trigger = "auto"
	}
	if entered {
		c.metrics.SetEmergency(true, trigger)
		c.logger.WarnContext(ctx, "emergency mode activated",
			"reason", req.Reason,
			"activated_by", req.ActivatedBy,
			"auto", req.AutoActivated,
			"expires_at", status.ExpiresAt,
		)
		ev := observability.NewEvent(ctx, observability.EventEmergencyActivated)
		ev.Actor = req.ActivatedBy
		ev.Reason = req.Reason
		ev.Details = map[string]any{"auto": req.AutoActivated}
		c.sink.Publish(ctx, ev)
	} else {
		c.logger.InfoContext(ctx, "emergency mode refreshed",
			"reason", req.Reason,
			"activated_by", req.ActivatedBy,
			"expires_at", status.ExpiresAt,
		)
	}
	c.notify(ctx, status)
}

// Deactivate returns to normal mode. It reports false when already normal or
// when the window has expired and is waiting for Sweep.
func (c *Coordinator) Deactivate(ctx context.Context, by string) (models.EmergencyStatus, bool) {
	now := requestcontext.Now(ctx)
	c.mu.Lock()
	if !c.status.IsActive || c.status.IsExpired(now) {
		status := c.viewLocked(now)
		c.mu.Unlock()
		return status, false
	}
	status := c.deactivateLocked()
	c.mu.Unlock()

	if by == "" {
		by = ActorSystem
	}
	c.afterDeactivate(ctx, by, "manual", status)
	return status, true
}

func (c *Coordinator) deactivateLocked() models.EmergencyStatus {
	c.status = models.EmergencyStatus{AutoActivated: c.status.AutoActivated}
	return copyStatus(c.status)
}

func (c *Coordinator) afterDeactivate(ctx context.Context, by, trigger string, status models.EmergencyStatus) {
	c.metrics.SetEmergency(false, trigger)
	c.logger.WarnContext(ctx, "emergency mode deactivated", "deactivated_by", by, "trigger", trigger)
	ev := observability.NewEvent(ctx, observability.EventEmergencyDeactivated)
	ev.Actor = by
	ev.Reason = trigger
	c.sink.Publish(ctx, ev)
	c.notify(ctx, status)
}

// expireIfDue closes a window whose expiry has passed. Only Sweep calls it;
// reads report an expired window as inactive without transitioning.
func (c *Coordinator) expireIfDue(ctx context.Context) {
	now := requestcontext.Now(ctx)
	c.mu.Lock()
	if !c.status.IsExpired(now) {
		c.mu.Unlock()
		return
	}
	status := c.deactivateLocked()
	c.mu.Unlock()
	c.afterDeactivate(ctx, ActorSystem, "expired", status)
}

// viewLocked is the status as seen at now.
func (c *Coordinator) viewLocked(now time.Time) models.EmergencyStatus {
	if c.status.IsExpired(now) {
		return models.EmergencyStatus{AutoActivated: c.status.AutoActivated}
	}
	return copyStatus(c.status)
}

func (c *Coordinator) IsActive(ctx context.Context) bool {
	now := requestcontext.Now(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.IsActive && !c.status.IsExpired(now)
}

// Status returns a copy of the current status.
func (c *Coordinator) Status(ctx context.Context) models.EmergencyStatus {
	now := requestcontext.Now(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked(now)
}

// Policy returns the configured tightening and whether it is in force.
func (c *Coordinator) Policy(ctx context.Context) (models.EmergencyPolicy, bool) {
	return c.cfg.Policy, c.IsActive(ctx)
}

// ObserveViolation feeds the violation-rate trigger.
func (c *Coordinator) ObserveViolation(ctx context.Context) {
	now := requestcontext.Now(ctx)
	c.mu.Lock()
	c.minute = insertPruned(c.minute, now, now.Add(-time.Minute))
	c.hour = insertPruned(c.hour, now, now.Add(-time.Hour))
	c.mu.Unlock()
	c.CheckAutoActivation(ctx)
}

// CheckAutoActivation enters emergency mode when the blocked-IP count or the
// violation rate crosses its threshold. It reports whether it activated.
func (c *Coordinator) CheckAutoActivation(ctx context.Context) bool {
	if c.flags != nil && !c.flags.IsFeatureEnabled(runtimeconfig.FlagEmergencyAutoActivation) {
		return false
	}
	if c.IsActive(ctx) {
		return false
	}
	m := c.Metrics(ctx)

	var reason string
	switch {
	case c.cfg.AutoActivationThreshold > 0 && m.BlockedIPsCount >= c.cfg.AutoActivationThreshold:
		reason = fmt.Sprintf("auto: %d blocked IPs", m.BlockedIPsCount)
	case c.cfg.ViolationsPerMinuteThreshold > 0 && m.ViolationsLastMinute >= c.cfg.ViolationsPerMinuteThreshold:
		reason = fmt.Sprintf("auto: %d violations in the last minute", m.ViolationsLastMinute)
	default:
		return false
	}

	req := ActivateRequest{Reason: reason, ActivatedBy: ActorSystem, AutoActivated: true}
	now := requestcontext.Now(ctx)
	c.mu.Lock()
	if c.status.IsActive && !c.status.IsExpired(now) {
		c.mu.Unlock()
		return false
	}
	status, _ := c.activateLocked(now, req)
	c.mu.Unlock()

	c.afterActivate(ctx, req, status, true)
	return true
}

// Metrics derives the attack metrics on demand.
func (c *Coordinator) Metrics(ctx context.Context) models.AttackMetrics {
	now := requestcontext.Now(ctx)
	c.mu.Lock()
	blocks := c.blocks
	c.minute = prune(c.minute, now.Add(-time.Minute))
	c.hour = prune(c.hour, now.Add(-time.Hour))
	m := models.AttackMetrics{
		ViolationsLastMinute: len(c.minute),
		ViolationsLastHour:   len(c.hour),
	}
	c.mu.Unlock()

	if blocks != nil {
		m.BlockedIPsCount, m.EmergencyBlocksCount = blocks.Counts(ctx)
	}
	return m
}

// Sweep expires a finished window and re-evaluates the automatic triggers.
func (c *Coordinator) Sweep(ctx context.Context) {
	c.expireIfDue(ctx)
	m := c.Metrics(ctx)
	c.metrics.SetBlockedIPs(m.BlockedIPsCount)
	c.CheckAutoActivation(ctx)
}

// Start runs Sweep every SweepInterval until ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	interval := c.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.InfoContext(ctx, "emergency sweep started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "emergency sweep stopped")
			return nil
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Restore loads a mirrored status written by a previous process.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	raw, err := c.store.Get(ctx, models.KeyEmergency)
	if err != nil {
		if dErrors.IsNotFound(err) {
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "load emergency status")
	}
	var status models.EmergencyStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "decode emergency status")
	}
	if !status.IsActive || status.IsExpired(requestcontext.Now(ctx)) {
		return nil
	}

	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	c.metrics.SetEmergency(true, "restore")
	c.logger.InfoContext(ctx, "emergency mode restored", "reason", deref(status.Reason))
	return nil
}

func (c *Coordinator) mirror(ctx context.Context, status models.EmergencyStatus) {
	raw, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, models.KeyEmergency, raw, 0); err != nil {
		c.logger.WarnContext(ctx, "failed to mirror emergency status", "op", "set", "key", models.KeyEmergency, "error", err)
	}
}

func (c *Coordinator) notify(ctx context.Context, status models.EmergencyStatus) {
	c.listenersMu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.ErrorContext(ctx, "emergency listener panicked", "panic", fmt.Sprint(r))
				}
			}()
			l(ctx, copyStatus(status))
		}()
	}
}

func laterExpiry(a, b *time.Time) *time.Time {
	if a == nil || b == nil {
		return nil
	}
	if b.After(*a) {
		return ptr(*b)
	}
	return ptr(*a)
}

func copyStatus(s models.EmergencyStatus) models.EmergencyStatus {
	out := models.EmergencyStatus{IsActive: s.IsActive, AutoActivated: s.AutoActivated}
	if s.ActivatedAt != nil {
		out.ActivatedAt = ptr(*s.ActivatedAt)
	}
	if s.ActivatedBy != nil {
		out.ActivatedBy = ptr(*s.ActivatedBy)
	}
	if s.Reason != nil {
		out.Reason = ptr(*s.Reason)
	}
	if s.ExpiresAt != nil {
		out.ExpiresAt = ptr(*s.ExpiresAt)
	}
	return out
}

// insertPruned adds t and drops entries at or before cutoff. Entries stay
// sorted even when callers arrive out of order.
func insertPruned(list []time.Time, t, cutoff time.Time) []time.Time {
	list = prune(list, cutoff)
	i := len(list)
	for i > 0 && list[i-1].After(t) {
		i--
	}
	list = append(list, time.Time{})
	copy(list[i+1:], list[i:])
	list[i] = t
	return list
}

func prune(list []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(list) && !list[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return list
	}
	return append(list[:0], list[i:]...)
}

func ptr[T any](v T) *T { return &v }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
