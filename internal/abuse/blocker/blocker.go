// Package blocker tracks per-IP violations and issues temporary blocks when
// an IP crosses the violation threshold. It also owns the allowlist.
package blocker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"bulwark/internal/abuse/config"
	"bulwark/internal/abuse/metrics"
	"bulwark/internal/abuse/models"
	"bulwark/internal/abuse/observability"
	"bulwark/internal/abuse/runtimeconfig"
	"bulwark/internal/abuse/store/kv"
	dErrors "bulwark/pkg/domain-errors"
	psync "bulwark/pkg/platform/sync"
	"bulwark/pkg/requestcontext"
)

// ActorSystem is BlockedBy for automatic blocks.
const ActorSystem = "system"

// countsTTL bounds how stale the block totals fed to the emergency trigger
// may be.
const countsTTL = time.Second

// Emergency is the part of the coordinator the blocker consults.
type Emergency interface {
	IsActive(ctx context.Context) bool
	ObserveViolation(ctx context.Context)
}

// PolicySource is satisfied by *runtimeconfig.Store.
type PolicySource interface {
	IsFeatureEnabled(flag runtimeconfig.Flag) bool
	CacheTTL() runtimeconfig.CacheTTL
}

type BlockRequest struct {
	IP               string
	Reason           string
	BlockedBy        string
	Duration         time.Duration
	IsEmergencyBlock bool
	ViolationCount   int
}

type AllowRequest struct {
	IP        string
	Reason    string
	CreatedBy string
	ExpiresAt *time.Time
}

type Service struct {
	store     kv.Store
	cfg       config.BlockerConfig
	policy    PolicySource
	emergency Emergency
	locks     *psync.ShardedMutex
	sink      observability.Sink
	metrics   *metrics.Metrics
	logger    *slog.Logger

	countsMu sync.Mutex
	counts   cachedCounts
}

type cachedCounts struct {
	at              time.Time
	blocked, urgent int
	valid           bool
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithConfig(cfg config.BlockerConfig) Option {
	return func(s *Service) { s.cfg = cfg }
}

func WithPolicy(p PolicySource) Option {
	return func(s *Service) { s.policy = p }
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
		store:  store,
		cfg:    config.DefaultConfig().Blocker,
		locks:  psync.NewShardedMutex(),
		sink:   observability.Discard{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) inEmergency(ctx context.Context) bool {
	return s.emergency != nil && s.emergency.IsActive(ctx)
}

func (s *Service) flag(f runtimeconfig.Flag) bool {
	return s.policy == nil || s.policy.IsFeatureEnabled(f)
}

func (s *Service) violationWindow() time.Duration {
	if s.policy != nil {
		if d := s.policy.CacheTTL().ViolationWindow(); d > 0 {
			return d
		}
	}
	return s.cfg.ViolationWindow
}

func (s *Service) defaultDuration(emergency bool) time.Duration {
	if s.policy != nil {
		ttl := s.policy.CacheTTL()
		if emergency && ttl.EmergencyBlockSeconds > 0 {
			return ttl.EmergencyBlock()
		}
		if !emergency && ttl.BlockSeconds > 0 {
			return ttl.Block()
		}
	}
	if emergency {
		return s.cfg.EmergencyBlockDuration
	}
	return s.cfg.BlockDuration
}

// Threshold is the violation count that triggers a block in the current mode.
func (s *Service) Threshold(ctx context.Context) int {
	if s.inEmergency(ctx) {
		return s.cfg.EmergencyThreshold
	}
	return s.cfg.Threshold
}

// RecordViolation appends a violation for ip and blocks it when the window
// reaches the threshold. Allowlisted IPs are not counted.
func (s *Service) RecordViolation(ctx context.Context, ip, reason string) (*models.ViolationOutcome, error) {
	ip = models.CanonicalIP(ip)
	if !validIP(ip) {
		return &models.ViolationOutcome{}, nil
	}
	if s.IsAllowlisted(ctx, ip) {
		return &models.ViolationOutcome{}, nil
	}

	var (
		outcome *models.ViolationOutcome
		err     error
	)
	s.locks.WithLock(ip, func() {
		outcome, err = s.recordLocked(ctx, ip, reason)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncrementViolations()
	if s.emergency != nil {
		s.emergency.ObserveViolation(ctx)
	}
	return outcome, nil
}

func (s *Service) recordLocked(ctx context.Context, ip, reason string) (*models.ViolationOutcome, error) {
	now := requestcontext.Now(ctx)
	w, err := s.store.Hit(ctx, models.ViolationKey(ip), 0, s.violationWindow(), now)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "record violation")
	}

	emergency := s.inEmergency(ctx)
	threshold := s.cfg.Threshold
	if emergency {
		threshold = s.cfg.EmergencyThreshold
	}
	outcome := &models.ViolationOutcome{Count: w.Count, Threshold: threshold}

	s.logger.DebugContext(ctx, "violation recorded",
		"ip", ip,
		"reason", reason,
		"count", w.Count,
		"threshold", threshold,
	)

	if w.Count < threshold || !s.flag(runtimeconfig.FlagIPBlocking) {
		return outcome, nil
	}
	if existing, blocked := s.IsBlocked(ctx, ip); blocked {
		outcome.Blocked = true
		outcome.Block = existing
		return outcome, nil
	}

	rec, err := s.BlockIP(ctx, BlockRequest{
		IP:               ip,
		Reason:           fmt.Sprintf("%d violations in %s (last: %s)", w.Count, s.violationWindow(), reason),
		BlockedBy:        ActorSystem,
		IsEmergencyBlock: emergency,
		ViolationCount:   w.Count,
	})
	if err != nil {
		return outcome, err
	}
	outcome.Blocked = true
	outcome.Block = rec
	return outcome, nil
}

// BlockIP stores a block, replacing any existing one for the IP. A
// non-positive duration uses the current mode's default.
func (s *Service) BlockIP(ctx context.Context, req BlockRequest) (*models.BlockedIPRecord, error) {
	ip := models.CanonicalIP(req.IP)
	if !validIP(ip) {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid ip address")
	}
	duration := req.Duration
	if duration <= 0 {
		duration = s.defaultDuration(req.IsEmergencyBlock || s.inEmergency(ctx))
	}
	if req.BlockedBy == "" {
		req.BlockedBy = ActorSystem
	}

	now := requestcontext.Now(ctx)
	if req.ViolationCount == 0 {
		req.ViolationCount = s.ViolationCount(ctx, ip)
	}
	rec := &models.BlockedIPRecord{
		IP:               ip,
		Reason:           req.Reason,
		BlockedAt:        now,
		ExpiresAt:        now.Add(duration),
		ViolationCount:   req.ViolationCount,
		BlockedBy:        req.BlockedBy,
		IsEmergencyBlock: req.IsEmergencyBlock,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encode block record")
	}
	if err := s.store.Set(ctx, models.BlockKey(ip), raw, duration); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "store block record")
	}
	s.invalidateCounts()

	kind := "manual"
	switch {
	case req.BlockedBy == ActorSystem && req.IsEmergencyBlock:
		kind = "emergency"
	case req.BlockedBy == ActorSystem:
		kind = "auto"
	}
	s.metrics.IncrementBlocks(kind)
	s.logger.WarnContext(ctx, "ip blocked",
		"ip", ip,
		"kind", kind,
		"reason", req.Reason,
		"blocked_by", req.BlockedBy,
		"expires_at", rec.ExpiresAt,
	)
	ev := observability.NewEvent(ctx, observability.EventIPBlocked)
	ev.IP = ip
	ev.Actor = req.BlockedBy
	ev.Reason = req.Reason
	ev.Details = map[string]any{
		"kind":            kind,
		"expires_at":      rec.ExpiresAt,
		"violation_count": rec.ViolationCount,
	}
	s.sink.Publish(ctx, ev)
	return rec, nil
}

// IsBlocked returns the active block for ip. Expired records are deleted.
func (s *Service) IsBlocked(ctx context.Context, ip string) (*models.BlockedIPRecord, bool) {
	ip = models.CanonicalIP(ip)
	rec, err := s.load(ctx, models.BlockKey(ip))
	if err != nil {
		if !dErrors.IsNotFound(err) {
			s.logger.WarnContext(ctx, "failed to read block record", "op", "get", "key", models.BlockKey(ip), "error", err)
		}
		return nil, false
	}
	if rec.IsExpired(requestcontext.Now(ctx)) {
		_ = s.store.Delete(ctx, models.BlockKey(ip))
		s.invalidateCounts()
		return nil, false
	}
	return rec, true
}

func (s *Service) load(ctx context.Context, key string) (*models.BlockedIPRecord, error) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec models.BlockedIPRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "decode block record")
	}
	return &rec, nil
}

// UnblockIP lifts the block and clears the violation history. It reports
// whether a block existed.
func (s *Service) UnblockIP(ctx context.Context, ip, by string) (bool, error) {
	ip = models.CanonicalIP(ip)
	if !validIP(ip) {
		return false, dErrors.New(dErrors.CodeValidation, "invalid ip address")
	}
	_, existed := s.IsBlocked(ctx, ip)

	var err error
	s.locks.WithLock(ip, func() {
		err = s.store.Delete(ctx, models.BlockKey(ip), models.ViolationKey(ip))
	})
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeUnavailable, "delete block record")
	}
	s.invalidateCounts()

	if existed {
		s.logger.InfoContext(ctx, "ip unblocked", "ip", ip, "unblocked_by", by)
		ev := observability.NewEvent(ctx, observability.EventIPUnblocked)
		ev.IP = ip
		ev.Actor = by
		s.sink.Publish(ctx, ev)
	}
	return existed, nil
}

// GetBlockedIPs lists unexpired blocks, newest first.
func (s *Service) GetBlockedIPs(ctx context.Context) ([]*models.BlockedIPRecord, error) {
	keys, err := s.store.Keys(ctx, models.PrefixBlock)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "list block records")
	}
	now := requestcontext.Now(ctx)
	records := make([]*models.BlockedIPRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := s.load(ctx, key)
		if err != nil {
			continue
		}
		if rec.IsExpired(now) {
			continue
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].BlockedAt.After(records[j].BlockedAt)
	})
	return records, nil
}

// Counts returns the number of unexpired blocks and how many of them were
// issued in emergency mode. Totals are cached for countsTTL.
func (s *Service) Counts(ctx context.Context) (blocked, emergencyBlocks int) {
	now := requestcontext.Now(ctx)
	s.countsMu.Lock()
	c := s.counts
	s.countsMu.Unlock()
	if c.valid && now.Sub(c.at) < countsTTL && !now.Before(c.at) {
		return c.blocked, c.urgent
	}

	records, err := s.GetBlockedIPs(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to count blocks", "error", err)
		return c.blocked, c.urgent
	}
	for _, rec := range records {
		blocked++
		if rec.IsEmergencyBlock {
			emergencyBlocks++
		}
	}
	s.countsMu.Lock()
	s.counts = cachedCounts{at: now, blocked: blocked, urgent: emergencyBlocks, valid: true}
	s.countsMu.Unlock()
	s.metrics.SetBlockedIPs(blocked)
	return blocked, emergencyBlocks
}

func (s *Service) invalidateCounts() {
	s.countsMu.Lock()
	s.counts.valid = false
	s.countsMu.Unlock()
}

// ViolationCount is the number of violations in ip's current window.
func (s *Service) ViolationCount(ctx context.Context, ip string) int {
	ip = models.CanonicalIP(ip)
	n, err := s.store.Count(ctx, models.ViolationKey(ip), s.violationWindow(), requestcontext.Now(ctx))
	if err != nil {
		s.logger.WarnContext(ctx, "failed to count violations", "op", "count", "key", models.ViolationKey(ip), "error", err)
		return 0
	}
	return n
}

// Allow adds ip to the allowlist, replacing an existing entry.
func (s *Service) Allow(ctx context.Context, req AllowRequest) (*models.AllowlistEntry, error) {
	ip := models.CanonicalIP(req.IP)
	if !validIP(ip) {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid ip address")
	}
	now := requestcontext.Now(ctx)
	var ttl time.Duration
	if req.ExpiresAt != nil {
		ttl = req.ExpiresAt.Sub(now)
		if ttl <= 0 {
			return nil, dErrors.New(dErrors.CodeValidation, "expires_at must be in the future")
		}
	}
	entry := &models.AllowlistEntry{
		IP:        ip,
		Reason:    req.Reason,
		CreatedAt: now,
		CreatedBy: req.CreatedBy,
		ExpiresAt: req.ExpiresAt,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encode allowlist entry")
	}
	if err := s.store.Set(ctx, models.AllowlistKey(ip), raw, ttl); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "store allowlist entry")
	}

	s.logger.InfoContext(ctx, "ip allowlisted", "ip", ip, "created_by", req.CreatedBy, "reason", req.Reason)
	ev := observability.NewEvent(ctx, observability.EventAllowlistChanged)
	ev.IP = ip
	ev.Actor = req.CreatedBy
	ev.Reason = req.Reason
	ev.Details = map[string]any{"action": "add"}
	s.sink.Publish(ctx, ev)
	return entry, nil
}

// Disallow removes ip from the allowlist and reports whether it was present.
func (s *Service) Disallow(ctx context.Context, ip, by string) (bool, error) {
	ip = models.CanonicalIP(ip)
	if !validIP(ip) {
		return false, dErrors.New(dErrors.CodeValidation, "invalid ip address")
	}
	existed := s.IsAllowlisted(ctx, ip)
	if err := s.store.Delete(ctx, models.AllowlistKey(ip)); err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeUnavailable, "delete allowlist entry")
	}
	if existed {
		ev := observability.NewEvent(ctx, observability.EventAllowlistChanged)
		ev.IP = ip
		ev.Actor = by
		ev.Details = map[string]any{"action": "remove"}
		s.sink.Publish(ctx, ev)
	}
	return existed, nil
}

func (s *Service) IsAllowlisted(ctx context.Context, ip string) bool {
	entry, err := s.loadAllow(ctx, models.AllowlistKey(models.CanonicalIP(ip)))
	if err != nil {
		return false
	}
	return !entry.IsExpired(requestcontext.Now(ctx))
}

func (s *Service) loadAllow(ctx context.Context, key string) (*models.AllowlistEntry, error) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var entry models.AllowlistEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "decode allowlist entry")
	}
	return &entry, nil
}

// ListAllowlisted returns unexpired entries, newest first.
func (s *Service) ListAllowlisted(ctx context.Context) ([]*models.AllowlistEntry, error) {
	keys, err := s.store.Keys(ctx, models.PrefixAllowlist)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "list allowlist entries")
	}
	now := requestcontext.Now(ctx)
	entries := make([]*models.AllowlistEntry, 0, len(keys))
	for _, key := range keys {
		entry, err := s.loadAllow(ctx, key)
		if err != nil || entry.IsExpired(now) {
			continue
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

func validIP(ip string) bool {
	_, err := netip.ParseAddr(ip)
	return err == nil
}
