// Package metrics holds the Prometheus instruments of the abuse chain. All
// methods are safe on a nil *Metrics so components can run unmetered in
// tests.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	RateLimitDecisions     *prometheus.CounterVec
	ViolationsRecorded     prometheus.Counter
	IPBlocks               *prometheus.CounterVec
	BlockedIPs             prometheus.Gauge
	BlockedRequests        prometheus.Counter
	SuspiciousHits         *prometheus.CounterVec
	EmergencyActive        prometheus.Gauge
	EmergencyTransitions   *prometheus.CounterVec
	CaptchaDecisions       *prometheus.CounterVec
	CaptchaVerifications   *prometheus.CounterVec
	IdempotencyOutcomes    *prometheus.CounterVec
	CacheFallbacks         *prometheus.CounterVec
	RuntimeConfigVersion   prometheus.Gauge
	CleanupRuns            *prometheus.CounterVec
	CleanupDurationSeconds prometheus.Histogram
	CleanupRemoved         prometheus.Counter
}

// New registers the instruments with reg. Pass a fresh prometheus.Registry
// in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RateLimitDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_ratelimit_decisions_total",
			Help: "Sliding-window decisions by scope and outcome",
		}, []string{"scope", "outcome"}),
		ViolationsRecorded: f.NewCounter(prometheus.CounterOpts{
			Name: "bulwark_violations_recorded_total",
			Help: "Violations recorded against client IPs",
		}),
		IPBlocks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_ip_blocks_total",
			Help: "IP blocks issued by kind (auto, emergency, manual)",
		}, []string{"kind"}),
		BlockedIPs: f.NewGauge(prometheus.GaugeOpts{
			Name: "bulwark_blocked_ips",
			Help: "Unexpired IP blocks at last evaluation",
		}),
		BlockedRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "bulwark_blocked_requests_total",
			Help: "Requests rejected because the client IP is blocked",
		}),
		SuspiciousHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_suspicious_hits_total",
			Help: "Suspicious-pattern detections by heuristic",
		}, []string{"heuristic"}),
		EmergencyActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "bulwark_emergency_active",
			Help: "1 while emergency mode is active",
		}),
		EmergencyTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_emergency_transitions_total",
			Help: "Emergency mode transitions by target state and trigger",
		}, []string{"to", "trigger"}),
		CaptchaDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_captcha_decisions_total",
			Help: "CAPTCHA decisions by reason and outcome",
		}, []string{"reason", "required"}),
		CaptchaVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_captcha_verifications_total",
			Help: "CAPTCHA token verifications by result",
		}, []string{"result"}),
		IdempotencyOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_idempotency_requests_total",
			Help: "Idempotency cache outcomes (hit, miss, stored, bypass, error)",
		}, []string{"outcome"}),
		CacheFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_cache_fallbacks_total",
			Help: "Shared cache operations served from local state",
		}, []string{"op"}),
		RuntimeConfigVersion: f.NewGauge(prometheus.GaugeOpts{
			Name: "bulwark_runtime_config_version",
			Help: "Version of the runtime config in force",
		}),
		CleanupRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_cleanup_runs_total",
			Help: "Total number of cleanup runs",
		}, []string{"status"}),
		CleanupDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name: "bulwark_cleanup_duration_seconds",
			Help: "Duration of cleanup runs in seconds",
		}),
		CleanupRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "bulwark_cleanup_removed_total",
			Help: "Expired entries removed by the cleanup worker",
		}),
	}
}

func (m *Metrics) ObserveRateLimit(scope string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.RateLimitDecisions.WithLabelValues(scope, outcome).Inc()
}

func (m *Metrics) IncrementViolations() {
	if m == nil {
		return
	}
	m.ViolationsRecorded.Inc()
}

func (m *Metrics) IncrementBlocks(kind string) {
	if m == nil {
		return
	}
	m.IPBlocks.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetBlockedIPs(n int) {
	if m == nil {
		return
	}
	m.BlockedIPs.Set(float64(n))
}

func (m *Metrics) IncrementBlockedRequests() {
	if m == nil {
		return
	}
	m.BlockedRequests.Inc()
}

func (m *Metrics) IncrementSuspicious(heuristic string) {
	if m == nil {
		return
	}
	m.SuspiciousHits.WithLabelValues(heuristic).Inc()
}

func (m *Metrics) SetEmergency(active bool, trigger string) {
	if m == nil {
		return
	}
	to := "normal"
	if active {
		to = "emergency"
		m.EmergencyActive.Set(1)
	} else {
		m.EmergencyActive.Set(0)
	}
	m.EmergencyTransitions.WithLabelValues(to, trigger).Inc()
}

func (m *Metrics) ObserveCaptcha(reason string, required bool) {
	if m == nil {
		return
	}
	m.CaptchaDecisions.WithLabelValues(reason, strconv.FormatBool(required)).Inc()
}

func (m *Metrics) ObserveCaptchaVerification(result string) {
	if m == nil {
		return
	}
	m.CaptchaVerifications.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveIdempotency(outcome string) {
	if m == nil {
		return
	}
	m.IdempotencyOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementCacheFallback(op string) {
	if m == nil {
		return
	}
	m.CacheFallbacks.WithLabelValues(op).Inc()
}

func (m *Metrics) SetRuntimeConfigVersion(v int64) {
	if m == nil {
		return
	}
	m.RuntimeConfigVersion.Set(float64(v))
}

func (m *Metrics) IncrementCleanupRuns(status string) {
	if m == nil {
		return
	}
	m.CleanupRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveCleanupDuration(durationSeconds float64) {
	if m == nil {
		return
	}
	m.CleanupDurationSeconds.Observe(durationSeconds)
}

func (m *Metrics) AddCleanupRemoved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CleanupRemoved.Add(float64(n))
}
