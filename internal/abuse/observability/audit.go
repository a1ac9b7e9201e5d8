// Package observability carries security events out of the abuse chain:
// structured audit logs, plus an optional Kafka topic for downstream SIEMs.
package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bulwark/internal/platform/kafka/producer"
	"bulwark/pkg/requestcontext"
)

type EventType string

const (
	EventRateLimited          EventType = "rate_limited"
	EventViolationRecorded    EventType = "violation_recorded"
	EventIPBlocked            EventType = "ip_blocked"
	EventIPUnblocked          EventType = "ip_unblocked"
	EventBlockedRequest       EventType = "blocked_request"
	EventSuspiciousActivity   EventType = "suspicious_activity"
	EventEmergencyActivated   EventType = "emergency_activated"
	EventEmergencyDeactivated EventType = "emergency_deactivated"
	EventCaptchaFailed        EventType = "captcha_failed"
	EventAllowlistChanged     EventType = "allowlist_changed"
	EventConfigChanged        EventType = "config_changed"
)

// Event is one security-relevant occurrence.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"requestId,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Scope     string         `json:"scope,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Sink receives events. Publish must not block the request path.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// NewEvent fills ID, timestamp and request ID from ctx.
func NewEvent(ctx context.Context, typ EventType) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: requestcontext.Now(ctx).UTC(),
		RequestID: requestcontext.RequestID(ctx),
	}
}

// LogSink writes events through slog with log_type=audit.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, ev Event) {
	args := []any{"event", string(ev.Type), "log_type", "audit", "event_id", ev.ID}
	if ev.RequestID != "" {
		args = append(args, "request_id", ev.RequestID)
	}
	if ev.IP != "" {
		args = append(args, "ip", ev.IP)
	}
	if ev.UserID != "" {
		args = append(args, "user_id", ev.UserID)
	}
	if ev.Actor != "" {
		args = append(args, "actor", ev.Actor)
	}
	if ev.Scope != "" {
		args = append(args, "scope", ev.Scope)
	}
	if ev.Reason != "" {
		args = append(args, "reason", ev.Reason)
	}
	for k, v := range ev.Details {
		args = append(args, k, v)
	}
	s.logger.InfoContext(ctx, string(ev.Type), args...)
}

// Producer is the subset of the Kafka producer the sink needs.
type Producer interface {
	ProduceAsync(msg *producer.Message) error
}

// KafkaSink produces events as JSON keyed by client IP, so one IP's events
// stay ordered within a partition.
type KafkaSink struct {
	producer Producer
	topic    string
	logger   *slog.Logger
}

func NewKafkaSink(p Producer, topic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{producer: p, topic: topic, logger: logger}
}

func (s *KafkaSink) Publish(ctx context.Context, ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		s.logger.WarnContext(ctx, "marshal security event", "event", ev.Type, "error", err)
		return
	}
	msg := &producer.Message{
		Topic: s.topic,
		Key:   []byte(ev.IP),
		Value: value,
		Headers: map[string]string{
			"event_type": string(ev.Type),
		},
	}
	if err := s.producer.ProduceAsync(msg); err != nil {
		s.logger.WarnContext(ctx, "failed to produce security event", "event", ev.Type, "error", err)
	}
}

// Multi fans an event out to every sink.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, ev)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
