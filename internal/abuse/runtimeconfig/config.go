// Package runtimeconfig holds the runtime-tunable abuse policy: rate-limit
// budgets, feature flags and cache TTLs. Updates are schema-validated,
// versioned and published atomically; readers never take a lock.
package runtimeconfig

import (
	"maps"
	"time"

	"bulwark/internal/abuse/models"
)

// Section names a top-level part of the config. Change events are per section.
type Section string

const (
	SectionRateLimits   Section = "rateLimits"
	SectionFeatureFlags Section = "featureFlags"
	SectionCacheTTL     Section = "cacheTTL"
)

// Sections lists every section in a stable order.
var Sections = []Section{SectionRateLimits, SectionFeatureFlags, SectionCacheTTL}

// Flag names a feature flag as it appears in the JSON document.
type Flag string

const (
	FlagRateLimiting            Flag = "rateLimiting"
	FlagIPBlocking              Flag = "ipBlocking"
	FlagSuspiciousDetection     Flag = "suspiciousDetection"
	FlagCaptcha                 Flag = "captcha"
	FlagEmergencyAutoActivation Flag = "emergencyAutoActivation"
	FlagIdempotency             Flag = "idempotency"
)

// Budget is a sliding-window allowance: MaxAttempts per WindowMs.
type Budget struct {
	MaxAttempts int   `json:"maxAttempts"`
	WindowMs    int64 `json:"windowMs"`
}

func (b Budget) Window() time.Duration {
	return time.Duration(b.WindowMs) * time.Millisecond
}

type FeatureFlags struct {
	RateLimiting            bool `json:"rateLimiting"`
	IPBlocking              bool `json:"ipBlocking"`
	SuspiciousDetection     bool `json:"suspiciousDetection"`
	Captcha                 bool `json:"captcha"`
	EmergencyAutoActivation bool `json:"emergencyAutoActivation"`
	Idempotency             bool `json:"idempotency"`
}

// Enabled reports the value of flag; unknown flags are off.
func (f FeatureFlags) Enabled(flag Flag) bool {
	switch flag {
	case FlagRateLimiting:
		return f.RateLimiting
	case FlagIPBlocking:
		return f.IPBlocking
	case FlagSuspiciousDetection:
		return f.SuspiciousDetection
	case FlagCaptcha:
		return f.Captcha
	case FlagEmergencyAutoActivation:
		return f.EmergencyAutoActivation
	case FlagIdempotency:
		return f.Idempotency
	default:
		return false
	}
}

// CacheTTL holds lifetimes, in seconds, of the state the abuse chain keeps.
type CacheTTL struct {
	IdempotencySeconds      int `json:"idempotencySeconds"`
	ViolationWindowSeconds  int `json:"violationWindowSeconds"`
	SuspiciousWindowSeconds int `json:"suspiciousWindowSeconds"`
	BlockSeconds            int `json:"blockSeconds"`
	EmergencyBlockSeconds   int `json:"emergencyBlockSeconds"`
}

func (c CacheTTL) Idempotency() time.Duration      { return seconds(c.IdempotencySeconds) }
func (c CacheTTL) ViolationWindow() time.Duration  { return seconds(c.ViolationWindowSeconds) }
func (c CacheTTL) SuspiciousWindow() time.Duration { return seconds(c.SuspiciousWindowSeconds) }
func (c CacheTTL) Block() time.Duration            { return seconds(c.BlockSeconds) }
func (c CacheTTL) EmergencyBlock() time.Duration   { return seconds(c.EmergencyBlockSeconds) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Snapshot is one published version of the runtime config.
type Snapshot struct {
	RateLimits   map[string]Budget `json:"rateLimits"`
	FeatureFlags FeatureFlags      `json:"featureFlags"`
	CacheTTL     CacheTTL          `json:"cacheTTL"`
	Version      int64             `json:"version"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

func (s *Snapshot) clone() *Snapshot {
	out := *s
	out.RateLimits = maps.Clone(s.RateLimits)
	return &out
}

// document is the schema-validated part of a snapshot.
type document struct {
	RateLimits   map[string]Budget `json:"rateLimits"`
	FeatureFlags FeatureFlags      `json:"featureFlags"`
	CacheTTL     CacheTTL          `json:"cacheTTL"`
}

func (s *Snapshot) document() document {
	return document{RateLimits: s.RateLimits, FeatureFlags: s.FeatureFlags, CacheTTL: s.CacheTTL}
}

// Defaults returns the compiled-in config at version 1.
func Defaults() *Snapshot {
	return &Snapshot{
		RateLimits: map[string]Budget{
			string(models.ScopeAPI):     {MaxAttempts: 100, WindowMs: time.Minute.Milliseconds()},
			string(models.ScopeAuth):    {MaxAttempts: 5, WindowMs: (15 * time.Minute).Milliseconds()},
			string(models.ScopeLeads):   {MaxAttempts: 10, WindowMs: time.Hour.Milliseconds()},
			string(models.ScopeBids):    {MaxAttempts: 30, WindowMs: time.Hour.Milliseconds()},
			string(models.ScopeSearch):  {MaxAttempts: 60, WindowMs: time.Minute.Milliseconds()},
			string(models.ScopeUploads): {MaxAttempts: 20, WindowMs: time.Hour.Milliseconds()},
			string(models.ScopeAdmin):   {MaxAttempts: 300, WindowMs: time.Minute.Milliseconds()},
		},
		FeatureFlags: FeatureFlags{
			RateLimiting:            true,
			IPBlocking:              true,
			SuspiciousDetection:     true,
			Captcha:                 true,
			EmergencyAutoActivation: true,
			Idempotency:             true,
		},
		CacheTTL: CacheTTL{
			IdempotencySeconds:      86400,
			ViolationWindowSeconds:  300,
			SuspiciousWindowSeconds: 1800,
			BlockSeconds:            3600,
			EmergencyBlockSeconds:   7200,
		},
		Version: 1,
	}
}

// FieldError is one schema violation in a rejected update.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// UpdateResult reports the outcome of Update or Reset. Version is the
// version in force after the call.
type UpdateResult struct {
	Success bool         `json:"success"`
	Version int64        `json:"version"`
	Errors  []FieldError `json:"errors,omitempty"`
	Changed []Section    `json:"changed,omitempty"`
}
