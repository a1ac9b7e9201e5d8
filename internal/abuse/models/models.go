package models

import (
	"time"
)

// Scope names a rate-limit budget in the runtime config ("api", "auth", ...).
type Scope string

const (
	ScopeAPI     Scope = "api"
	ScopeAuth    Scope = "auth"
	ScopeLeads   Scope = "leads"
	ScopeBids    Scope = "bids"
	ScopeSearch  Scope = "search"
	ScopeUploads Scope = "uploads"
	ScopeAdmin   Scope = "admin"
)

// Roles that carry a rate-limit multiplier.
const (
	RoleAdmin   = "ADMIN"
	RoleManager = "MANAGER"
)

// RoleMultiplier returns the budget multiplier for role; unknown roles get 1.
func RoleMultiplier(role string) float64 {
	switch role {
	case RoleAdmin:
		return 5
	case RoleManager:
		return 3
	default:
		return 1
	}
}

// Subject identifies who a scoped limit applies to.
type Subject struct {
	IP     string
	UserID string
	Role   string
}

type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	// RetryAfter is whole seconds until ResetAt, set only on denial.
	RetryAfter int `json:"retryAfter,omitempty"`
	// Bypassed is set when the limiter is switched off by feature flag.
	Bypassed bool `json:"-"`
}

// ViolationOutcome is returned by RecordViolation.
type ViolationOutcome struct {
	Count     int              `json:"count"`
	Threshold int              `json:"threshold"`
	Blocked   bool             `json:"blocked"`
	Block     *BlockedIPRecord `json:"block,omitempty"`
}

// BlockedIPRecord is the single active block for an IP. A new block replaces it.
type BlockedIPRecord struct {
	IP               string    `json:"ip"`
	Reason           string    `json:"reason"`
	BlockedAt        time.Time `json:"blockedAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
	ViolationCount   int       `json:"violationCount"`
	BlockedBy        string    `json:"blockedBy,omitempty"`
	IsEmergencyBlock bool      `json:"isEmergencyBlock"`
}

// IsExpired reports whether the block no longer applies at now.
func (r *BlockedIPRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// RetryAfter is whole seconds until the block lifts, at least 1.
func (r *BlockedIPRecord) RetryAfter(now time.Time) int {
	return SecondsUntil(now, r.ExpiresAt)
}

// AllowlistEntry exempts an IP from the abuse chain.
type AllowlistEntry struct {
	IP        string     `json:"ip"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"createdAt"`
	CreatedBy string     `json:"createdBy,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (e *AllowlistEntry) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// EmergencyStatus is the coordinator's singleton state. When IsActive is
// false every field except AutoActivated is nil.
type EmergencyStatus struct {
	IsActive      bool       `json:"isActive"`
	ActivatedAt   *time.Time `json:"activatedAt,omitempty"`
	ActivatedBy   *string    `json:"activatedBy,omitempty"`
	Reason        *string    `json:"reason,omitempty"`
	AutoActivated bool       `json:"autoActivated"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// IsExpired reports whether an active window has passed its expiry.
func (s EmergencyStatus) IsExpired(now time.Time) bool {
	return s.IsActive && s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// AttackMetrics is derived on demand from block and violation state.
type AttackMetrics struct {
	BlockedIPsCount      int `json:"blockedIPsCount"`
	ViolationsLastMinute int `json:"violationsLastMinute"`
	ViolationsLastHour   int `json:"violationsLastHour"`
	EmergencyBlocksCount int `json:"emergencyBlocksCount"`
}

// CaptchaReason explains a CAPTCHA decision; it is sent as X-Captcha-Reason.
type CaptchaReason string

const (
	CaptchaNeverRequirePath   CaptchaReason = "never_require_path"
	CaptchaEmergencyMode      CaptchaReason = "emergency_mode"
	CaptchaEmergencyChallenge CaptchaReason = "emergency_challenge"
	CaptchaSuspiciousIP       CaptchaReason = "suspicious_ip"
	CaptchaAlwaysRequirePath  CaptchaReason = "always_require_path"
	CaptchaBaseRate           CaptchaReason = "base_rate"
	CaptchaNotRequired        CaptchaReason = "not_required"
	CaptchaDisabled           CaptchaReason = "disabled"
)

type CaptchaDecision struct {
	Required bool          `json:"required"`
	Reason   CaptchaReason `json:"reason"`
}

// SecondsUntil returns whole seconds from now until t, rounded up, at least 1.
func SecondsUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 1
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
