package models

import "time"

// Denial codes carried in ErrorResponse.Code.
const (
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeIPBlocked         = "IP_BLOCKED"
	CodeCaptchaRequired   = "CAPTCHA_REQUIRED"
	CodeCaptchaFailed     = "CAPTCHA_FAILED"
)

// ErrorResponse is the body of every policy denial.
type ErrorResponse struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	RetryAfter    *int   `json:"retryAfter,omitempty"`
	EmergencyMode *bool  `json:"emergencyMode,omitempty"`
}

type BlockedIPsResponse struct {
	BlockedIPs []*BlockedIPRecord `json:"blockedIPs"`
	Count      int                `json:"count"`
}

type IPStatusResponse struct {
	IP             string           `json:"ip"`
	Blocked        bool             `json:"blocked"`
	Block          *BlockedIPRecord `json:"block,omitempty"`
	Allowlisted    bool             `json:"allowlisted"`
	ViolationCount int              `json:"violationCount"`
	SuspiciousHits int              `json:"suspiciousHits"`
	Suspicious     bool             `json:"suspicious"`
}

type AllowlistResponse struct {
	Entries []*AllowlistEntry `json:"entries"`
	Count   int               `json:"count"`
}

// EmergencyPolicy is the tightening applied while emergency mode is active.
type EmergencyPolicy struct {
	RateLimitMultiplier float64 `json:"rateLimitMultiplier"`
	WindowMultiplier    float64 `json:"windowMultiplier"`
	RequireCaptcha      bool    `json:"requireCaptcha"`
}

type EmergencyResponse struct {
	Status EmergencyStatus `json:"status"`
	Policy EmergencyPolicy `json:"policy"`
}

type MetricsResponse struct {
	AttackMetrics
	EmergencyMode         bool      `json:"emergencyMode"`
	DistinctSuspiciousIPs int       `json:"distinctSuspiciousIPs"`
	GeneratedAt           time.Time `json:"generatedAt"`
}
