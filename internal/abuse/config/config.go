// Package config holds the static abuse-policy defaults. Budgets, feature
// flags and cache TTLs are tuned at runtime through runtimeconfig instead.
package config

import (
	"net/http"
	"strings"
	"time"

	"bulwark/internal/abuse/models"
)

type Config struct {
	Blocker   BlockerConfig
	Emergency EmergencyConfig
	Detector  DetectorConfig
	Captcha   CaptchaConfig
	Routes    []Route
}

type BlockerConfig struct {
	ViolationWindow        time.Duration // 5 minutes
	Threshold              int           // 50 violations per window
	EmergencyThreshold     int           // 20 violations per window while in emergency mode
	BlockDuration          time.Duration // 1 hour
	EmergencyBlockDuration time.Duration // 2 hours
}

type EmergencyConfig struct {
	AutoActivationThreshold      int           // blocked IPs
	ViolationsPerMinuteThreshold int           // violations in the trailing minute
	DefaultAutoDuration          time.Duration // expiry applied to auto activations
	SweepInterval                time.Duration
	Policy                       models.EmergencyPolicy
}

type DetectorConfig struct {
	UserAgentDenylist     []string
	BurstPerSecond        float64
	BurstSize             int
	SuspiciousWindow      time.Duration
	SuspiciousHitsToFlag  int // hits within SuspiciousWindow that mark an IP suspicious
	SuspiciousIPThreshold int // distinct suspicious IPs that trigger emergency mode
	IdleTTL               time.Duration
}

type CaptchaConfig struct {
	BaseChallengeRate       float64
	EmergencyChallengeRate  float64
	SuspiciousChallengeRate float64
	NeverRequirePaths       []string
	AlwaysRequirePaths      []string
	// ProtectedPaths are the endpoints the CAPTCHA checkpoint runs on.
	ProtectedPaths []string
}

// Route maps a request onto a rate-limit scope. Method "" matches any method;
// Prefix matches when the path equals it or continues with '/'.
type Route struct {
	Method string
	Prefix string
	Scope  models.Scope
}

func DefaultConfig() *Config {
	return &Config{
		Blocker: BlockerConfig{
			ViolationWindow:        5 * time.Minute,
			Threshold:              50,
			EmergencyThreshold:     20,
			BlockDuration:          time.Hour,
			EmergencyBlockDuration: 2 * time.Hour,
		},
		Emergency: EmergencyConfig{
			AutoActivationThreshold:      20,
			ViolationsPerMinuteThreshold: 100,
			DefaultAutoDuration:          time.Hour,
			SweepInterval:                30 * time.Second,
			Policy: models.EmergencyPolicy{
				RateLimitMultiplier: 0.5,
				WindowMultiplier:    2.0,
				RequireCaptcha:      true,
			},
		},
		Detector: DetectorConfig{
			UserAgentDenylist: []string{
				"curl", "wget", "python-requests", "python-urllib", "scrapy",
				"httpclient", "go-http-client", "java/", "libwww", "nikto",
				"sqlmap", "masscan", "zgrab", "headless", "phantomjs",
				"selenium", "bot", "spider", "crawler",
			},
			BurstPerSecond:        10,
			BurstSize:             10,
			SuspiciousWindow:      30 * time.Minute,
			SuspiciousHitsToFlag:  3,
			SuspiciousIPThreshold: 50,
			IdleTTL:               10 * time.Minute,
		},
		Captcha: CaptchaConfig{
			BaseChallengeRate:       0.0,
			EmergencyChallengeRate:  1.0,
			SuspiciousChallengeRate: 0.8,
			NeverRequirePaths:       []string{"/health*", "/metrics", "/api/webhooks/*"},
			AlwaysRequirePaths:      []string{"/api/auth/register", "/api/auth/forgot-password"},
			ProtectedPaths: []string{
				"/api/auth/login", "/api/auth/register", "/api/auth/forgot-password",
				"/api/leads", "/api/bids", "/api/contact",
			},
		},
		Routes: []Route{
			{Prefix: "/api/auth", Scope: models.ScopeAuth},
			{Method: http.MethodPost, Prefix: "/api/leads", Scope: models.ScopeLeads},
			{Method: http.MethodPost, Prefix: "/api/bids", Scope: models.ScopeBids},
			{Prefix: "/api/search", Scope: models.ScopeSearch},
			{Prefix: "/api/uploads", Scope: models.ScopeUploads},
			{Prefix: "/api/admin", Scope: models.ScopeAdmin},
		},
	}
}

// ScopeFor returns the first matching route's scope, or ScopeAPI.
func (c *Config) ScopeFor(method, path string) models.Scope {
	for _, route := range c.Routes {
		if route.Method != "" && route.Method != method {
			continue
		}
		if path == route.Prefix || strings.HasPrefix(path, route.Prefix+"/") {
			return route.Scope
		}
	}
	return models.ScopeAPI
}
