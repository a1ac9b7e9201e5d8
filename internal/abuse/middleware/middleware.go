// Package middleware runs the abuse checkpoints in order: allowlist bypass,
// IP block, suspicious-pattern detection, CAPTCHA on protected paths, and the
// sliding-window limiter.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"bulwark/internal/abuse/config"
	"bulwark/internal/abuse/detector"
	"bulwark/internal/abuse/metrics"
	"bulwark/internal/abuse/models"
	"bulwark/pkg/platform/httputil"
	"bulwark/pkg/platform/privacy"
	"bulwark/pkg/requestcontext"
	"bulwark/pkg/validation"
)

const (
	HeaderEmergencyMode = "X-Emergency-Mode"
	HeaderCaptchaReason = "X-Captcha-Reason"
	HeaderCaptchaToken  = "X-Captcha-Token"

	// MaxTokenPeek bounds how much of a JSON body is read to find captchaToken.
	MaxTokenPeek = validation.MaxBodySize
)

type Blocker interface {
	IsAllowlisted(ctx context.Context, ip string) bool
	IsBlocked(ctx context.Context, ip string) (*models.BlockedIPRecord, bool)
}

type Detector interface {
	Inspect(ctx context.Context, ip, ua string) *detector.Assessment
	IsSuspicious(ctx context.Context, ip string) bool
}

type Captcha interface {
	IsProtected(path string) bool
	ShouldRequire(ctx context.Context, ip, path string, isSuspicious bool) models.CaptchaDecision
	Verify(ctx context.Context, token, ip string) (bool, error)
}

type Limiter interface {
	CheckScope(ctx context.Context, scope models.Scope, subject models.Subject) *models.RateLimitResult
}

type Emergency interface {
	IsActive(ctx context.Context) bool
}

// Services are the checkpoints the chain consults. Any nil member skips its
// checkpoint.
type Services struct {
	Blocker   Blocker
	Detector  Detector
	Captcha   Captcha
	Limiter   Limiter
	Emergency Emergency
}

type Middleware struct {
	svc     Services
	routes  *config.Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Option func(*Middleware)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Middleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRoutes sets the path-to-scope table.
func WithRoutes(cfg *config.Config) Option {
	return func(m *Middleware) {
		if cfg != nil {
			m.routes = cfg
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Middleware) { m.metrics = mt }
}

func New(svc Services, opts ...Option) *Middleware {
	m := &Middleware{
		svc:    svc,
		routes: config.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := requestcontext.ClientIP(ctx)

		emergency := m.svc.Emergency != nil && m.svc.Emergency.IsActive(ctx)
		if emergency {
			w.Header().Set(HeaderEmergencyMode, "active")
		}

		if m.svc.Blocker != nil {
			if m.svc.Blocker.IsAllowlisted(ctx, ip) {
				next.ServeHTTP(w, r)
				return
			}
			if m.denyBlocked(w, r, ip, emergency) {
				return
			}
		}

		var assessment *detector.Assessment
		if m.svc.Detector != nil {
			assessment = m.svc.Detector.Inspect(ctx, ip, requestcontext.UserAgent(ctx))
			if assessment.Burst && m.svc.Blocker != nil && m.denyBlocked(w, r, ip, emergency) {
				return
			}
		}

		if m.svc.Captcha != nil && m.svc.Captcha.IsProtected(r.URL.Path) {
			if !m.checkCaptcha(w, r, ip, assessment) {
				return
			}
		}

		if m.svc.Limiter != nil {
			scope := m.routes.ScopeFor(r.Method, r.URL.Path)
			res := m.svc.Limiter.CheckScope(ctx, scope, subjectFor(ctx, ip))
			if !res.Bypassed {
				setRateLimitHeaders(w, res)
			}
			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
				writeDenial(w, http.StatusTooManyRequests, models.ErrorResponse{
					Code:          models.CodeRateLimitExceeded,
					Message:       "Too many requests. Please try again later.",
					RetryAfter:    &res.RetryAfter,
					EmergencyMode: emergencyFlag(emergency),
				})
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) denyBlocked(w http.ResponseWriter, r *http.Request, ip string, emergency bool) bool {
	ctx := r.Context()
	rec, blocked := m.svc.Blocker.IsBlocked(ctx, ip)
	if !blocked {
		return false
	}
	m.metrics.IncrementBlockedRequests()
	retryAfter := rec.RetryAfter(requestcontext.Now(ctx))
	m.logger.InfoContext(ctx, "blocked ip rejected",
		"ip_prefix", privacy.AnonymizeIP(ip),
		"path", r.URL.Path,
		"retry_after", retryAfter,
		"request_id", requestcontext.RequestID(ctx),
	)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeDenial(w, http.StatusForbidden, models.ErrorResponse{
		Code:          models.CodeIPBlocked,
		Message:       "Access from this IP address is temporarily blocked.",
		RetryAfter:    &retryAfter,
		EmergencyMode: emergencyFlag(emergency),
	})
	return true
}

// checkCaptcha returns false when it has written a denial.
func (m *Middleware) checkCaptcha(w http.ResponseWriter, r *http.Request, ip string, a *detector.Assessment) bool {
	ctx := r.Context()
	suspicious := a != nil && a.Flagged
	if !suspicious && m.svc.Detector != nil {
		suspicious = m.svc.Detector.IsSuspicious(ctx, ip)
	}
	decision := m.svc.Captcha.ShouldRequire(ctx, ip, r.URL.Path, suspicious)
	w.Header().Set(HeaderCaptchaReason, string(decision.Reason))
	if !decision.Required {
		return true
	}

	token := captchaToken(r)
	if token == "" {
		writeDenial(w, http.StatusBadRequest, models.ErrorResponse{
			Code:    models.CodeCaptchaRequired,
			Message: "A CAPTCHA token is required for this request.",
		})
		return false
	}
	ok, err := m.svc.Captcha.Verify(ctx, token, ip)
	if err != nil {
		m.logger.WarnContext(ctx, "captcha verification unavailable, allowing request",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		return true
	}
	if !ok {
		writeDenial(w, http.StatusBadRequest, models.ErrorResponse{
			Code:    models.CodeCaptchaFailed,
			Message: "CAPTCHA verification failed.",
		})
		return false
	}
	return true
}

// captchaToken reads captchaToken from a JSON body, restoring the body for
// the handler, and falls back to the X-Captcha-Token header.
func captchaToken(r *http.Request) string {
	if token := tokenFromBody(r); token != "" {
		return token
	}
	return r.Header.Get(HeaderCaptchaToken)
}

func tokenFromBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return ""
	}
	peek, err := io.ReadAll(io.LimitReader(r.Body, MaxTokenPeek+1))
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(peek), r.Body), Closer: r.Body}
	if err != nil || len(peek) > MaxTokenPeek {
		return ""
	}
	var body struct {
		CaptchaToken string `json:"captchaToken"`
	}
	if json.Unmarshal(peek, &body) != nil {
		return ""
	}
	return body.CaptchaToken
}

type readCloser struct {
	io.Reader
	io.Closer
}

func subjectFor(ctx context.Context, ip string) models.Subject {
	subject := models.Subject{IP: ip}
	if identity, ok := requestcontext.GetIdentity(ctx); ok {
		subject.UserID = identity.UserID
		subject.Role = identity.Role
	}
	return subject
}

func setRateLimitHeaders(w http.ResponseWriter, res *models.RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

func emergencyFlag(active bool) *bool {
	if !active {
		return nil
	}
	return &active
}

func writeDenial(w http.ResponseWriter, status int, body models.ErrorResponse) {
	httputil.WriteJSON(w, status, body)
}
