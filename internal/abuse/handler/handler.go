// Package handler serves the operator API under /admin/security.
package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"bulwark/internal/abuse/blocker"
	"bulwark/internal/abuse/emergency"
	"bulwark/internal/abuse/models"
	"bulwark/internal/abuse/runtimeconfig"
	dErrors "bulwark/pkg/domain-errors"
	"bulwark/pkg/platform/httputil"
	"bulwark/pkg/platform/middleware/admin"
	"bulwark/pkg/requestcontext"
	"bulwark/pkg/validation"
)

type Blocker interface {
	GetBlockedIPs(ctx context.Context) ([]*models.BlockedIPRecord, error)
	BlockIP(ctx context.Context, req blocker.BlockRequest) (*models.BlockedIPRecord, error)
	UnblockIP(ctx context.Context, ip, by string) (bool, error)
	IsBlocked(ctx context.Context, ip string) (*models.BlockedIPRecord, bool)
	ViolationCount(ctx context.Context, ip string) int
	IsAllowlisted(ctx context.Context, ip string) bool
	Allow(ctx context.Context, req blocker.AllowRequest) (*models.AllowlistEntry, error)
	Disallow(ctx context.Context, ip, by string) (bool, error)
	ListAllowlisted(ctx context.Context) ([]*models.AllowlistEntry, error)
}

type Detector interface {
	SuspiciousHits(ctx context.Context, ip string) int
	IsSuspicious(ctx context.Context, ip string) bool
	DistinctSuspiciousIPs(ctx context.Context) int
}

type Emergency interface {
	Status(ctx context.Context) models.EmergencyStatus
	Policy(ctx context.Context) (models.EmergencyPolicy, bool)
	Activate(ctx context.Context, req emergency.ActivateRequest) (models.EmergencyStatus, error)
	Deactivate(ctx context.Context, by string) (models.EmergencyStatus, bool)
	Metrics(ctx context.Context) models.AttackMetrics
}

type ConfigStore interface {
	Snapshot() *runtimeconfig.Snapshot
	Update(ctx context.Context, partial []byte) *runtimeconfig.UpdateResult
	Reset(ctx context.Context) *runtimeconfig.UpdateResult
}

type Handler struct {
	blocker   Blocker
	detector  Detector
	emergency Emergency
	config    ConfigStore
	logger    *slog.Logger
}

func New(b Blocker, d Detector, e Emergency, c ConfigStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		blocker:   b,
		detector:  d,
		emergency: e,
		config:    c,
		logger:    logger,
	}
}

// Register mounts the routes under /admin/security behind the admin token.
func (h *Handler) Register(r chi.Router, adminToken string) {
	r.Route("/admin/security", func(r chi.Router) {
		r.Use(admin.RequireAdminToken(adminToken, h.logger))

		r.Get("/blocked-ips", h.HandleListBlocked)
		r.Post("/blocked-ips", h.HandleBlock)
		r.Delete("/blocked-ips/{ip}", h.HandleUnblock)
		r.Get("/ips/{ip}", h.HandleIPStatus)

		r.Get("/allowlist", h.HandleListAllowlist)
		r.Post("/allowlist", h.HandleAllow)
		r.Delete("/allowlist/{ip}", h.HandleDisallow)

		r.Get("/emergency", h.HandleEmergencyStatus)
		r.Post("/emergency/activate", h.HandleActivate)
		r.Post("/emergency/deactivate", h.HandleDeactivate)

		r.Get("/metrics", h.HandleMetrics)

		r.Get("/config", h.HandleGetConfig)
		r.Patch("/config", h.HandlePatchConfig)
		r.Post("/config/reset", h.HandleResetConfig)
	})
}

func ipParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "ip")
	ip, err := url.PathUnescape(raw)
	if err != nil {
		return "", dErrors.New(dErrors.CodeBadRequest, "invalid ip parameter")
	}
	return models.CanonicalIP(ip), nil
}

// HandleListBlocked implements GET /admin/security/blocked-ips.
func (h *Handler) HandleListBlocked(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	records, err := h.blocker.GetBlockedIPs(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list blocked ips",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &models.BlockedIPsResponse{BlockedIPs: records, Count: len(records)})
}

// HandleBlock implements POST /admin/security/blocked-ips.
//
// Input: { "ip": "203.0.113.10", "reason": "...", "durationSeconds": 3600 }
func (h *Handler) HandleBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[models.BlockIPRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	actor := admin.ActorID(ctx)
	rec, err := h.blocker.BlockIP(ctx, blocker.BlockRequest{
		IP:        req.IP,
		Reason:    req.Reason,
		BlockedBy: actor,
		Duration:  req.Duration(),
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to block ip",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "admin blocked ip",
		"ip", rec.IP,
		"actor", actor,
		"request_id", requestID,
	)
	httputil.WriteJSON(w, http.StatusCreated, rec)
}

// HandleUnblock implements DELETE /admin/security/blocked-ips/{ip}.
func (h *Handler) HandleUnblock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip, err := ipParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	existed, err := h.blocker.UnblockIP(ctx, ip, admin.ActorID(ctx))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !existed {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "ip is not blocked"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleIPStatus implements GET /admin/security/ips/{ip}.
func (h *Handler) HandleIPStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip, err := ipParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rec, blocked := h.blocker.IsBlocked(ctx, ip)
	resp := &models.IPStatusResponse{
		IP:             ip,
		Blocked:        blocked,
		Block:          rec,
		Allowlisted:    h.blocker.IsAllowlisted(ctx, ip),
		ViolationCount: h.blocker.ViolationCount(ctx, ip),
	}
	if h.detector != nil {
		resp.SuspiciousHits = h.detector.SuspiciousHits(ctx, ip)
		resp.Suspicious = h.detector.IsSuspicious(ctx, ip)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleListAllowlist implements GET /admin/security/allowlist.
func (h *Handler) HandleListAllowlist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := h.blocker.ListAllowlisted(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &models.AllowlistResponse{Entries: entries, Count: len(entries)})
}

// HandleAllow implements POST /admin/security/allowlist.
//
// Input: { "ip": "192.0.2.1", "reason": "...", "expiresAt": "2026-01-01T00:00:00Z" }
func (h *Handler) HandleAllow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[models.AllowlistRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	entry, err := h.blocker.Allow(ctx, blocker.AllowRequest{
		IP:        req.IP,
		Reason:    req.Reason,
		CreatedBy: admin.ActorID(ctx),
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to allowlist ip",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, entry)
}

// HandleDisallow implements DELETE /admin/security/allowlist/{ip}.
func (h *Handler) HandleDisallow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip, err := ipParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	removed, err := h.blocker.Disallow(ctx, ip, admin.ActorID(ctx))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !removed {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "ip is not allowlisted"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) emergencyResponse(ctx context.Context, status models.EmergencyStatus) *models.EmergencyResponse {
	policy, _ := h.emergency.Policy(ctx)
	return &models.EmergencyResponse{Status: status, Policy: policy}
}

// HandleEmergencyStatus implements GET /admin/security/emergency.
func (h *Handler) HandleEmergencyStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	httputil.WriteJSON(w, http.StatusOK, h.emergencyResponse(ctx, h.emergency.Status(ctx)))
}

// HandleActivate implements POST /admin/security/emergency/activate.
//
// Input: { "reason": "...", "durationSeconds": 3600 }
func (h *Handler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[models.ActivateEmergencyRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	actor := admin.ActorID(ctx)
	status, err := h.emergency.Activate(ctx, emergency.ActivateRequest{
		Reason:      req.Reason,
		ActivatedBy: actor,
		Duration:    req.Duration(),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.logger.WarnContext(ctx, "admin activated emergency mode",
		"actor", actor,
		"reason", req.Reason,
		"request_id", requestID,
	)
	httputil.WriteJSON(w, http.StatusOK, h.emergencyResponse(ctx, status))
}

// HandleDeactivate implements POST /admin/security/emergency/deactivate.
func (h *Handler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := admin.ActorID(ctx)
	status, changed := h.emergency.Deactivate(ctx, actor)
	if changed {
		h.logger.InfoContext(ctx, "admin deactivated emergency mode",
			"actor", actor,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	httputil.WriteJSON(w, http.StatusOK, h.emergencyResponse(ctx, status))
}

// HandleMetrics implements GET /admin/security/metrics.
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := &models.MetricsResponse{
		AttackMetrics: h.emergency.Metrics(ctx),
		EmergencyMode: h.emergency.Status(ctx).IsActive,
		GeneratedAt:   requestcontext.Now(ctx).UTC(),
	}
	if h.detector != nil {
		resp.DistinctSuspiciousIPs = h.detector.DistinctSuspiciousIPs(ctx)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleGetConfig implements GET /admin/security/config.
func (h *Handler) HandleGetConfig(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.config.Snapshot())
}

type configResponse struct {
	*runtimeconfig.UpdateResult
	Config *runtimeconfig.Snapshot `json:"config,omitempty"`
}

// HandlePatchConfig implements PATCH /admin/security/config. The body is a
// partial document; null removes a key.
func (h *Handler) HandlePatchConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, validation.MaxBodySize))
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read config update",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	res := h.config.Update(ctx, body)
	if !res.Success {
		h.logger.WarnContext(ctx, "config update rejected",
			"actor", admin.ActorID(ctx),
			"errors", len(res.Errors),
			"request_id", requestID,
		)
		httputil.WriteJSON(w, http.StatusBadRequest, configResponse{UpdateResult: res})
		return
	}
	h.logger.InfoContext(ctx, "config updated",
		"actor", admin.ActorID(ctx),
		"version", res.Version,
		"changed", res.Changed,
		"request_id", requestID,
	)
	httputil.WriteJSON(w, http.StatusOK, configResponse{UpdateResult: res, Config: h.config.Snapshot()})
}

// HandleResetConfig implements POST /admin/security/config/reset.
func (h *Handler) HandleResetConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := h.config.Reset(ctx)
	h.logger.InfoContext(ctx, "config reset",
		"actor", admin.ActorID(ctx),
		"version", res.Version,
		"request_id", requestcontext.RequestID(ctx),
	)
	httputil.WriteJSON(w, http.StatusOK, configResponse{UpdateResult: res, Config: h.config.Snapshot()})
}
