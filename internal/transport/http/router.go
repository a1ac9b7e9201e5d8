// Package httptransport assembles the public router: probes and metrics,
// the operator API, and the protected upstream behind the abuse chain.
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"bulwark/internal/abuse/shield"
	"bulwark/internal/platform/health"
	platformmetrics "bulwark/internal/platform/metrics"
	"bulwark/pkg/platform/middleware/auth"
	"bulwark/pkg/platform/middleware/metadata"
	"bulwark/pkg/platform/middleware/request"
)

// DefaultBodyLimit caps request bodies forwarded upstream.
const DefaultBodyLimit = 1 << 20

type Deps struct {
	Shield     *shield.Shield
	Health     *health.Handler
	Metrics    *platformmetrics.Metrics
	Gatherer   prometheus.Gatherer
	Metadata   *metadata.Middleware
	Validator  auth.TokenValidator
	AdminToken string
	Upstream   http.Handler
	BodyLimit  int64
	Logger     *slog.Logger
}

// NewRouter wires the middleware stack. Probes and /metrics bypass the abuse
// chain; the operator API sits behind the admin token only, so an operator
// can still unblock an address while the chain is rejecting it.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := d.BodyLimit
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	meta := d.Metadata
	if meta == nil {
		meta = metadata.NewMiddleware(metadata.Config{})
	}

	r := chi.NewRouter()
	r.Use(request.Recovery(logger))
	r.Use(request.RequestID)
	r.Use(request.RequestTime)
	r.Use(meta.Handler)
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}

	if d.Health != nil {
		d.Health.Register(r)
	}
	if d.Gatherer != nil {
		r.Handle("/metrics", platformmetrics.Handler(d.Gatherer))
	}

	r.Group(func(r chi.Router) {
		r.Use(request.Logger(logger))
		d.Shield.RegisterAdmin(r, d.AdminToken)
	})

	upstream := d.Upstream
	if upstream == nil {
		upstream = NewUpstream(nil, logger)
	}
	r.Group(func(r chi.Router) {
		r.Use(auth.Identity(d.Validator, logger))
		r.Use(request.Logger(logger))
		r.Use(request.BodyLimit(limit))
		r.Use(d.Shield.Handler)
		r.Handle("/*", upstream)
	})
	return r
}
