package httptransport

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	platformhttp "bulwark/pkg/platform/httputil"
	"bulwark/pkg/requestcontext"
)

// NewUpstream proxies to target. A nil target answers every request with 502.
func NewUpstream(target *url.URL, logger *slog.Logger) http.Handler {
	if target == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeBadGateway(w, "no upstream configured")
		})
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		ctx := r.Context()
		logger.ErrorContext(ctx, "upstream request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", requestcontext.RequestID(ctx),
		)
		writeBadGateway(w, "upstream unavailable")
	}
	return proxy
}

func writeBadGateway(w http.ResponseWriter, description string) {
	platformhttp.WriteJSON(w, http.StatusBadGateway, map[string]string{
		"error":             "bad_gateway",
		"error_description": description,
	})
}
