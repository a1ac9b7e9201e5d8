// Package idempotency replays the stored response of a mutating request that
// is retried with the same Idempotency-Key.
package idempotency

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"bulwark/internal/abuse/metrics"
	"bulwark/internal/abuse/models"
	"bulwark/internal/abuse/runtimeconfig"
	"bulwark/internal/abuse/store/kv"
	dErrors "bulwark/pkg/domain-errors"
	"bulwark/pkg/requestcontext"
	"bulwark/pkg/validation"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "X-Idempotency-Replayed"

	MaxKeyLength = validation.MaxIdempotencyKeyLength
	// maxStoredBody caps the response size kept for replay.
	maxStoredBody = 1 << 20
)

// DefaultTTL applies when no runtime config is wired.
const DefaultTTL = 24 * time.Hour

// PolicySource is satisfied by *runtimeconfig.Store.
type PolicySource interface {
	IsFeatureEnabled(flag runtimeconfig.Flag) bool
	CacheTTL() runtimeconfig.CacheTTL
}

// Entry is a stored response.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

type Middleware struct {
	store   kv.Store
	policy  PolicySource
	group   singleflight.Group
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

func WithPolicy(p PolicySource) Option {
	return func(m *Middleware) { m.policy = p }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Middleware) { m.metrics = mt }
}

func New(store kv.Store, opts ...Option) (*Middleware, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	m := &Middleware{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Middleware) ttl() time.Duration {
	if m.policy != nil {
		if d := m.policy.CacheTTL().Idempotency(); d > 0 {
			return d
		}
	}
	return DefaultTTL
}

// ValidKey reports whether key is at most MaxKeyLength printable ASCII
// characters.
func ValidKey(key string) bool {
	if key == "" || len(key) > MaxKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x20 || key[i] > 0x7e {
			return false
		}
	}
	return true
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Owner scopes keys to the authenticated user, or the client IP.
func Owner(r *http.Request) string {
	ctx := r.Context()
	if identity, ok := requestcontext.GetIdentity(ctx); ok {
		return "user:" + identity.UserID
	}
	return "ip:" + requestcontext.ClientIP(ctx)
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderKey)
		if key == "" || !mutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		if m.policy != nil && !m.policy.IsFeatureEnabled(runtimeconfig.FlagIdempotency) {
			m.metrics.ObserveIdempotency("bypass")
			next.ServeHTTP(w, r)
			return
		}
		if !ValidKey(key) {
			m.logger.WarnContext(ctx, "ignoring invalid idempotency key",
				"length", len(key),
				"request_id", requestcontext.RequestID(ctx),
			)
			m.metrics.ObserveIdempotency("invalid")
			next.ServeHTTP(w, r)
			return
		}

		cacheKey := models.IdempotencyKey(Owner(r), key)
		entry, err := m.lookup(r, cacheKey)
		switch {
		case err == nil:
			m.metrics.ObserveIdempotency("replayed")
			replay(w, entry, true)
			return
		case !dErrors.IsNotFound(err):
			m.logger.WarnContext(ctx, "idempotency lookup failed", "op", "get", "key", cacheKey, "error", err)
			m.metrics.ObserveIdempotency("error")
			next.ServeHTTP(w, r)
			return
		}

		leader := false
		v, _, _ := m.group.Do(cacheKey, func() (any, error) {
			// A flight that finished between our lookup and Do has stored its entry.
			if entry, err := m.lookup(r, cacheKey); err == nil {
				return flight{entry: entry, stored: true}, nil
			}
			leader = true
			entry, stored := m.execute(next, r, cacheKey)
			return flight{entry: entry, stored: stored}, nil
		})
		res := v.(flight)
		switch {
		case leader:
			replay(w, res.entry, false)
		case res.stored:
			m.metrics.ObserveIdempotency("replayed")
			replay(w, res.entry, true)
		default:
			// Nothing was stored, so the duplicate runs on its own.
			next.ServeHTTP(w, r)
		}
	})
}

// flight is the shared result of one singleflight call.
type flight struct {
	entry  *Entry
	stored bool
}

func (m *Middleware) lookup(r *http.Request, cacheKey string) (*Entry, error) {
	raw, err := m.store.Get(r.Context(), cacheKey)
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "decode idempotency entry")
	}
	return &entry, nil
}

// execute runs next into a buffer and stores the result when it is 2xx. It
// reports whether the entry was stored.
func (m *Middleware) execute(next http.Handler, r *http.Request, cacheKey string) (*Entry, bool) {
	ctx := r.Context()
	rec := newRecorder()
	next.ServeHTTP(rec, r)

	entry := &Entry{
		Status:   rec.status,
		Header:   rec.header.Clone(),
		Body:     rec.body.Bytes(),
		StoredAt: requestcontext.Now(ctx),
	}
	if entry.Status < 200 || entry.Status > 299 || len(entry.Body) > maxStoredBody {
		m.metrics.ObserveIdempotency("not_stored")
		return entry, false
	}
	raw, err := json.Marshal(entry)
	if err == nil {
		err = m.store.Set(ctx, cacheKey, raw, m.ttl())
	}
	if err != nil {
		m.logger.WarnContext(ctx, "idempotency store failed", "op", "set", "key", cacheKey, "error", err)
		m.metrics.ObserveIdempotency("error")
		return entry, false
	}
	m.metrics.ObserveIdempotency("stored")
	return entry, true
}

func replay(w http.ResponseWriter, entry *Entry, replayed bool) {
	h := w.Header()
	for k, vs := range entry.Header {
		h[k] = append([]string(nil), vs...)
	}
	if replayed {
		h.Set(HeaderReplayed, "true")
	}
	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
}

// recorder buffers a response for storage and replay.
type recorder struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header), status: http.StatusOK}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
}

func (r *recorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	return r.body.Write(p)
}
