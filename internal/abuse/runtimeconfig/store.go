package runtimeconfig

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/xeipuuv/gojsonschema"

	"bulwark/pkg/requestcontext"
)

//go:embed schema.json
var schemaJSON string

// ChangeEvent is delivered to OnChange handlers after a section changed.
type ChangeEvent struct {
	Section  Section
	Version  int64
	Snapshot *Snapshot
}

// ChangeHandler reacts to a section change. Errors are logged only.
type ChangeHandler func(ctx context.Context, ev ChangeEvent) error

type subscription struct {
	id      uint64
	handler ChangeHandler
}

// Store is the single writer of the runtime config.
type Store struct {
	current atomic.Pointer[Snapshot]
	schema  *gojsonschema.Schema
	logger  *slog.Logger

	writeMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[Section][]subscription
	nextID uint64
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInitial replaces the compiled-in defaults as the starting snapshot.
// The snapshot is not validated.
func WithInitial(snap *Snapshot) Option {
	return func(s *Store) {
		if snap != nil {
			s.current.Store(snap.clone())
		}
	}
}

func New(opts ...Option) (*Store, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile runtime config schema: %w", err)
	}
	s := &Store{
		schema: schema,
		logger: slog.Default(),
		subs:   make(map[Section][]subscription),
	}
	s.current.Store(Defaults())
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OnChange registers handler for section and returns its unsubscribe func.
func (s *Store) OnChange(section Section, handler ChangeHandler) func() {
	s.subsMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[section] = append(s.subs[section], subscription{id: id, handler: handler})
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			list := s.subs[section]
			for i, sub := range list {
				if sub.id == id {
					s.subs[section] = append(list[:i:i], list[i+1:]...)
					return
				}
			}
		})
	}
}

// Update deep-merges partial over the current config, validates the merged
// candidate and publishes it as a new version. A rejected update leaves the
// current snapshot untouched.
func (s *Store) Update(ctx context.Context, partial []byte) *UpdateResult {
	var patch map[string]any
	if err := json.Unmarshal(partial, &patch); err != nil || patch == nil {
		return s.reject([]FieldError{{Field: "(root)", Message: "body must be a JSON object"}})
	}

	s.writeMu.Lock()
	cur := s.current.Load()
	base, err := toMap(cur.document())
	if err != nil {
		s.writeMu.Unlock()
		return s.reject([]FieldError{{Field: "(root)", Message: err.Error()}})
	}
	merged := mergeMaps(base, patch)
	if errs := s.validateDoc(merged); len(errs) > 0 {
		s.writeMu.Unlock()
		s.logger.WarnContext(ctx, "runtime config update rejected",
			"version", cur.Version,
			"errors", len(errs),
		)
		return s.reject(errs)
	}

	var doc document
	raw, _ := json.Marshal(merged)
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.writeMu.Unlock()
		return s.reject([]FieldError{{Field: "(root)", Message: err.Error()}})
	}
	next := &Snapshot{
		RateLimits:   doc.RateLimits,
		FeatureFlags: doc.FeatureFlags,
		CacheTTL:     doc.CacheTTL,
	}
	return s.publish(ctx, cur, next)
}

// Reset restores the compiled-in defaults as a new version.
func (s *Store) Reset(ctx context.Context) *UpdateResult {
	s.writeMu.Lock()
	cur := s.current.Load()
	return s.publish(ctx, cur, Defaults())
}

// publish must be called with writeMu held; it releases it before
// notifying handlers.
func (s *Store) publish(ctx context.Context, cur, next *Snapshot) *UpdateResult {
	next.Version = cur.Version + 1
	next.UpdatedAt = requestcontext.Now(ctx).UTC()
	changed := diffSections(cur, next)
	s.current.Store(next)
	s.writeMu.Unlock()

	s.logger.InfoContext(ctx, "runtime config updated",
		"version", next.Version,
		"changed", changed,
	)
	for _, section := range changed {
		s.notify(ctx, section, next)
	}
	return &UpdateResult{Success: true, Version: next.Version, Changed: changed}
}

func (s *Store) reject(errs []FieldError) *UpdateResult {
	return &UpdateResult{Success: false, Version: s.Version(), Errors: errs}
}

func (s *Store) notify(ctx context.Context, section Section, snap *Snapshot) {
	s.subsMu.RLock()
	subs := append([]subscription(nil), s.subs[section]...)
	s.subsMu.RUnlock()

	for _, sub := range subs {
		s.invoke(ctx, sub.handler, ChangeEvent{Section: section, Version: snap.Version, Snapshot: snap.clone()})
	}
}

func (s *Store) invoke(ctx context.Context, handler ChangeHandler, ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "runtime config handler panicked",
				"section", ev.Section,
				"version", ev.Version,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	if err := handler(ctx, ev); err != nil {
		s.logger.ErrorContext(ctx, "runtime config handler failed",
			"section", ev.Section,
			"version", ev.Version,
			"error", err,
		)
	}
}

// Validate checks a full candidate snapshot against the schema.
func (s *Store) Validate(candidate *Snapshot) []FieldError {
	m, err := toMap(candidate.document())
	if err != nil {
		return []FieldError{{Field: "(root)", Message: err.Error()}}
	}
	return s.validateDoc(m)
}

func (s *Store) validateDoc(doc map[string]any) []FieldError {
	result, err := s.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return []FieldError{{Field: "(root)", Message: err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	errs := make([]FieldError, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		field := re.Field()
		if prop, ok := re.Details()["property"].(string); ok && re.Type() == "additional_property_not_allowed" {
			if field == "(root)" {
				field = prop
			} else {
				field += "." + prop
			}
		}
		errs = append(errs, FieldError{Field: field, Message: re.Description()})
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs
}

// Snapshot returns a copy of the current config.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load().clone()
}

func (s *Store) Version() int64 {
	return s.current.Load().Version
}

func (s *Store) RateLimits() map[string]Budget {
	return maps.Clone(s.current.Load().RateLimits)
}

// Budget returns the budget for scope, if configured.
func (s *Store) Budget(scope string) (Budget, bool) {
	b, ok := s.current.Load().RateLimits[scope]
	return b, ok
}

func (s *Store) FeatureFlags() FeatureFlags {
	return s.current.Load().FeatureFlags
}

func (s *Store) IsFeatureEnabled(flag Flag) bool {
	return s.current.Load().FeatureFlags.Enabled(flag)
}

func (s *Store) CacheTTL() CacheTTL {
	return s.current.Load().CacheTTL
}

func diffSections(prev, next *Snapshot) []Section {
	var changed []Section
	pairs := []struct {
		section Section
		a, b    any
	}{
		{SectionRateLimits, prev.RateLimits, next.RateLimits},
		{SectionFeatureFlags, prev.FeatureFlags, next.FeatureFlags},
		{SectionCacheTTL, prev.CacheTTL, next.CacheTTL},
	}
	for _, p := range pairs {
		a, _ := json.Marshal(p.a)
		b, _ := json.Marshal(p.b)
		if !bytes.Equal(a, b) {
			changed = append(changed, p.section)
		}
	}
	return changed
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// mergeMaps overlays patch onto base. Nested objects merge; any other value
// replaces; null removes the key.
func mergeMaps(base, patch map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, len(patch))
	}
	for k, pv := range patch {
		if pv == nil {
			delete(out, k)
			continue
		}
		pm, pIsMap := pv.(map[string]any)
		bm, bIsMap := out[k].(map[string]any)
		if pIsMap && bIsMap {
			out[k] = mergeMaps(bm, pm)
			continue
		}
		out[k] = pv
	}
	return out
}
