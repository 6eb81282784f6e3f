package logging

import (
	"context"
	"log/slog"
)

// ComponentKey is the attribute key used for component names.
const ComponentKey = "component"

// filteringHandler filters records by the level configured for the
// component carried in the handler's attributes or, failing that, in
// the record itself.
type filteringHandler struct {
	inner     slog.Handler
	spec      *Spec
	component string
}

// NewFilteringHandler wraps inner with component level filtering.
func NewFilteringHandler(inner slog.Handler, spec *Spec) slog.Handler {
	return &filteringHandler{inner: inner, spec: spec}
}

// Enabled is a fast pre-check. With no component bound yet it admits
// anything a component could log, and Handle decides per record.
func (h *filteringHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.component == "" {
		return level >= h.spec.minLevel().ToSlog()
	}
	return level >= h.spec.LevelFor(h.component).ToSlog()
}

func (h *filteringHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == ComponentKey {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.spec.LevelFor(component).ToSlog() {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs binds the component for filtering when attrs carry one.
func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &filteringHandler{
		inner:     h.inner.WithAttrs(attrs),
		spec:      h.spec,
		component: h.component,
	}
	for _, attr := range attrs {
		if attr.Key == ComponentKey {
			next.component = attr.Value.String()
			break
		}
	}
	return next
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{
		inner:     h.inner.WithGroup(name),
		spec:      h.spec,
		component: h.component,
	}
}
