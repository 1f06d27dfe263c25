// Package logctx carries diagnostic fields (task id, task type, ...) from the goroutine
// that submits work to the worker goroutine that runs it.
//
// Fields travel in a context.Context. Each worker owns a Holder that mirrors the fields
// of the work it is currently running; Work.Run installs the submitter's snapshot into
// the holder for the duration of the call and then puts back exactly what was there.
package logctx

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
)

// Fields is a set of diagnostic key/value pairs.
type Fields map[string]string

type fieldsKey struct{}

// WithFields returns a context whose fields are the parent's merged with f.
// The parent's map is never modified.
func WithFields(ctx context.Context, f Fields) context.Context {
	merged := FromContext(ctx)
	if merged == nil {
		merged = make(Fields, len(f))
	}
	for k, v := range f {
		merged[k] = v
	}
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// FromContext returns a copy of the fields carried by ctx, or nil.
func FromContext(ctx context.Context) Fields {
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	return f.clone()
}

func (f Fields) clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Attrs renders the fields as slog attributes in key order.
func (f Fields) Attrs() []any {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, f[k]))
	}
	return attrs
}

// Holder is the per-worker slot of diagnostic fields. Only the owning worker writes it.
type Holder struct {
	fields atomic.Pointer[Fields]
}

// Current returns a copy of the fields installed in the holder.
func (h *Holder) Current() Fields {
	p := h.fields.Load()
	if p == nil {
		return nil
	}
	return p.clone()
}

// Set replaces the holder content.
func (h *Holder) Set(f Fields) {
	h.swap(f.clone())
}

func (h *Holder) swap(f Fields) Fields {
	var prev *Fields
	if f == nil {
		prev = h.fields.Swap(nil)
	} else {
		prev = h.fields.Swap(&f)
	}
	if prev == nil {
		return nil
	}
	return *prev
}

// Work is a function bound to the diagnostic fields of the goroutine that created it.
type Work struct {
	ctx    context.Context
	fields Fields
	fn     func(context.Context)
}

// Wrap snapshots the fields of ctx. The snapshot is taken now, later changes made by the
// submitter do not reach the worker.
func Wrap(ctx context.Context, fn func(context.Context)) Work {
	return Work{ctx: ctx, fields: FromContext(ctx), fn: fn}
}

// Fields returns the snapshot captured by Wrap.
func (w Work) Fields() Fields {
	return w.fields.clone()
}

// Run installs the snapshot into h, calls the function and restores the previous content
// of h, also when the function panics.
func (w Work) Run(h *Holder) {
	if w.fn == nil {
		return
	}
	prev := h.swap(w.fields.clone())
	defer h.swap(prev)

	ctx := w.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	w.fn(ctx)
}

// Handler decorates every record logged with a context carrying fields.
type Handler struct {
	inner slog.Handler
}

// NewHandler wraps inner.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		if f := FromContext(ctx); len(f) > 0 {
			r = r.Clone()
			r.Add(f.Attrs()...)
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
