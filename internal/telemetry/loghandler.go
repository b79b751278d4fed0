// loghandler.go mirrors Warn and Error records into the system_logs table
// through a slog.Handler wrapper. A failed insert is dropped on the floor so
// the logging path can never recurse into itself.

package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
)

const mirrorTimeout = 2 * time.Second

// LogSink persists one log record. The store satisfies it.
type LogSink interface {
	InsertSystemLog(ctx context.Context, component, level, message string, logCtx []byte) error
}

// MirrorHandler forwards every record to the wrapped handler and copies
// Warn+ records to the sink. The "component" attribute, whether attached via
// With or inline, becomes the component column; remaining attributes land in
// the context json.
type MirrorHandler struct {
	inner slog.Handler
	sink  LogSink
	attrs []slog.Attr // accumulated through WithAttrs
}

// NewMirrorHandler wraps inner with the persistence mirror.
func NewMirrorHandler(inner slog.Handler, sink LogSink) *MirrorHandler {
	return &MirrorHandler{inner: inner, sink: sink}
}

// Enabled reports true for Warn+ even when the wrapped handler declines, so
// the mirror sees every warning regardless of the configured log level.
func (h *MirrorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn || h.inner.Enabled(ctx, level)
}

func (h *MirrorHandler) Handle(ctx context.Context, rec slog.Record) error {
	if rec.Level >= slog.LevelWarn {
		h.mirror(ctx, rec)
	}
	if !h.inner.Enabled(ctx, rec.Level) {
		return nil
	}
	return h.inner.Handle(ctx, rec)
}

func (h *MirrorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &MirrorHandler{inner: h.inner.WithAttrs(attrs), sink: h.sink, attrs: merged}
}

func (h *MirrorHandler) WithGroup(name string) slog.Handler {
	return &MirrorHandler{inner: h.inner.WithGroup(name), sink: h.sink, attrs: h.attrs}
}

func (h *MirrorHandler) mirror(ctx context.Context, rec slog.Record) {
	component := "bot"
	fields := make(map[string]any, len(h.attrs)+rec.NumAttrs())
	collect := func(a slog.Attr) {
		if a.Key == "component" {
			component = a.Value.String()
			return
		}
		fields[a.Key] = attrValue(a.Value)
	}
	for _, a := range h.attrs {
		collect(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	var encoded []byte
	if len(fields) > 0 {
		if raw, err := json.Marshal(fields); err == nil {
			encoded = raw
		}
	}

	// Bounded so a stalled database cannot wedge a caller behind its logger.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	defer cancel()
	_ = h.sink.InsertSystemLog(ctx, component, rec.Level.String(), rec.Message, encoded)
}

// attrValue renders a slog value into something the json encoder handles
// predictably. Errors and other opaque types flatten to their string form.
func attrValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC()
	default:
		return fmt.Sprint(v.Any())
	}
}
