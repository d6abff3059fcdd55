// Package log provides a slog handler that ships guest log records to the
// host as framed LogRecord messages.
package log

import (
	"context"
	"log/slog"
	"slices"

	"github.com/reglet-dev/framecall/abipb"
	"github.com/reglet-dev/framecall/codec"
	"github.com/reglet-dev/framecall/memory"
)

// Sink hands a framed LogRecord to the host. Ownership of h moves with it.
type Sink func(ctx context.Context, h memory.Handle)

// Handler implements slog.Handler on top of a memory manager and a sink.
type Handler struct {
	mem    *memory.Manager
	schema codec.Schema
	sink   Sink
	opts   handlerConfig

	attrs  []abipb.Attr
	prefix string
}

// HandlerOption configures the Handler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	level  slog.Leveler
	schema codec.Schema
}

func defaultHandlerConfig() handlerConfig {
	return handlerConfig{
		level:  slog.LevelInfo,
		schema: codec.Proto{},
	}
}

// WithLevel sets the minimum log level to report.
// Records below this level are dropped on the guest side.
func WithLevel(level slog.Leveler) HandlerOption {
	return func(c *handlerConfig) {
		c.level = level
	}
}

// WithSchema selects the payload schema for LogRecord frames.
func WithSchema(s codec.Schema) HandlerOption {
	return func(c *handlerConfig) {
		c.schema = s
	}
}

// NewHandler creates a Handler that allocates records with mem and passes
// them to sink.
func NewHandler(mem *memory.Manager, sink Sink, opts ...HandlerOption) *Handler {
	cfg := defaultHandlerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Handler{mem: mem, schema: cfg.schema, sink: sink, opts: cfg}
}

// Enabled reports whether the handler handles records at the given level.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.level.Level()
}

// WithAttrs returns a handler that adds attrs to every record.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	h2.attrs = slices.Clip(h.attrs)
	for _, a := range attrs {
		h2.attrs = appendAttr(h2.attrs, h.prefix, a)
	}
	return &h2
}

// WithGroup returns a handler that qualifies later attribute keys with name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

// Handle frames the record and hands it to the sink. A record that cannot
// be allocated is dropped with the error returned to slog.
func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	rec := abipb.LogRecord{
		Level:   levelName(record.Level),
		Message: record.Message,
		Attrs:   slices.Clone(h.attrs),
	}
	if !record.Time.IsZero() {
		rec.TimeUnixNano = record.Time.UnixNano()
	}
	record.Attrs(func(a slog.Attr) bool {
		rec.Attrs = appendAttr(rec.Attrs, h.prefix, a)
		return true
	})

	o, err := codec.Encode(h.mem, h.schema, &rec)
	if err != nil {
		// Allocation failure drops the record; it never ends the guest.
		return err
	}
	handle, err := o.Release()
	if err != nil {
		return err
	}
	h.sink(ctx, handle)
	return nil
}

// levelName maps custom levels onto the four names the host accepts.
func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return slog.LevelDebug.String()
	case l < slog.LevelWarn:
		return slog.LevelInfo.String()
	case l < slog.LevelError:
		return slog.LevelWarn.String()
	default:
		return slog.LevelError.String()
	}
}
