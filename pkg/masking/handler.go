package masking

import (
	"context"
	"log/slog"
)

// LogHandler wraps a slog.Handler and masks record messages and string
// attribute values before they are written. Installed as the root handler so
// adapter output, error messages and event payloads reach the log sink
// already sanitized.
type LogHandler struct {
	inner   slog.Handler
	service *Service
}

// NewLogHandler wraps inner with masking through service.
func NewLogHandler(inner slog.Handler, service *Service) *LogHandler {
	return &LogHandler{inner: inner, service: service}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, record slog.Record) error {
	if !h.service.Enabled() {
		return h.inner.Handle(ctx, record)
	}

	masked := slog.NewRecord(record.Time, record.Level, h.service.MaskText(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		masked.AddAttrs(h.maskAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, masked)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	maskedAttrs := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		maskedAttrs[i] = h.maskAttr(attr)
	}
	return &LogHandler{inner: h.inner.WithAttrs(maskedAttrs), service: h.service}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{inner: h.inner.WithGroup(name), service: h.service}
}

func (h *LogHandler) maskAttr(attr slog.Attr) slog.Attr {
	switch attr.Value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.service.MaskText(attr.Value.String()))
	case slog.KindGroup:
		group := attr.Value.Group()
		masked := make([]any, 0, len(group))
		for _, inner := range group {
			masked = append(masked, h.maskAttr(inner))
		}
		return slog.Group(attr.Key, masked...)
	case slog.KindAny:
		return slog.Any(attr.Key, h.service.MaskValue(attr.Value.Any()))
	default:
		return attr
	}
}
