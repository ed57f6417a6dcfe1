// ABOUTME: slog.Handler that persists security events to the audit log table
// ABOUTME: NewLogger fans records out to the operational handler and the audit store

package audit

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	slogmulti "github.com/samber/slog-multi"

	"github.com/2389/coven-sovereign/internal/store"
)

const writeTimeout = 2 * time.Second

// Handler writes each record as a store.AuditEntry.
type Handler struct {
	sink   store.AuditStore
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewHandler creates a handler persisting records at or above level.
func NewHandler(sink store.AuditStore, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{sink: sink, level: level}
}

// NewLogger returns a logger that sends every record to base and persists
// records at or above Info to sink. A nil sink returns a logger on base only.
func NewLogger(base slog.Handler, sink store.AuditStore) *slog.Logger {
	if sink == nil {
		return slog.New(base)
	}
	return slog.New(slogmulti.Fanout(base, NewHandler(sink, slog.LevelInfo)))
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	entry := &store.AuditEntry{
		Timestamp: r.Time.UTC(),
		Level:     r.Level.String(),
		Event:     r.Message,
		Detail:    map[string]any{},
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	put := func(groups []string, a slog.Attr) {
		if len(groups) == 0 && a.Key == "component" {
			entry.Component = a.Value.Resolve().String()
			return
		}
		target := entry.Detail
		for _, g := range groups {
			next, ok := target[g].(map[string]any)
			if !ok {
				next = map[string]any{}
				target[g] = next
			}
			target = next
		}
		if a.Key != "" {
			target[a.Key] = attrValue(a.Value)
		}
	}

	// Attrs from WithAttrs are already nested by groupAttrs.
	for _, a := range h.attrs {
		put(nil, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		put(h.groups, a)
		return true
	})

	// Audit writes must land even if the request that triggered them is gone.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := h.sink.AppendAuditLog(writeCtx, entry); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append(append([]slog.Attr(nil), h.attrs...), h.groupAttrs(attrs)...)
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(append([]string(nil), h.groups...), name)
	return &h2
}

// groupAttrs nests attrs under the handler's open groups so WithAttrs after
// WithGroup keeps the grouping.
func (h *Handler) groupAttrs(attrs []slog.Attr) []slog.Attr {
	if len(h.groups) == 0 {
		return attrs
	}
	out := make([]any, len(attrs))
	for i, a := range attrs {
		out[i] = a
	}
	g := slog.Group(h.groups[len(h.groups)-1], out...)
	for i := len(h.groups) - 2; i >= 0; i-- {
		g = slog.Group(h.groups[i], g)
	}
	return []slog.Attr{g}
}

func attrValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		m := map[string]any{}
		for _, a := range v.Group() {
			m[a.Key] = attrValue(a.Value)
		}
		return m
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return x.Error()
		case []byte:
			return hex.EncodeToString(x)
		case fmt.Stringer:
			return x.String()
		default:
			return x
		}
	default:
		return v.Any()
	}
}
