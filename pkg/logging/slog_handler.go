package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// sinks is the client set shared by a handler and everything derived from
// it with WithAttrs or WithGroup.
type sinks struct {
	mu      sync.RWMutex
	clients []*SyslogClient
}

// Handler is an slog.Handler that writes to a base handler and mirrors
// each record to the configured syslog clients.
type Handler struct {
	base   slog.Handler
	sinks  *sinks
	prefix string // rendered attrs from WithAttrs
	groups []string
}

// NewHandler wraps base with syslog forwarding.
func NewHandler(base slog.Handler) *Handler {
	return &Handler{base: base, sinks: &sinks{}}
}

// Setup installs a text handler on w as the default logger and returns it
// so syslog clients can be attached once the configuration is loaded.
func Setup(w io.Writer, level slog.Level) *Handler {
	h := NewHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(slog.New(h))
	return h
}

// SetClients replaces the syslog clients, closing the previous ones.
func (h *Handler) SetClients(clients []*SyslogClient) {
	h.sinks.mu.Lock()
	old := h.sinks.clients
	h.sinks.clients = clients
	h.sinks.mu.Unlock()
	for _, c := range old {
		c.Close()
	}
}

// Close closes all syslog clients.
func (h *Handler) Close() {
	h.SetClients(nil)
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	h.sinks.mu.RLock()
	clients := h.sinks.clients
	h.sinks.mu.RUnlock()
	if len(clients) == 0 {
		return err
	}

	sev := severityOf(r.Level)
	var msg string
	for _, c := range clients {
		if !c.ShouldSend(sev) {
			continue
		}
		if msg == "" {
			msg = h.format(r)
		}
		// Syslog is best effort.
		_ = c.Send(sev, msg)
	}
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		writeAttr(&b, h.groups, a)
	}
	return &Handler{
		base:   h.base.WithAttrs(attrs),
		sinks:  h.sinks,
		prefix: b.String(),
		groups: h.groups,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{
		base:   h.base.WithGroup(name),
		sinks:  h.sinks,
		prefix: h.prefix,
		groups: append(append([]string(nil), h.groups...), name),
	}
}

func severityOf(level slog.Level) Severity {
	switch {
	case level >= slog.LevelError:
		return SeverityError
	case level >= slog.LevelWarn:
		return SeverityWarning
	case level >= slog.LevelInfo:
		return SeverityInfo
	default:
		return SeverityDebug
	}
}

// format renders a record as "msg k=v k=v".
func (h *Handler) format(r slog.Record) string {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.groups, a)
		return true
	})
	return b.String()
}

func writeAttr(b *strings.Builder, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := groups
		if a.Key != "" {
			sub = append(append([]string(nil), groups...), a.Key)
		}
		for _, ga := range a.Value.Group() {
			writeAttr(b, sub, ga)
		}
		return
	}
	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	val := a.Value.String()
	if strings.ContainsAny(val, " \t\"=") {
		val = fmt.Sprintf("%q", val)
	}
	fmt.Fprintf(b, " %s=%s", key, val)
}
