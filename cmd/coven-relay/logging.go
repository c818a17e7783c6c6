// ABOUTME: Colorized slog handler for terminal output, or JSON when configured
// ABOUTME: Logs go to stderr so they never interleave with the chat transcript on stdout

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/config"
)

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{sink: &logSink{out: w, level: level}})
}

// parseLevel accepts slog level names in any case; unknown names mean info.
func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// scopeKeys name the connection a line is about. Their values are
// highlighted so interleaved sessions and tool servers are easy to tell apart.
var scopeKeys = map[string]bool{
	"session":     true,
	"conn":        true,
	"tool_server": true,
	"server":      true,
}

type logSink struct {
	mu    sync.Mutex
	out   io.Writer
	level slog.Level
}

// colorHandler writes one colored line per record. The component attribute
// becomes a bracketed tag after the level.
type colorHandler struct {
	sink      *logSink
	component string
	attrs     []slog.Attr
	prefix    string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.sink.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))
	buf.WriteString(levelTag(r.Level))
	if h.component != "" {
		buf.WriteString(color.BlueString("[" + h.component + "] "))
	}
	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, h.prefix, a)
		return true
	})
	buf.WriteByte('\n')

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	_, err := io.WriteString(h.sink.out, buf.String())
	return err
}

func levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return color.New(color.FgRed, color.Bold).Sprint("ERR ")
	case level >= slog.LevelWarn:
		return color.YellowString("WRN ")
	case level >= slog.LevelInfo:
		return color.CyanString("INF ")
	default:
		return color.MagentaString("DBG ")
	}
}

func writeAttr(buf *strings.Builder, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, sub := range v.Group() {
			writeAttr(buf, prefix+a.Key+".", sub)
		}
		return
	}

	key := prefix + a.Key
	buf.WriteString(color.HiBlackString(" " + key + "="))
	text := v.String()
	if v.Kind() == slog.KindString && strings.ContainsAny(text, " \t\n\"") {
		text = fmt.Sprintf("%q", text)
	}
	switch {
	case scopeKeys[a.Key]:
		text = color.GreenString(text)
	case a.Key == "error":
		text = color.RedString(text)
	}
	buf.WriteString(text)
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if a.Key == "component" && h.prefix == "" {
			next.component = a.Value.String()
			continue
		}
		a.Key = h.prefix + a.Key
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}
