// ABOUTME: Logger setup for the shovel-router binary
// ABOUTME: Colorized text output for terminals, JSON for log shippers, trace ids on both

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/shovel-router/internal/config"
	"github.com/2389/shovel-router/internal/telemetry"
)

var (
	dim   = color.New(color.FgHiBlack)
	tag   = color.New(color.FgBlue)
	ident = color.New(color.FgGreen)
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = newColorHandler(os.Stdout, level)
	}
	return slog.New(telemetry.NewTraceHandler(handler))
}

// colorHandler writes one colorized line per record. Every service logger
// carries a "component" attr; it is lifted out of the attr list and shown as
// a fixed tag after the level so lines from the engine line up by subsystem.
type colorHandler struct {
	mu        *sync.Mutex // shared with derived handlers
	out       io.Writer
	level     slog.Level
	component string
	attrs     []slog.Attr
	groups    []string
}

func newColorHandler(out io.Writer, level slog.Level) *colorHandler {
	return &colorHandler{mu: &sync.Mutex{}, out: out, level: level}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	b.WriteString(dim.Sprint(r.Time.Format("15:04:05.000") + " "))
	b.WriteString(levelTag(r.Level))
	if h.component != "" {
		b.WriteString(tag.Sprintf("%-12s ", "["+h.component+"]"))
	}
	b.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, prefix, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return color.New(color.FgRed, color.Bold).Sprint("ERR ")
	case l >= slog.LevelWarn:
		return color.YellowString("WRN ")
	case l >= slog.LevelInfo:
		return color.CyanString("INF ")
	default:
		return color.MagentaString("DBG ")
	}
}

// writeAttr renders key=value. Conversation ids are highlighted since they
// are what an operator greps for when following a handoff.
func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	b.WriteString(dim.Sprint(" " + prefix + a.Key + "="))
	v := a.Value.Resolve().String()
	if a.Key == "conversation_id" {
		v = ident.Sprint(v)
	}
	b.WriteString(v)
}

func (h *colorHandler) clone() *colorHandler {
	c := *h
	return &c
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	c.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	c.attrs = append(c.attrs, h.attrs...)
	for _, a := range attrs {
		if a.Key == "component" && len(h.groups) == 0 {
			c.component = a.Value.String()
			continue
		}
		c.attrs = append(c.attrs, a)
	}
	return c
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.groups = append(append(make([]string, 0, len(h.groups)+1), h.groups...), name)
	return c
}
