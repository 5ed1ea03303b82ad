package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultMaxSQLLen is the longest SQL text kept in a log attribute.
const DefaultMaxSQLLen = 240

// DefaultSensitiveKeys are attribute keys whose values never reach the output.
var DefaultSensitiveKeys = []string{"password", "passwd", "secret", "token", "api_key"}

// DefaultSQLKeys are attribute keys holding statement text.
var DefaultSQLKeys = []string{"sql", "query", "stmt"}

// Options defines parameters for logger creation.
type Options struct {
	Env          string
	ConsoleLevel string // Level for console output (default: info)
	FileLevel    string // Level for file output (default: debug)
	File         string
	App          string

	// Console receives human-readable output (default: os.Stdout).
	Console io.Writer
	// MaxSQLLen limits statement text in attributes (default: DefaultMaxSQLLen, <0 disables).
	MaxSQLLen int
}

var closers sync.Map

// New creates configured slog.Logger instance.
func New(o Options) *slog.Logger {
	consoleLevel := o.ConsoleLevel
	if consoleLevel == "" {
		consoleLevel = "info"
	}
	fileLevel := o.FileLevel
	if fileLevel == "" {
		fileLevel = "debug"
	}
	console := o.Console
	if console == nil {
		console = os.Stdout
	}
	maxSQL := o.MaxSQLLen
	if maxSQL == 0 {
		maxSQL = DefaultMaxSQLLen
	}

	sanitize := func(h slog.Handler) slog.Handler {
		return NewSanitizingHandler(h, SanitizeOptions{
			SensitiveKeys: DefaultSensitiveKeys,
			SQLKeys:       DefaultSQLKeys,
			MaxSQLLen:     maxSQL,
		})
	}

	var handlers []slog.Handler

	// Console handler
	timeFormat := time.RFC3339
	if o.Env == "dev" {
		timeFormat = time.Kitchen
	}
	handlers = append(handlers, sanitize(tint.NewHandler(console, &tint.Options{
		Level:      ParseLevel(consoleLevel),
		TimeFormat: timeFormat,
		NoColor:    o.Env == "test",
	})))

	var closer func() error

	// File handler (if file path is specified)
	if o.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    5,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		closer = fileWriter.Close
		handlers = append(handlers, sanitize(slog.NewJSONHandler(fileWriter, &slog.HandlerOptions{Level: ParseLevel(fileLevel)})))
	}

	var h slog.Handler
	if len(handlers) == 1 {
		h = handlers[0]
	} else {
		h = NewMultiHandler(handlers...)
	}

	l := slog.New(h).With(
		slog.String("app", o.App),
		slog.String("env", o.Env),
	)

	if closer != nil {
		closers.Store(l, closer)
	}

	return l
}

// Close closes all file handlers to release resources.
// Should be called when shutting down the application.
func Close(logger *slog.Logger) error {
	if c, ok := closers.Load(logger); ok {
		closers.Delete(logger)
		return c.(func() error)()
	}
	return nil
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ParseLevel maps a level name to slog.Level. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SanitizeOptions configures SanitizingHandler.
type SanitizeOptions struct {
	SensitiveKeys []string
	SQLKeys       []string
	MaxSQLLen     int
}

// SanitizingHandler masks sensitive attributes and shortens statement text.
type SanitizingHandler struct {
	inner  slog.Handler
	secret map[string]struct{}
	sql    map[string]struct{}
	maxSQL int
}

// NewSanitizingHandler wraps handler with redaction of sensitive fields.
func NewSanitizingHandler(inner slog.Handler, o SanitizeOptions) *SanitizingHandler {
	return &SanitizingHandler{
		inner:  inner,
		secret: keySet(o.SensitiveKeys),
		sql:    keySet(o.SQLKeys),
		maxSQL: o.MaxSQLLen,
	}
}

func keySet(keys []string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[strings.ToLower(k)] = struct{}{}
	}
	return m
}

// Enabled implements slog.Handler.
func (h *SanitizingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

// Handle implements slog.Handler.
func (h *SanitizingHandler) Handle(ctx context.Context, r slog.Record) error {
	nr := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	var attrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool { attrs = append(attrs, a); return true })
	nr.AddAttrs(h.sanitize(attrs...)...)
	return h.inner.Handle(ctx, nr)
}

// WithAttrs implements slog.Handler.
func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.inner = h.inner.WithAttrs(h.sanitize(attrs...))
	return &c
}

// WithGroup implements slog.Handler.
func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.inner = h.inner.WithGroup(name)
	return &c
}

func (h *SanitizingHandler) sanitize(attrs ...slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, h.sanitizeAttr(a))
	}
	return out
}

func (h *SanitizingHandler) sanitizeAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()
	k := strings.ToLower(a.Key)

	if a.Value.Kind() == slog.KindGroup {
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(h.sanitize(a.Value.Group()...)...)}
	}
	if _, ok := h.secret[k]; ok {
		return slog.String(a.Key, "[REDACTED]")
	}
	if _, ok := h.sql[k]; ok && a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, truncateSQL(a.Value.String(), h.maxSQL))
	}
	if a.Value.Kind() == slog.KindString && looksSensitive(a.Value.String()) {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// truncateSQL collapses whitespace and cuts the text to max bytes.
func truncateSQL(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if max < 0 || len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:max], len(s))
}

func looksSensitive(s string) bool {
	if len(s) <= 12 {
		return false
	}
	lower := strings.ToLower(s)
	return strings.Contains(s, "sk-") || strings.Contains(lower, "token") || strings.Contains(lower, "_pragma_key=")
}

// MultiHandler combines multiple handlers into one.
type MultiHandler struct {
	handlers []slog.Handler
}

// NewMultiHandler creates a handler that writes to multiple handlers.
func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

// Enabled implements slog.Handler.
func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle implements slog.Handler.
func (h *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: handlers}
}

// WithGroup implements slog.Handler.
func (h *MultiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &MultiHandler{handlers: handlers}
}
