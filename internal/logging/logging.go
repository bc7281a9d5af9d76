// Package logging builds the slog loggers used by every sentinel
// binary. One Config describes severity, encoding, destination, and
// file rotation; New turns it into a *Logger whose handler scrubs
// captured payload previews and credential-shaped attributes before
// they reach any sink. The alert verdict stream and the size-rotating
// file writer live here too because they share the rotation settings.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Level aliases slog.Level so callers configure severity without
// importing slog themselves.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the handler encoding.
type Format int

const (
	// FormatText emits human-readable key=value lines.
	FormatText Format = iota
	// FormatJSON emits one JSON object per entry.
	FormatJSON
)

// Config describes one logger.
type Config struct {
	Level      Level  // minimum severity to emit
	Format     Format // text or JSON encoding
	Output     string // "stdout", "stderr", "file", or "both"
	FilePath   string // log file used when Output includes "file"
	MaxSize    int64  // megabytes before the file rotates
	MaxAge     int    // days before rotated files are removed
	MaxBackups int    // rotated files to keep
	Compress   bool   // gzip rotated files
	AddSource  bool   // annotate entries with source file and line
	Component  string // component attribute stamped on every entry
}

// DefaultConfig returns the settings the daemons start from: JSON at
// info level on stderr, with file rotation parameters ready should the
// output be switched to a file.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatJSON,
		Output:     "stderr",
		FilePath:   defaultLogPath(),
		MaxSize:    50,
		MaxAge:     30,
		MaxBackups: 5,
		Compress:   true,
		Component:  "sentinel",
	}
}

func defaultLogPath() string {
	var dir string
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, "Library", "Logs", "sentinelvnc")
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = os.Getenv("APPDATA")
		}
		dir = filepath.Join(base, "sentinelvnc", "logs")
	default:
		base := os.Getenv("XDG_STATE_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".local", "state")
		}
		dir = filepath.Join(base, "sentinelvnc")
	}
	return filepath.Join(dir, "sentinel.log")
}

// Logger is a slog.Logger plus ownership of the rotating file it may
// write to. Loggers derived with WithComponent or WithRequestID share
// that file; Close it once, from the root.
type Logger struct {
	*slog.Logger
	rotator *FileRotator
}

// SetDefault installs l as the process-wide slog default so package
// slog helpers route through the same handler.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}

// New builds a Logger from cfg. A nil cfg means DefaultConfig.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	sink, rotator, err := openSink(cfg)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactAttr,
	}
	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(sink, opts)
	} else {
		handler = slog.NewTextHandler(sink, opts)
	}
	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	return &Logger{Logger: slog.New(handler), rotator: rotator}, nil
}

// openSink maps cfg.Output to a writer, opening the rotating file when
// the destination includes one. Unrecognized values fall back to
// stderr so a typo in the config never silences the daemon.
func openSink(cfg *Config) (io.Writer, *FileRotator, error) {
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		return os.Stdout, nil, nil
	case "file":
		r, err := NewFileRotator(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open log sink: %w", err)
		}
		return r, r, nil
	case "both":
		r, err := NewFileRotator(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open log sink: %w", err)
		}
		return io.MultiWriter(os.Stderr, r), r, nil
	default:
		return os.Stderr, nil, nil
	}
}

func redactAttr(groups []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}

// redactedKeys are matched as lowercase substrings of attribute keys.
// Session traffic previews (clipboard excerpts, file names seen on the
// wire) and anything credential-shaped never reach the log stream in
// the clear. Session identifiers and event metadata stay loggable.
var redactedKeys = []string{
	"content_preview", "preview", "clipboard_text",
	"password", "secret", "token", "credential",
	"private", "cookie", "api_key", "apikey", "bearer",
}

func shouldRedact(key string) bool {
	k := strings.ToLower(key)
	for _, bad := range redactedKeys {
		if strings.Contains(k, bad) {
			return true
		}
	}
	return false
}

// WithRequestID returns a child logger stamped with a request ID.
func (l *Logger) WithRequestID(id string) *Logger {
	return l.derive("request_id", id)
}

// WithComponent returns a child logger stamped with a component name,
// overriding the one from Config.
func (l *Logger) WithComponent(name string) *Logger {
	return l.derive("component", name)
}

// WithContext returns a child logger carrying the request ID from ctx,
// or l itself when the context has none.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return l.WithRequestID(id)
	}
	return l
}

func (l *Logger) derive(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), rotator: l.rotator}
}

// Close releases the log file, if any. The logger must not be used
// afterwards.
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

type requestIDKey struct{}

// ContextWithRequestID returns a context carrying the request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext extracts the request ID, or "" when the context
// carries none. A nil context is tolerated.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ParseLevel maps a config string to a log level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// ParseFormat maps a config string to an output format. Empty means
// JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, nil
	case "text", "console":
		return FormatText, nil
	default:
		return FormatJSON, fmt.Errorf("unknown log format: %s", s)
	}
}
