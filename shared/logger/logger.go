package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

const redacted = "[REDACTED]"

// DefaultRedactKeys are attribute keys whose values never reach the output
var DefaultRedactKeys = []string{"password", "secret", "token", "dsn"}

// Config holds logger configuration
type Config struct {
	Level        string // debug, info, warn, error
	Format       string // json, console
	Output       string // stdout, stderr, or file path
	EnableSource bool
	TimeFormat   string // console only
	NoColor      bool

	// Service, Environment and Version are attached to every record when set
	Service     string
	Environment string
	Version     string

	// RedactKeys overrides DefaultRedactKeys. Matching is case-insensitive on the attribute key.
	RedactKeys []string

	// writer overrides Output; set by tests
	writer io.Writer
}

// Logger wraps slog.Logger and owns the log file when Output is a path
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// New creates a logger. File outputs are opened in append mode and closed by Close.
func New(config *Config) (*Logger, error) {
	writer, closer, err := openOutput(config)
	if err != nil {
		return nil, err
	}

	level := parseLevel(config.Level)
	replace := redactor(config.RedactKeys)

	var handler slog.Handler
	if config.Format == "console" || config.Format == "" {
		timeFormat := config.TimeFormat
		if timeFormat == "" {
			timeFormat = time.RFC3339
		}
		handler = tint.NewHandler(writer, &tint.Options{
			Level:       level,
			AddSource:   config.EnableSource,
			TimeFormat:  timeFormat,
			NoColor:     config.NoColor || closer != nil,
			ReplaceAttr: replace,
		})
	} else {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{
			Level:       level,
			AddSource:   config.EnableSource,
			ReplaceAttr: replace,
		})
	}

	if attrs := serviceAttrs(config); len(attrs) > 0 {
		handler = handler.WithAttrs(attrs)
	}

	return &Logger{Logger: slog.New(handler), closer: closer}, nil
}

func serviceAttrs(config *Config) []slog.Attr {
	var attrs []slog.Attr
	if config.Service != "" {
		attrs = append(attrs, slog.String("service", config.Service))
	}
	if config.Environment != "" {
		attrs = append(attrs, slog.String("environment", config.Environment))
	}
	if config.Version != "" {
		attrs = append(attrs, slog.String("version", config.Version))
	}
	return attrs
}

func redactor(keys []string) func([]string, slog.Attr) slog.Attr {
	if keys == nil {
		keys = DefaultRedactKeys
	}
	lowered := make([]string, len(keys))
	for i, k := range keys {
		lowered[i] = strings.ToLower(k)
	}
	return func(_ []string, a slog.Attr) slog.Attr {
		if a.Value.Kind() != slog.KindGroup && slices.Contains(lowered, strings.ToLower(a.Key)) {
			return slog.String(a.Key, redacted)
		}
		return a
	}
}

func openOutput(config *Config) (io.Writer, io.Closer, error) {
	if config.writer != nil {
		return config.writer, nil, nil
	}

	switch config.Output {
	case "stderr":
		return os.Stderr, nil, nil
	case "stdout", "":
		return os.Stdout, nil, nil
	}

	if dir := filepath.Dir(config.Output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, f, nil
}

// Close releases the log file, if any
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Component returns a logger tagged with the component name
func (l *Logger) Component(name string) *slog.Logger {
	return l.Logger.With(slog.String("component", name))
}

// parseLevel accepts slog level names in any case plus "warning"; anything else is info
func parseLevel(level string) slog.Level {
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
