package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/twinline-core/internal/infrastructure/config"
)

// serviceName is attached to every entry as the "service" attribute.
const serviceName = "twinline"

// Logger is the slog logger handed to components. It satisfies the small
// Logger interfaces declared by each package.
type Logger struct {
	*slog.Logger
}

// New builds a logger from the logging section of the config file.
//
// Parameters:
//   - cfg: level, format (json or text) and output (stdout or stderr)
//   - version: build version stamped on every entry
//
// Returns:
//   - *Logger: ready for concurrent use
func New(cfg config.LoggingConfig, version string) *Logger {
	return NewWithWriter(cfg, version, outputFor(cfg.Output))
}

// NewWithWriter is New with an explicit destination. Output in cfg is ignored.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	h := newHandler(cfg.Format, w, &slog.HandlerOptions{Level: parseLevel(cfg.Level)})
	return &Logger{Logger: slog.New(h).With("service", serviceName, "version", version)}
}

func outputFor(name string) io.Writer {
	if strings.EqualFold(name, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// parseLevel maps debug, info, warn (or warning) and error to slog levels.
// Anything else is info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a child logger carrying args on every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// ForComponent scopes a logger to a subsystem such as "alerts" or "api".
func (l *Logger) ForComponent(name string) *Logger {
	return l.With("component", name)
}

// ForDevice scopes a logger to one device.
func (l *Logger) ForDevice(name, remoteID string) *Logger {
	return l.With("device", name, "remote_id", remoteID)
}

// Default is the logger used until the config file has been read.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}
