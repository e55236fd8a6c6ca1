package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/devicekit/internal/infrastructure/config"
)

// levelOff is above every level slog emits, so nothing passes the filter.
const levelOff = slog.Level(100)

// Logger wraps slog.Logger with devicekit-specific functionality.
//
// It provides structured logging with default fields and level-based filtering.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger with the specified configuration.
//
// It configures:
//   - Output format (JSON for production, text for development)
//   - Log level filtering
//   - Default fields (service name, version)
//   - Output destination
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}
	return newWithWriter(cfg, version, output)
}

func newWithWriter(cfg config.LoggingConfig, version string, output io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "devicekit"),
		slog.String("version", version),
	})

	return &Logger{
		Logger: slog.New(handler),
	}
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: debug, info, warn, error, off.
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	case "off":
		return levelOff
	default:
		return slog.LevelInfo
	}
}

// LevelFromVerbosity maps a device server "-v<N>" trace level to a level name
// understood by New.
//
//	0 off, 1 fatal, 2 error, 3 warn, 4 info, 5 and above debug
func LevelFromVerbosity(v int) string {
	switch {
	case v <= 0:
		return "off"
	case v == 1:
		return "fatal"
	case v == 2:
		return "error"
	case v == 3:
		return "warn"
	case v == 4:
		return "info"
	default:
		return "debug"
	}
}

// ForVerbosity returns a copy of cfg whose level follows a "-v<N>" flag.
func ForVerbosity(cfg config.LoggingConfig, v int) config.LoggingConfig {
	cfg.Level = LevelFromVerbosity(v)
	return cfg
}

// With returns a new Logger with additional default attributes.
//
// Example:
//
//	srvLogger := logger.With("component", "server")
//	srvLogger.Info("listening") // Includes component=server
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Default creates a default logger for use before configuration is loaded.
//
// This logger outputs to stdout in JSON format at info level.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: levelOff}))}
}
