package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"telemetry-pipeline/config"
	"telemetry-pipeline/internal/broker"
)

type Logger struct {
	*slog.Logger
}

// NewLogger builds a service-local logger writing JSON records to stdout
// and/or a rotated file, per config.
func NewLogger(cfg *config.LogConfig, origin string) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("log config is required")
	}

	// Create logging directory if it doesn't exist
	if cfg.LogToFile && cfg.Directory != "" {
		if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
			return nil, err
		}
	}

	level := parseLevel(cfg.Level)

	// Create the appropriate writer(s)
	var writer io.Writer

	if cfg.LogToFile && cfg.LogToStdout {
		writer = io.MultiWriter(os.Stdout, newFileWriter(cfg, origin))
	} else if cfg.LogToFile {
		writer = newFileWriter(cfg, origin)
	} else {
		writer = os.Stdout
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	})

	return &Logger{
		Logger: slog.New(handler).With("origin", origin),
	}, nil
}

// NewBrokerLogger builds a logger that ships every record to the logs
// exchange through the given publisher. Records that cannot be published
// fall back to stderr so operators keep local visibility.
func NewBrokerLogger(pub broker.Publisher, origin, level string) *Logger {
	writer := &publishWriter{
		pub:      pub,
		key:      broker.LogsKey(origin),
		fallback: os.Stderr,
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: parseLevel(level),
	})

	return &Logger{
		Logger: slog.New(handler).With("origin", origin),
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newFileWriter(cfg *config.LogConfig, origin string) io.Writer {
	return &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Directory, origin+".log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
}

// publishWriter forwards each record written by the slog handler to the
// broker as a single message. The handler emits exactly one Write per
// record, so no framing is needed.
type publishWriter struct {
	pub      broker.Publisher
	key      string
	fallback io.Writer
}

func (w *publishWriter) Write(p []byte) (int, error) {
	body := make([]byte, len(p))
	copy(body, p)

	if err := w.pub.Publish(w.key, body, broker.ContentTypeJSON); err != nil {
		// Log loss is acceptable; blocking the caller is not.
		w.fallback.Write(p)
	}
	return len(p), nil
}

// Fatal logs a message at Error level and exits the program
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.Logger.Error(msg, args...)
	os.Exit(1)
}

// Error logs a message at Error level
func (l *Logger) Error(msg string, args ...interface{}) {
	l.Logger.Error(msg, args...)
}

// Warn logs a message at Warn level
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.Logger.Warn(msg, args...)
}

// Info logs a message at Info level
func (l *Logger) Info(msg string, args ...interface{}) {
	l.Logger.Info(msg, args...)
}

// Debug logs a message at Debug level
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.Logger.Debug(msg, args...)
}
