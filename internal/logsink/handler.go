// Package logsink writes broker-shipped log records into rotated
// per-origin files.
package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"telemetry-pipeline/config"
	"telemetry-pipeline/internal/logger"
)

// LogFileHandler is the logger-service implementation of broker.Handler.
// Each record lands in <dir>/<YYYY-MM-DD>_<origin>.log; files rotate by
// size and keep a bounded number of backups. The date is computed on
// every write so day rollover needs no background timer.
type LogFileHandler struct {
	dir        string
	maxSizeMB  int
	maxBackups int
	logger     *logger.Logger

	mu      sync.Mutex
	writers map[string]*originWriter
}

type originWriter struct {
	date string
	file *lumberjack.Logger
}

// logRecord is the subset of a shipped record the sink inspects.
type logRecord struct {
	Origin string `json:"origin"`
}

func NewLogFileHandler(cfg *config.LogConfig, log *logger.Logger) (*LogFileHandler, error) {
	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &LogFileHandler{
		dir:        cfg.Directory,
		maxSizeMB:  cfg.MaxSizeMB,
		maxBackups: cfg.MaxBackups,
		logger:     log,
		writers:    make(map[string]*originWriter),
	}, nil
}

// HandleMessage appends one record to its origin's current file. A write
// failure propagates so the delivery stays unacknowledged.
func (h *LogFileHandler) HandleMessage(ctx context.Context, body []byte, corrID string) error {
	var rec logRecord
	if err := json.Unmarshal(body, &rec); err != nil || rec.Origin == "" {
		// Records without a parseable origin still get kept.
		rec.Origin = "unknown"
	}

	w := h.writer(rec.Origin, time.Now().Format("2006-01-02"))

	line := body
	if !bytes.HasSuffix(line, []byte("\n")) {
		line = append(append([]byte{}, body...), '\n')
	}

	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("failed to write log record for %s: %w", rec.Origin, err)
	}
	return nil
}

// HandleRPC is unused on the logs queue; requests are answered but ignored.
func (h *LogFileHandler) HandleRPC(ctx context.Context, corrID string, body []byte) []byte {
	h.logger.Warn("unexpected rpc on logs queue", "correlationId", corrID)
	return []byte("ok")
}

// Close flushes and closes every open file.
func (h *LogFileHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for origin, w := range h.writers {
		if err := w.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close log file for %s: %w", origin, err)
		}
	}
	h.writers = make(map[string]*originWriter)
	return firstErr
}

// writer returns the current file for an origin, swapping to a new dated
// file when the day has rolled over since the last write.
func (h *LogFileHandler) writer(origin, date string) *lumberjack.Logger {
	h.mu.Lock()
	defer h.mu.Unlock()

	w, ok := h.writers[origin]
	if ok && w.date == date {
		return w.file
	}
	if ok {
		w.file.Close()
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(h.dir, fmt.Sprintf("%s_%s.log", date, origin)),
		MaxSize:    h.maxSizeMB,
		MaxBackups: h.maxBackups,
	}
	h.writers[origin] = &originWriter{date: date, file: file}
	return file
}
