// Package logger provides structured slog loggers. All logs are written in
// JSON format to size-rotated files.
//
// Log files are organized as:
//
//	<logDir>/system.log      application-level events
//	<logDir>/deliveries.log  batches handed to the "log" delivery method
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxSizeMB  = 50
	maxBackups = 5
	maxAgeDays = 28
)

// NewSystemLogger creates a JSON slog.Logger that writes to <logDir>/system.log.
// The directory is created if it does not exist. The returned closer flushes
// and closes the underlying file.
func NewSystemLogger(logDir string, level slog.Level) (*slog.Logger, io.Closer, error) {
	return newFileLogger(logDir, "system.log", level)
}

// NewDeliveryLogger creates a JSON slog.Logger that writes to
// <logDir>/deliveries.log.
func NewDeliveryLogger(logDir string, level slog.Level) (*slog.Logger, io.Closer, error) {
	l, c, err := newFileLogger(logDir, "deliveries.log", level)
	if err != nil {
		return nil, nil, err
	}
	return l.With("component", "delivery"), c, nil
}

func newFileLogger(logDir, name string, level slog.Level) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return nil, nil, fmt.Errorf("creating log directory %q: %w", logDir, err)
	}

	w := rotatingFile(filepath.Join(logDir, name))
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler), w, nil
}

// rotatingFile returns an append-only writer that rotates path once it
// reaches maxSizeMB.
func rotatingFile(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
}
