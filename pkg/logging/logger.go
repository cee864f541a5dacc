// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for Quill components.
//
// The package is a thin layer over the standard library slog package
// with multi-destination output:
//
//   - Default: stderr output for CLI compatibility
//   - Optional: file logging with automatic directory creation
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("review started", "subject", subjectID)
//	logger.Error("analysis failed", "error", err)
//
// # File Logging
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.quill/logs",
//	    Service: "reviewd",
//	})
//	defer logger.Close()
//
// File logs are named `{service}_{date}.log` and are always JSON.
//
// # Thread Safety
//
// Logger is safe for concurrent use. The underlying slog.Logger is
// thread-safe and mutable state is protected by a mutex.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers
// must ensure tokens and secrets are not logged:
//
//	// BAD: logs sensitive data
//	logger.Info("auth", "token", authToken)
//
//	// GOOD: log metadata only
//	logger.Info("auth", "token_present", authToken != "")
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity, ordered Debug < Info < Warn < Error.
// Setting a minimum level filters out all logs below that level.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	LevelInfo

	// LevelWarn is for potentially problematic situations the system
	// can continue through (retry attempts, degraded mode).
	LevelWarn

	// LevelError is for operation failures.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// toSlogLevel bridges our Level type to the standard library.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config configures the Logger behavior.
//
// All fields have sensible defaults. A zero-value Config creates a
// logger that writes Info+ messages to stderr in text format.
type Config struct {
	// Level sets the minimum log level. Default: LevelInfo.
	Level Level

	// LogDir enables file logging to the specified directory.
	// Supports ~ for home directory expansion. The file is named
	// "{Service}_{YYYY-MM-DD}.log" in JSON format.
	// Default: "" (file logging disabled).
	LogDir string

	// Service identifies the component generating logs. Included in
	// every log entry as the "service" attribute.
	// Recommended values: "cli", "reviewd".
	Service string

	// JSON enables JSON output on stderr. File logs are always JSON
	// regardless of this setting. Default: false (text).
	JSON bool

	// Quiet disables stderr output. Logs are then only written to
	// file (if LogDir is set). Default: false.
	Quiet bool
}

// Logger provides structured logging with multi-destination output.
//
// Always call Close() on a logger with file logging configured so the
// file handle is synced and closed. Only the logger returned by New
// owns the file; children from With borrow its destinations.
//
// Thread Safety: Safe for concurrent use from multiple goroutines.
type Logger struct {
	slog *slog.Logger
	file *os.File
	mu   sync.Mutex
}

// New creates a new Logger with the given configuration.
//
// Inputs:
//   - config: Logger configuration (see Config for options).
//
// Outputs:
//   - *Logger: Configured logger ready for use. Close() releases the
//     log file handle when file logging is enabled.
func New(config Config) *Logger {
	var handlers []slog.Handler

	opts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
	}

	if !config.Quiet {
		var stderrHandler slog.Handler
		if config.JSON {
			stderrHandler = slog.NewJSONHandler(os.Stderr, opts)
		} else {
			stderrHandler = slog.NewTextHandler(os.Stderr, opts)
		}
		handlers = append(handlers, stderrHandler)
	}

	logger := &Logger{}

	if config.LogDir != "" {
		if file, err := openLogFile(config.LogDir, config.Service); err == nil {
			logger.file = file
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		// Fallback: at least write to stderr
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns a logger with default settings: Info level, stderr
// only, text format, service "quill".
func Default() *Logger {
	return New(Config{
		Level:   LevelInfo,
		Service: "quill",
	})
}

// Debug logs a message at Debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.slog.Debug(msg, args...)
}

// Info logs a message at Info level.
func (l *Logger) Info(msg string, args ...any) {
	l.slog.Info(msg, args...)
}

// Warn logs a message at Warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.slog.Warn(msg, args...)
}

// Error logs a message at Error level.
func (l *Logger) Error(msg string, args ...any) {
	l.slog.Error(msg, args...)
}

// With returns a child Logger with additional attributes. The parent
// is not modified, and the child does not own the log file: Close the
// parent, not its children.
//
// Example:
//
//	reqLogger := logger.With("request_id", reqID, "subject", subject)
//	reqLogger.Info("processing") // includes request_id, subject
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...)}
}

// Slog returns the underlying slog.Logger for components that take
// a *slog.Logger directly.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close syncs and closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	l.file = nil
	return nil
}

// multiHandler fans out log records to multiple slog handlers,
// enabling simultaneous stderr and file output with different formats.
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled returns true if any handler is enabled for the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends the record to all enabled handlers.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// WithAttrs returns a new handler with additional attributes.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

// WithGroup returns a new handler with a group name.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// openLogFile creates the log directory if needed and opens today's
// log file for the service, append mode.
func openLogFile(dir, service string) (*os.File, error) {
	logDir := expandPath(dir)
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return nil, err
	}
	if service == "" {
		service = "quill"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
