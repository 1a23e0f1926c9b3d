// Copyright (C) 2025 Quillhaven AI (oss@quillhaven.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for Quillhaven components.
//
// Built on the standard library slog package. The default logger writes
// human-readable output to stderr, following CLI conventions; configuring
// a log directory adds a JSON file named {service}_{date}.log alongside.
//
// Basic usage:
//
//	logger := logging.Default()
//	logger.Info("assembling context", "session_id", sessionID)
//
// With file output:
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.quillhaven/logs",
//	    Service: "studio",
//	})
//	defer logger.Close()
//
// This package does not redact sensitive data; callers must keep keys
// and user content out of log attributes.
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

// Level is the minimum severity a logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts a level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config controls logger construction.
type Config struct {
	// Level is the minimum severity to emit.
	Level Level

	// LogDir enables JSON file output when non-empty. Supports a
	// leading ~ for the home directory. Created if missing.
	LogDir string

	// Service names the component; used in the log file name and as a
	// constant attribute on every record.
	Service string
}

// Logger wraps slog with optional file output.
//
// Thread Safety: Safe for concurrent use.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// Default returns a stderr-only logger at info level.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "quillhaven"})
}

// New creates a logger from the config. File-open failures degrade to
// stderr-only logging with a warning rather than failing construction;
// a broken log directory should never take the process down.
func New(cfg Config) *Logger {
	if cfg.Service == "" {
		cfg.Service = "quillhaven"
	}

	opts := &slog.HandlerOptions{Level: cfg.Level.slogLevel()}
	stderrHandler := slog.NewTextHandler(os.Stderr, opts)

	logger := &Logger{}
	if cfg.LogDir == "" {
		logger.Logger = slog.New(stderrHandler).With("service", cfg.Service)
		return logger
	}

	file, err := openLogFile(cfg.LogDir, cfg.Service)
	if err != nil {
		l := slog.New(stderrHandler).With("service", cfg.Service)
		l.Warn("file logging disabled", "error", err)
		logger.Logger = l
		return logger
	}

	logger.file = file
	multi := slog.New(newFanoutHandler(
		stderrHandler,
		slog.NewJSONHandler(file, opts),
	))
	logger.Logger = multi.With("service", cfg.Service)
	return logger
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// openLogFile creates the log directory if needed and opens the day's
// log file for appending.
func openLogFile(dir, service string) (*os.File, error) {
	dir, err := expandHome(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return file, nil
}

// expandHome resolves a leading ~ to the user's home directory.
func expandHome(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// fanoutHandler duplicates records to multiple handlers.
type fanoutHandler struct {
	handlers []slog.Handler
}

func newFanoutHandler(handlers ...slog.Handler) *fanoutHandler {
	return &fanoutHandler{handlers: handlers}
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}
