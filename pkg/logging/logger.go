// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the slog logger the awaregpt binary hands to
// every service package.
//
// Records go to the console (stderr unless Config.Output is set) and,
// when Config.LogDir is set, to a per-day JSON file as well. The chat
// REPL runs Quiet so log lines never interleave with streamed text:
//
//	l := logging.New(logging.Config{LogDir: "~/.awaregpt/logs", Service: "chat", Quiet: true})
//	defer l.Close()
//	orch, _ := orchestrator.New(orchestrator.Config{Logger: l.Slog(), ...})
//
// A Logger is safe for concurrent use.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Levels
// =============================================================================

// Level is a minimum severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	// LevelWarn covers degraded turns, e.g. a response left unscored.
	LevelWarn
	LevelError
)

var levelNames = [...]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

var slogLevels = [...]slog.Level{
	LevelDebug: slog.LevelDebug,
	LevelInfo:  slog.LevelInfo,
	LevelWarn:  slog.LevelWarn,
	LevelError: slog.LevelError,
}

func (l Level) valid() bool { return l >= LevelDebug && l <= LevelError }

func (l Level) String() string {
	if !l.valid() {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// toSlogLevel maps out-of-range levels to slog.LevelInfo.
func (l Level) toSlogLevel() slog.Level {
	if !l.valid() {
		return slog.LevelInfo
	}
	return slogLevels[l]
}

// ParseLevel reads the log_level setting. Case and surrounding space are
// ignored, "warning" is an alias of "warn" and "" means info. Unknown
// names return LevelInfo with an error.
func ParseLevel(name string) (Level, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	switch key {
	case "":
		return LevelInfo, nil
	case "WARNING":
		return LevelWarn, nil
	}
	for l, n := range levelNames {
		if n == key {
			return Level(l), nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// =============================================================================
// Logger
// =============================================================================

// Config selects destinations. The zero value logs Info and above as text
// to stderr.
type Config struct {
	Level Level

	// LogDir, when set, adds a JSON file named <Service>_<date>.log in
	// that directory. A leading "~" is expanded.
	LogDir string

	// Service is added to every record as "service".
	Service string

	// JSON formats console records as JSON instead of text.
	JSON bool

	// Quiet drops the console destination.
	Quiet bool

	// Output replaces stderr as the console writer.
	Output io.Writer
}

// Logger wraps a *slog.Logger together with the log file it owns.
type Logger struct {
	slog   *slog.Logger
	config Config

	mu   sync.Mutex
	file *os.File
}

// New builds a Logger.
//
// # Description
//
// Console and file destinations each get their own slog handler. An
// unusable LogDir is skipped and the logger falls back to the console,
// even when Quiet is set, so records are never dropped entirely.
//
// # Outputs
//
//   - *Logger: Close it when LogDir is set so the file is flushed.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}
	console := config.Output
	if console == nil {
		console = os.Stderr
	}

	l := &Logger{config: config}
	var sinks fanout
	if !config.Quiet {
		sinks = append(sinks, consoleHandler(console, config.JSON, opts))
	}
	if config.LogDir != "" {
		if f, err := openLogFile(config.LogDir, config.Service); err == nil {
			l.file = f
			sinks = append(sinks, slog.NewJSONHandler(f, opts))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleHandler(console, false, opts))
	}

	var h slog.Handler = sinks
	if len(sinks) == 1 {
		h = sinks[0]
	}
	if config.Service != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}
	l.slog = slog.New(h)
	return l
}

func consoleHandler(w io.Writer, asJSON bool, opts *slog.HandlerOptions) slog.Handler {
	if asJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With derives a logger with extra attributes. Derived loggers do not own
// the file; close only the one returned by New.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), config: l.config}
}

// Slog exposes the logger for packages that take a *slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes and closes the log file. Later calls return nil.
func (l *Logger) Close() error {
	l.mu.Lock()
	f := l.file
	l.file = nil
	l.mu.Unlock()

	if f == nil {
		return nil
	}
	syncErr := f.Sync()
	if syncErr != nil {
		syncErr = fmt.Errorf("sync log file: %w", syncErr)
	}
	closeErr := f.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("close log file: %w", closeErr)
	}
	return errors.Join(syncErr, closeErr)
}

// =============================================================================
// Fan-out
// =============================================================================

// fanout hands each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f fanout) WithGroup(name string) slog.Handler {
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f fanout) derive(fn func(slog.Handler) slog.Handler) fanout {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = fn(h)
	}
	return out
}

// =============================================================================
// Files
// =============================================================================

// openLogFile appends to today's file for service under dir.
func openLogFile(dir, service string) (*os.File, error) {
	dir = ExpandPath(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	if service == "" {
		service = "awaregpt"
	}
	path := filepath.Join(dir, service+"_"+time.Now().Format(time.DateOnly)+".log")
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

// ExpandPath replaces a leading "~" or "~/" with the home directory.
// "~user" forms are left alone.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
