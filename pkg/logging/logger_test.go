// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo}, // Unknown defaults to Info
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			if got := tt.level.toSlogLevel(); got != tt.want {
				t.Errorf("Level.toSlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	logger := New(Config{})
	defer logger.Close()

	if logger.slog == nil {
		t.Fatal("expected non-nil slog logger")
	}
	if logger.file != nil {
		t.Error("expected no log file without LogDir")
	}
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "testsvc",
		Quiet:   true,
	})

	logger.Info("hello", "key", "value")

	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	filename := "testsvc_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, `"msg":"hello"`) {
		t.Errorf("log file missing message, got: %s", content)
	}
	if !strings.Contains(content, `"service":"testsvc"`) {
		t.Errorf("log file missing service attribute, got: %s", content)
	}
}

func TestLogger_With(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		LogDir:  dir,
		Service: "withsvc",
		Quiet:   true,
	})
	defer logger.Close()

	child := logger.With("request_id", "abc-123")
	child.Info("child message")

	filename := "withsvc_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	if !strings.Contains(string(data), `"request_id":"abc-123"`) {
		t.Errorf("child logger attribute not present, got: %s", string(data))
	}
}

func TestLogger_With_ChildDoesNotOwnFile(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "ownsvc", Quiet: true})

	child := logger.With("request_id", "abc-123")
	if err := child.Close(); err != nil {
		t.Fatalf("child Close() error: %v", err)
	}

	// The parent's file handle survives closing the child.
	logger.Info("after child close")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	filename := "ownsvc_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "after child close") {
		t.Errorf("parent write missing after child close, got: %s", string(data))
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelWarn,
		LogDir:  dir,
		Service: "filtsvc",
		Quiet:   true,
	})
	defer logger.Close()

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	logger.Warn("warning message")

	filename := "filtsvc_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	content := string(data)
	if strings.Contains(content, "should not appear") {
		t.Errorf("filtered levels leaked into log: %s", content)
	}
	if !strings.Contains(content, "warning message") {
		t.Errorf("warn message missing from log: %s", content)
	}
}

func TestLogger_CloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "closesvc", Quiet: true})

	if err := logger.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}

	got := expandPath("~/logs")
	want := filepath.Join(home, "logs")
	if got != want {
		t.Errorf("expandPath(~/logs) = %v, want %v", got, want)
	}

	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("absolute path should be unchanged, got %v", got)
	}
}
