package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWithFileCreatesLogDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "logs", "cratesync.log")
	log := New(Config{Level: "debug", File: file})
	log.Info("hello", "k", "v")

	if _, err := os.Stat(filepath.Dir(file)); err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
}

func TestLevelColorThresholds(t *testing.T) {
	if levelColor(slog.LevelError) != levelColor(slog.LevelError+4) {
		t.Fatalf("levels above error should share the error color")
	}
	if levelColor(slog.LevelInfo) == levelColor(slog.LevelWarn) {
		t.Fatalf("info and warn must differ")
	}
	if levelColor(slog.LevelDebug) == levelColor(slog.LevelInfo) {
		t.Fatalf("debug and info must differ")
	}
	// a custom level between info and warn stays in the info bucket
	if levelColor(slog.LevelInfo+2) != levelColor(slog.LevelInfo) {
		t.Fatalf("in-between level fell out of its bucket")
	}
}

func TestColorTextHandlerTagsMessage(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	log.Warn("disk almost full", "free_mb", 12)

	out := buf.String()
	if !strings.Contains(out, "\033[33mWARN"+ansiReset) {
		t.Fatalf("expected colored level tag, got %q", out)
	}
	// fields stay plain text
	if !strings.Contains(out, "free_mb=12") {
		t.Fatalf("expected plain key=value fields, got %q", out)
	}
}

func TestValOr(t *testing.T) {
	if valOr(0, 7) != 7 || valOr(-1, 7) != 7 || valOr(3, 7) != 3 {
		t.Fatalf("valOr defaults wrong")
	}
}
