package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"knowbot/internal/infra/config"
)

func TestNewTextLogger(t *testing.T) {
	log, closer, err := New(config.LoggerConfig{Level: "info", Format: "text", Output: "stderr"})
	if err != nil {
		t.Fatal(err)
	}
	defer closer()
	if log == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowbot.log")
	log, closer, err := New(config.LoggerConfig{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatal(err)
	}

	log.Info("hello", "key", "value")
	if err := closer(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("log file missing entry, got: %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
