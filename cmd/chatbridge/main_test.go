package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"chatbridge/internal/config"
)

func init() {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewLogger_Levels(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for name, want := range cases {
		l := newLogger(config.GeneralConfig{LogLevel: name, LogFormat: "text"})
		if !l.Enabled(context.Background(), want) {
			t.Errorf("%s: expected level %v enabled", name, want)
		}
		if want > slog.LevelDebug && l.Enabled(context.Background(), want-4) {
			t.Errorf("%s: expected level below %v disabled", name, want)
		}
	}
}

func TestNewLogger_JSON(t *testing.T) {
	l := newLogger(config.GeneralConfig{LogLevel: "info", LogFormat: "json"})
	if _, ok := l.Handler().(*slog.JSONHandler); !ok {
		t.Errorf("expected JSON handler, got %T", l.Handler())
	}
}

func TestCheckRegistry(t *testing.T) {
	if err := checkRegistry(config.RegistryConfig{Driver: "memory"}); err != nil {
		t.Errorf("memory registry: %v", err)
	}
	path := filepath.Join(t.TempDir(), "nested", "registry.db")
	if err := checkRegistry(config.RegistryConfig{Driver: "sqlite", DBPath: path}); err != nil {
		t.Errorf("sqlite registry: %v", err)
	}
	if err := checkRegistry(config.RegistryConfig{Driver: "redis"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestLoadDotEnv_MissingFileIsFine(t *testing.T) {
	envFile = filepath.Join(t.TempDir(), "absent.env")
	defer func() { envFile = ".env" }()
	if err := loadDotEnv(); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}

func TestLoadDotEnv_FillsUnsetVariables(t *testing.T) {
	envFile = filepath.Join(t.TempDir(), ".env")
	defer func() { envFile = ".env" }()
	if err := os.WriteFile(envFile, []byte("CHATBRIDGE_DOTENV_PROBE=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("CHATBRIDGE_DOTENV_PROBE") })

	if err := loadDotEnv(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("CHATBRIDGE_DOTENV_PROBE"); got != "from-file" {
		t.Fatalf("expected from-file, got %q", got)
	}
}
