package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeManagerConfig(t *testing.T, path, primary string) {
	t.Helper()
	content := `
providers:
  - name: openai
    type: openai
    api_key: sk-test
    model: gpt-4o-mini
  - name: anthropic
    type: anthropic
    api_key: sk-ant-test
    model: claude-3-5-haiku
routing:
  primary: ` + primary + `
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestManager_Get(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeManagerConfig(t, path, "openai")

	m, err := NewManager(path, slog.Default())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if got := m.Get().Routing.Primary; got != "openai" {
		t.Errorf("primary = %s, want openai", got)
	}
}

func TestManager_ReloadSwapsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeManagerConfig(t, path, "openai")

	m, err := NewManager(path, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	changed := make(chan *Config, 1)
	m.OnChange(func(cfg *Config) { changed <- cfg })

	writeManagerConfig(t, path, "anthropic")
	m.reload()

	select {
	case cfg := <-changed:
		if cfg.Routing.Primary != "anthropic" {
			t.Errorf("reloaded primary = %s, want anthropic", cfg.Routing.Primary)
		}
	default:
		t.Fatal("OnChange callback not invoked")
	}
	if m.Get().Routing.Primary != "anthropic" {
		t.Error("Get() did not observe the reloaded config")
	}
}

func TestManager_ReloadKeepsOldOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeManagerConfig(t, path, "openai")

	m, err := NewManager(path, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	// Invalid: unknown primary fails validation.
	writeManagerConfig(t, path, "mistral")
	m.reload()

	if m.Get().Routing.Primary != "openai" {
		t.Error("failed reload should keep the previous config")
	}
}

func TestManager_WatchPicksUpWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeManagerConfig(t, path, "openai")

	m, err := NewManager(path, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	changed := make(chan *Config, 1)
	m.OnChange(func(cfg *Config) { changed <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeManagerConfig(t, path, "anthropic")

	select {
	case cfg := <-changed:
		if cfg.Routing.Primary != "anthropic" {
			t.Errorf("watched primary = %s, want anthropic", cfg.Routing.Primary)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch reload")
	}
}
