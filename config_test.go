package silentq_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/silentq"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfigFileDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silentq.yaml")
	writeConfig(t, path, "db_path: /tmp/q.db\npacing:\n  base_delay_ms: 5000\n")

	cfg, err := silentq.LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/tmp/q.db" {
		t.Fatalf("db_path = %q", cfg.DBPath)
	}
	if cfg.Pacing.BaseDelayMs != 5000 {
		t.Fatalf("base_delay_ms = %d, want 5000", cfg.Pacing.BaseDelayMs)
	}
	if cfg.Listen == "" || cfg.PruneSchedule == "" || cfg.CollectCap == 0 || cfg.Channel == "" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.SeenTTL != 365*24*time.Hour {
		t.Fatalf("seen_ttl = %v", cfg.SeenTTL)
	}
}

func TestLoadConfigFileRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silentq.yaml")
	writeConfig(t, path, "{not yaml")
	if _, err := silentq.LoadConfigFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWatchConfigReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "silentq.yaml")
	writeConfig(t, path, "collect_cap: 10\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan *silentq.Config, 1)
	go func() {
		_ = silentq.WatchConfig(ctx, path, slog.Default(), func(cfg *silentq.Config) {
			select {
			case applied <- cfg:
			default:
			}
		})
	}()

	// Give the watcher a moment to install, then rewrite the file.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, "collect_cap: 99\n")

	select {
	case cfg := <-applied:
		if cfg.CollectCap != 99 {
			t.Fatalf("collect_cap = %d, want 99", cfg.CollectCap)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config change not applied")
	}
}
