package silentq

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/silentq/queue"
)

// Config is the daemon's top-level configuration.
type Config struct {
	// DBPath is the SQLite file holding queue state and the seen set.
	DBPath string `yaml:"db_path"`
	// Listen is the control API address.
	Listen string `yaml:"listen"`

	// Channel selects how actions reach the platform: "browser" drives a
	// Chrome session directly, "agent" serves long-poll endpoints to an
	// in-page agent that performs the calls itself.
	Channel string `yaml:"channel"`

	Browser BrowserConfig `yaml:"browser"`

	// Pacing is the default per-run pacing; a start request may override it.
	Pacing queue.Config `yaml:"pacing"`

	// SeenTTL ages entries out of the seen set. Default: 1 year.
	SeenTTL time.Duration `yaml:"seen_ttl"`
	// PruneSchedule is the cron spec for the seen-set prune. Default: daily
	// at 04:00.
	PruneSchedule string `yaml:"prune_schedule"`

	// CollectCap bounds how many targets one collect call resolves.
	CollectCap int `yaml:"collect_cap"`
	// WarmIndexMax caps the session relationship snapshot.
	WarmIndexMax int `yaml:"warm_index_max"`
	// RecheckUnknown re-queries unresolved targets once during prechecks.
	RecheckUnknown bool `yaml:"recheck_unknown"`
}

// BrowserConfig controls the platform session.
type BrowserConfig struct {
	// Remote is the WebSocket URL of an already-running Chrome carrying the
	// logged-in session. Empty = launch a local one.
	Remote   string `yaml:"remote"`
	Headless bool   `yaml:"headless"`
	// BaseURL is the platform origin.
	BaseURL string `yaml:"base_url"`
	// SelfID is the session account's own id, used for relationship
	// listings.
	SelfID          string        `yaml:"self_id"`
	RecycleInterval time.Duration `yaml:"recycle_interval"`
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "silentq.db"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8765"
	}
	if c.Channel == "" {
		c.Channel = "browser"
	}
	if c.SeenTTL <= 0 {
		c.SeenTTL = 365 * 24 * time.Hour
	}
	if c.PruneSchedule == "" {
		c.PruneSchedule = "0 4 * * *"
	}
	if c.CollectCap <= 0 {
		c.CollectCap = 200
	}
	if c.WarmIndexMax <= 0 {
		c.WarmIndexMax = 15_000
	}
	if c.Pacing.BaseDelayMs == 0 && c.Pacing.JitterPct == 0 && c.Pacing.LikesPerTarget == 0 {
		c.Pacing = queue.DefaultConfig()
	}
}

// LoadConfigFile reads a YAML config file and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("silentq: parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// WatchConfig re-reads path whenever it changes and hands the new config to
// apply. Editors replace files rather than writing in place, so the parent
// directory is watched and events are debounced. Blocks until ctx is done.
func WatchConfig(ctx context.Context, path string, log *slog.Logger, apply func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("silentq: config watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("silentq: watch %s: %w", dir, err)
	}

	var debounce *time.Timer
	reload := func() {
		cfg, err := LoadConfigFile(path)
		if err != nil {
			log.Error("silentq: config reload failed", "path", path, "error", err)
			return
		}
		log.Info("silentq: config reloaded", "path", path)
		apply(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, reload)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("silentq: config watcher error", "error", err)
		}
	}
}
