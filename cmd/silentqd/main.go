// Command silentqd is the throttled action daemon.
//
// Usage:
//
//	silentqd -config silentq.yaml
//	silentqd -db silentq.db -listen 127.0.0.1:8765
//
// It exposes a local control API (run submission, status, SSE progress,
// seen-set export/import) and drives the platform session through a
// browser it launches or attaches to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/silentq"
	"github.com/hazyhaar/silentq/bridge"
	"github.com/hazyhaar/silentq/browser"
	"github.com/hazyhaar/silentq/dbopen"
)

func main() {
	configPath := flag.String("config", "", "path to silentq.yaml config file")
	dbPath := flag.String("db", "", "override database path")
	listen := flag.String("listen", "", "override control API address")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *dbPath, *listen); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("silentqd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, listen string) error {
	cfg := silentq.DefaultConfig()
	if configPath != "" {
		loaded, err := silentq.LoadConfigFile(configPath)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if listen != "" {
		cfg.Listen = listen
	}
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return err
	}
	defer db.Close()

	g, ctx := errgroup.WithContext(ctx)

	var ch bridge.Channel
	var agent *silentq.AgentTransport

	switch cfg.Channel {
	case "agent":
		agent = silentq.NewAgentTransport()
		mux := bridge.NewMux(agent, bridge.MuxOptions{Logger: logger})
		g.Go(func() error {
			mux.Run(ctx)
			return ctx.Err()
		})
		ch = mux
	case "browser":
		if cfg.Browser.BaseURL == "" {
			return fmt.Errorf("silentqd: browser.base_url is required")
		}
		mgr := browser.NewManager(browser.Config{
			RemoteURL:       cfg.Browser.Remote,
			Headless:        cfg.Browser.Headless,
			RecycleInterval: cfg.Browser.RecycleInterval,
			Logger:          logger,
		})
		if err := mgr.Start(ctx); err != nil {
			return err
		}
		defer mgr.Close()

		ch, err = browser.NewChannel(mgr, browser.ChannelOptions{
			BaseURL: cfg.Browser.BaseURL,
			SelfID:  cfg.Browser.SelfID,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("silentqd: unknown channel %q", cfg.Channel)
	}

	svc := silentq.New(cfg, db, ch, logger)
	svc.Agent = agent
	if err := svc.Init(ctx); err != nil {
		return err
	}

	g.Go(func() error { return svc.Run(ctx) })

	if configPath != "" {
		g.Go(func() error {
			return silentq.WatchConfig(ctx, configPath, logger, svc.ApplyConfig)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("silentqd: control API listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}
