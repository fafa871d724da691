// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/plugkit/plugkit/internal/logging"
	"github.com/plugkit/plugkit/internal/observability"
	"github.com/plugkit/plugkit/internal/plugin"
)

const (
	defaultMetricsAddr   = "127.0.0.1:9190"
	defaultWatchDebounce = 500 * time.Millisecond
	shutdownTimeout      = 10 * time.Second
)

// NewServeCmd creates the serve subcommand: load everything, watch the
// search paths for changes, and serve observability endpoints until a
// shutdown signal arrives.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the plugin engine until interrupted",
		Long: `Load every enabled plugin, reload plugins whose files change on disk,
and serve metrics, health, and the plugin dashboard API over HTTP.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.MetricsAddr == "" {
				cfg.MetricsAddr = defaultMetricsAddr
			}
			if cfg.WatchDebounce <= 0 {
				cfg.WatchDebounce = defaultWatchDebounce
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("metrics-addr", defaultMetricsAddr, "metrics/health HTTP address")
	cmd.Flags().Duration("watch-debounce", defaultWatchDebounce, "delay before reloading a changed plugin")
	return cmd
}

func runServe(parent context.Context, cfg *engineConfig) error {
	logging.SetDefault("plugkit", version, cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ready atomic.Bool
	obs := observability.NewServer(cfg.MetricsAddr, nil, ready.Load)

	manager, closeStore, err := buildManager(cfg, []plugin.ManagerOption{
		plugin.WithMetrics(obs.Metrics()),
	})
	if err != nil {
		return err
	}
	defer closeStore()
	obs.SetLister(manager)

	obsErr, err := obs.Start()
	if err != nil {
		return fmt.Errorf("starting observability server: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := obs.Stop(stopCtx); err != nil {
			slog.Error("stopping observability server failed", "error", err)
		}
	}()

	if _, err := manager.ScanPlugins(ctx); err != nil {
		return fmt.Errorf("initial scan failed: %w", err)
	}
	results := manager.LoadAllPlugins(ctx)
	for name, ok := range results {
		if !ok {
			slog.Warn("plugin failed during startup load", "plugin", name)
		}
	}
	defer manager.Cleanup(context.Background())
	ready.Store(true)

	watcher, err := plugin.NewWatcher(cfg.SearchPaths, cfg.WatchDebounce)
	if err != nil {
		return fmt.Errorf("starting plugin watcher: %w", err)
	}
	defer watcher.Close()

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("plugin watcher stopped", "error", err)
		}
	}()

	slog.Info("plugkit serving",
		"plugins", manager.Stats().LoadedPlugins,
		"metrics_addr", obs.Addr())

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutdown signal received")
			<-watchDone
			return nil

		case change, ok := <-watcher.Changes():
			if !ok {
				<-watchDone
				return nil
			}
			slog.Info("plugin changed on disk, reloading",
				"plugin", change.Plugin, "path", change.Path)
			if !manager.ReloadPlugin(ctx, change.Plugin) {
				slog.Warn("plugin reload failed", "plugin", change.Plugin)
			}

		case err, ok := <-obsErr:
			if ok && err != nil {
				return fmt.Errorf("observability server failed: %w", err)
			}
		}
	}
}
