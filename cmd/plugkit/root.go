// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/plugkit/plugkit/internal/logging"
	"github.com/plugkit/plugkit/internal/plugin"
	"github.com/plugkit/plugkit/internal/store"
)

// Global flag available to all subcommands.
var configFile string

// engineConfig holds configuration shared by the engine subcommands.
// Values come from plugkit.yaml overlaid with command-line flags
// (flags win).
type engineConfig struct {
	SearchPaths   []string      `koanf:"plugins"`
	Database      string        `koanf:"database"`
	SystemVersion string        `koanf:"system-version"`
	MetricsAddr   string        `koanf:"metrics-addr"`
	LogFormat     string        `koanf:"log-format"`
	LogLevel      string        `koanf:"log-level"`
	WatchDebounce time.Duration `koanf:"watch-debounce"`
}

// Validate checks that the configuration is usable.
func (cfg *engineConfig) Validate() error {
	if len(cfg.SearchPaths) == 0 {
		return fmt.Errorf("at least one plugin search path is required")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return fmt.Errorf("log-format must be 'json' or 'text', got %q", cfg.LogFormat)
	}
	return nil
}

// NewRootCmd creates the root command for the plugkit CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugkit",
		Short: "PlugKit - plugin lifecycle and dependency orchestration",
		Long: `PlugKit discovers plugins, resolves their dependency graph,
and drives their lifecycle with an event bus and hook pipeline.`,
	}

	// Accept underscore spellings for all flags (--log_level == --log-level).
	cmd.PersistentFlags().SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (plugkit.yaml)")
	cmd.PersistentFlags().StringSlice("plugins", []string{"plugins"}, "plugin search paths")
	cmd.PersistentFlags().String("database", "", "registry database path (empty = no persistence)")
	cmd.PersistentFlags().String("system-version", "", "host version checked against manifest constraints")
	cmd.PersistentFlags().String("log-format", "text", "log format (json or text)")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(NewScanCmd())
	cmd.AddCommand(NewResolveCmd())
	cmd.AddCommand(NewLoadCmd())
	cmd.AddCommand(NewSchemaCmd())
	cmd.AddCommand(NewServeCmd())

	return cmd
}

// loadConfig builds the effective configuration: defaults, then the
// config file if one is given, then flags.
func loadConfig(cmd *cobra.Command) (*engineConfig, error) {
	k := koanf.New(".")

	if configFile != "" {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configFile, err)
		}
	}
	if err := k.Load(posflag.Provider(cmd.Flags(), ".", k), nil); err != nil {
		return nil, fmt.Errorf("loading flags: %w", err)
	}

	cfg := &engineConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupEngine configures logging and builds a manager from the
// configuration. The returned closer releases the registry store, if
// any.
func setupEngine(cfg *engineConfig) (*plugin.Manager, func(), error) {
	logging.SetDefault("plugkit", version, cfg.LogFormat, cfg.LogLevel)
	return buildManager(cfg, nil)
}

// buildManager assembles the discovery service, optional registry
// store, and manager. Extra options let serve wire in metrics.
func buildManager(cfg *engineConfig, extra []plugin.ManagerOption) (*plugin.Manager, func(), error) {
	discovery := plugin.NewDiscovery(cfg.SearchPaths...)

	opts := append([]plugin.ManagerOption(nil), extra...)
	closer := func() {}

	if cfg.SystemVersion != "" {
		opts = append(opts, plugin.WithSystemVersion(cfg.SystemVersion))
	}
	if cfg.Database != "" {
		st, err := store.Open(cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("opening registry database: %w", err)
		}
		opts = append(opts, plugin.WithStore(st))
		closer = func() {
			if err := st.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "closing registry database: %v\n", err)
			}
		}
	}

	return plugin.NewManager(discovery, opts...), closer, nil
}
