// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// NewLoadCmd creates the load subcommand.
func NewLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Load every enabled plugin in dependency order and report results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			manager, closeStore, err := setupEngine(cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			defer manager.Cleanup(cmd.Context())

			if _, err := manager.ScanPlugins(cmd.Context()); err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}

			results := manager.LoadAllPlugins(cmd.Context())

			names := make([]string, 0, len(results))
			for name := range results {
				names = append(names, name)
			}
			sort.Strings(names)

			failed := 0
			for _, name := range names {
				outcome := "ok"
				if !results[name] {
					outcome = "FAILED"
					failed++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-30s %s\n", name, outcome)
			}

			stats := manager.Stats()
			fmt.Fprintf(cmd.OutOrStdout(),
				"\n%d discovered, %d loaded (%d active), %d failed, batch took %s\n",
				stats.TotalPlugins, stats.LoadedPlugins, stats.ActivePlugins,
				stats.FailedPlugins, stats.LoadTime)

			if failed > 0 {
				return fmt.Errorf("%d plugin(s) failed to load", failed)
			}
			return nil
		},
	}
}
