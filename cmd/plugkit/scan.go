// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewScanCmd creates the scan subcommand.
func NewScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Discover plugins and print their manifests",
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

			manifests, err := manager.ScanPlugins(cmd.Context())
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}

			names := make([]string, 0, len(manifests))
			for name := range manifests {
				names = append(names, name)
			}
			sort.Strings(names)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tTYPE\tPRIORITY\tENABLED\tDEPENDS ON")
			for _, name := range names {
				m := manifests[name]
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
					m.Name, m.Version, m.Type, m.Priority, m.Enabled,
					strings.Join(m.Dependencies, ","))
			}
			return tw.Flush()
		},
	}
}

// NewResolveCmd creates the resolve subcommand.
func NewResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Compute and print the dependency load order",
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

			manifests, err := manager.ScanPlugins(cmd.Context())
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}
			if !manager.ResolveDependencies(cmd.Context()) {
				return fmt.Errorf("dependency resolution failed (cycle or dependency/conflict overlap)")
			}

			ordered := make([]string, 0, len(manifests))
			for name := range manifests {
				ordered = append(ordered, name)
			}
			sort.Slice(ordered, func(i, j int) bool {
				return manifests[ordered[i]].LoadOrder < manifests[ordered[j]].LoadOrder
			})

			for i, name := range ordered {
				fmt.Fprintf(cmd.OutOrStdout(), "%3d  %s\n", i, name)
			}
			return nil
		},
	}
}
