// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plugkit/plugkit/internal/plugin"
)

// NewSchemaCmd creates the schema subcommand, emitting the JSON schema
// for plugin.yaml manifests.
func NewSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the plugin manifest JSON schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := plugin.GenerateManifestSchema()
			if err != nil {
				return fmt.Errorf("generating schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
