// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli implements the flightrec inspection command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/flightrec/internal/config"
	"github.com/tombee/flightrec/internal/log"
	"github.com/tombee/flightrec/pkg/runstore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// flag storage shared across subcommands
var (
	flagConfig string
	flagJSON   bool
)

// NewRootCommand creates the root Cobra command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flightrec",
		Short: "flightrec - run state and telemetry inspection",
		Long: `flightrec inspects the run store used by agent swarms: list runs,
watch live event streams, and cancel in-flight work.

Connection settings come from the config file and environment
(REDIS_URL), the same way flightrecd resolves them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config file")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output in JSON format")

	cmd.AddCommand(newRunsCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flightrec %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// openStore resolves configuration and connects to the run store.
func openStore(ctx context.Context) (runstore.Store, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	// The CLI should stay quiet unless asked; route store logs at warn+.
	logger := log.New(&log.Config{Level: "warn", Format: log.FormatText})

	return runstore.Open(ctx, runstore.Config{
		RedisURL:       cfg.Store.RedisURL,
		ForceMemory:    cfg.Store.ForceMemory,
		RunDataTTL:     cfg.Store.RunDataTTL,
		CancelTTL:      cfg.Store.CancelTTL,
		EventStreamTTL: cfg.Store.EventStreamTTL,
		StreamMaxLen:   cfg.Store.StreamMaxLen,
	}, logger)
}
