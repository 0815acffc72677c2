// Tag Gateway - sensor telemetry and device registration service.
//
// The gateway receives envelopes from an upstream relay (HTTP webhook or
// MQTT uplink). Telemetry readings are pushed to live viewers and stored;
// registration requests bind a tag to an edge gateway after provisioning
// it with the identity authority, and the gateway is told the outcome.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	appName = "taggateway"

	// Default configuration file path
	defaultConfigPath = "configs/config.yaml"
)

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCommand builds the CLI. With no subcommand the gateway runs.
func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Sensor telemetry and device registration gateway",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", getConfigPath(),
		"path to the YAML configuration file (env TAGGW_CONFIG)")

	cmd.AddCommand(
		newTokenCommand(&configPath),
		newMigrateCommand(&configPath),
	)
	return cmd
}

// getConfigPath returns the configuration file path.
// Uses TAGGW_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("TAGGW_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
