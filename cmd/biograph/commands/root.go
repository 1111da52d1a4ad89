// Package commands defines all Cobra CLI commands for the biograph binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/biomedgraph/biograph/internal/audit"
	"github.com/biomedgraph/biograph/internal/config"
	"github.com/biomedgraph/biograph/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// metricsAddr holds the --metrics-addr flag value; empty disables the
// Prometheus listener.
var metricsAddr string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "biograph",
		Short: "biograph — biomedical literature pipeline across graph and vector stores",
		Long: `biograph ingests biomedical literature and gene data from the NCBI
E-utilities, stores it in Neo4j and Qdrant alongside a flat-file source of
truth, and validates that the three stores stay mutually consistent.

Connection settings come from environment variables or a YAML config file
(~/.biograph/config.yaml); environment variables always win.
See 'biograph --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.biograph/config.yaml)")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Address for the Prometheus /metrics listener (disabled when empty)")

	root.AddCommand(
		NewRunCmd(),
		NewIncrementalCmd(),
		NewRebuildCmd(),
		NewCheckCmd(),
		NewRunsCmd(),
		NewVersionCmd(),
	)

	return root
}
