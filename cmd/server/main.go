/*
main.go - Application entry point

PURPOSE:
  Starts the registry ledger service or runs one-off maintenance against
  the configured backends.

COMMANDS:
  registry serve      HTTP API, command intake and the deadline sweeper
  registry sweep      Server-approve expired pending transfers once and exit
  registry mode       Print the configured migration mode and backends

FLAGS:
  --config   Directory holding registry.yaml (default: current directory)

CONFIGURATION:
  See config/config.go. Every key can be overridden with REGISTRY_*
  environment variables, e.g. REGISTRY_TXN_MODE=dual-write-verify.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the deadline sweeper
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Flush the Kafka producer and close the backends

EXAMPLES:
  # In-memory, single process
  ./registry serve

  # Migration: redis primary, postgres secondary, verify both
  REGISTRY_TXN_MODE=dual-write-verify \
  REGISTRY_PRIMARY_DRIVER=redis \
  REGISTRY_SECONDARY_DRIVER=pgx \
  REGISTRY_SECONDARY_DSN=postgres://registry@localhost/registry \
  ./registry serve

SEE ALSO:
  - serve.go: HTTP server lifecycle
  - wire.go: Backend and manager construction
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "registry",
		Short: "Domain registry resource history ledger",
		Long: `registry records every mutation of domains, contacts and hosts in an
append-only history, runs the transfer state machine and keeps two storage
backends in step while the ledger migrates between them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory holding registry.yaml")
	rootCmd.AddCommand(serveCmd, sweepCmd, modeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
