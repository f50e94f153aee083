package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/plumehq/plume/cmd/plume/commands"
	"github.com/plumehq/plume/logger"
)

var rootCmd = &cobra.Command{
	Use:   "plume",
	Short: "Plume - resumable batch-job engine for the email assistant backend",
	Long: `Plume - backend daemon and tooling for the small-business email assistant.

Plume processes mailbox imports, message classification, folder sync, and
competitor FAQ mining as resumable stints: budgeted invocations that
checkpoint progress and relay to the next invocation until the job is done.

Available commands:
  serve    - Start the Plume daemon (HTTP API + websocket events + watchdog)
  stint    - Trigger and inspect stint jobs
  watchdog - Run one reconciliation cycle (sweep ghosts, restart stale jobs)
  db       - Manage Plume database operations
  config   - Inspect effective configuration
  version  - Show version information

Examples:
  plume serve                          # Start the daemon
  plume stint trigger mail.import      # Run one budget slice of an import
  plume stint list                     # List stint jobs
  plume watchdog                       # One-shot reconciliation pass
  plume db status                      # Show database statistics`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Commands with machine-readable output stay free of log lines
		if cmd.Name() == "show" || cmd.Name() == "version" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := logger.InitializeWithLevel(false, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.StintCmd)
	rootCmd.AddCommand(commands.WatchdogCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
