package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trellisfw/target-helper/cmd/target-helper/commands"
	"github.com/trellisfw/target-helper/logger"
)

var rootCmd = &cobra.Command{
	Use:   "target-helper",
	Short: "target-helper - post-processing for Trellis extraction jobs",
	Long: `target-helper - post-processing for Trellis extraction jobs.

Submits PDF transcription and ASN jobs to the extraction engine, follows
their status updates and, once a job succeeds, signs, links, publishes
and shares its result documents.

Available commands:
  start   - Run the service
  am      - Manage configuration ("I am")
  jobs    - Inspect the local job ledger
  version - Show build information

Examples:
  target-helper start -v          # Run against the configured store
  target-helper start --local     # Run against an in-memory store
  target-helper am show           # Show current configuration
  target-helper jobs ls           # List recent jobs`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 'am show' output must stay machine readable
		if cmd.Name() == "show" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")

	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
