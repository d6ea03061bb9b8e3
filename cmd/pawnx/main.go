package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/pawnx/cmd/pawnx/commands"
	"github.com/teranos/pawnx/logger"
)

var rootCmd = &cobra.Command{
	Use:   "pawnx",
	Short: "pawnx - Pawned-asset tokenization settlement",
	Long: `pawnx - Settlement engine for tokenized pawned assets.

pawnx mints fractional units for pawned collateral, sells them to
investors, and settles buybacks when loans come due, all through
durable job queues with retry and progress reporting.

Available commands:
  am       - Manage pawnx configuration
  db       - Database migrations and statistics
  pulse    - Run workers and the daily scheduler
  job      - Inspect and cancel queued jobs
  repay    - Enqueue an immediate repayment
  mint     - Enqueue the mint of a token's units
  buy      - Enqueue an investor purchase
  discover - Find tokens due for repayment
  server   - Serve progress over WebSocket and job status over HTTP

Examples:
  pawnx pulse start                # Start workers and scheduler
  pawnx repay <token-id> --by ops  # Repay a token now
  pawnx job status <job-id>        # Show a job's progress
  pawnx discover --force --inline  # Sweep due and overdue tokens now`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// machine-readable output stays clean
		if cmd.Name() == "show" {
			return nil
		}
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")
	rootCmd.PersistentFlags().Bool("json", false, "Print results as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.RepayCmd)
	rootCmd.AddCommand(commands.MintCmd)
	rootCmd.AddCommand(commands.BuyCmd)
	rootCmd.AddCommand(commands.DiscoverCmd)
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
