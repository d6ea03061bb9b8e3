package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pawnx/am"
	"github.com/teranos/pawnx/pawn"
	"github.com/teranos/pawnx/pulse/async"
	"github.com/teranos/pawnx/sym"
)

// PulseCmd represents the pulse command
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run workers and the daily scheduler",
	Long: sym.Pulse + ` Pulse runs one worker pool per queue and the recurring rule ticker.

Queues and their default concurrency:
  scheduler       1  daily discovery of tokens due for repayment
  repayment       3  buyback settlement
  token-mint      2  concurrent minting of fractional units
  token-purchase  3  investor purchases
  gold-price      1  daily reference price fetch

Example:
  pawnx pulse start     # Start in foreground, Ctrl+C drains in-flight jobs
  pawnx pulse status    # Show queue depths and worker metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts workers, the ticker and the daily rules
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start workers and the scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		rt, closeDB, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		if err := rt.Start(ctx); err != nil {
			return err
		}

		fmt.Printf("%s Pulse started\n", sym.PulseOpen)
		for _, name := range am.QueueNames() {
			q := rt.Config.Queue(name)
			fmt.Printf("  %s %-15s workers=%d attempts=%d\n", sym.QueueSymbol(name), name, q.Concurrency, q.Attempts)
		}
		fmt.Printf("  Ledger: %s\n", rt.Config.Ledger.Mode)
		fmt.Printf("  Timezone: %s\n", rt.Config.Scheduler.Timezone)
		fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

		waitForSignal()
		return shutdownRuntime(rt)
	},
}

var pulseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depths, rules and system metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, closeDB, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()
		ctx := cmd.Context()

		data := pterm.TableData{{"Queue", "Waiting", "Delayed", "Active", "Completed", "Failed"}}
		for _, name := range am.QueueNames() {
			stats, err := rt.Queue.GetStats(ctx, name)
			if err != nil {
				return err
			}
			c := stats.Counts
			data = append(data, []string{
				sym.QueueSymbol(name) + " " + name,
				fmt.Sprint(c[async.JobStateWaiting]),
				fmt.Sprint(c[async.JobStateDelayed]),
				fmt.Sprint(c[async.JobStateActive]),
				fmt.Sprint(c[async.JobStateCompleted]),
				fmt.Sprint(c[async.JobStateFailed]),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}

		rules, err := rt.Rules.List(ctx)
		if err != nil {
			return err
		}
		loc := rt.Config.Location()
		fmt.Println()
		for _, r := range rules {
			fmt.Printf("  %s %-28s %-10s next %s\n", sym.Pulse, r.Key, r.State, r.NextRunAt.In(loc).Format(time.RFC1123))
		}

		m := rt.Registry.GetSystemMetrics(ctx)
		fmt.Printf("\nMemory: %.1f / %.1f GB (%.0f%%)  queued=%d running=%d\n",
			m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent, m.JobsQueued, m.JobsRunning)
		return nil
	},
}

var pulseSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Requeue stalled jobs whose worker died",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, closeDB, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		n, err := rt.Service.CleanupStalled(cmd.Context())
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Requeued %d stalled job(s)", n)
		return nil
	},
}

func init() {
	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(pulseStatusCmd)
	PulseCmd.AddCommand(pulseSweepCmd)
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
}

// shutdownRuntime drains in-flight jobs within the configured timeout
func shutdownRuntime(rt *pawn.Runtime) error {
	fmt.Printf("\n%s Draining in-flight jobs...\n", sym.PulseClose)
	timeout := time.Duration(rt.Config.Pulse.ShutdownTimeoutSecs) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		pterm.Warning.Printfln("Shutdown incomplete: %v", err)
		return err
	}
	fmt.Printf("%s Pulse stopped\n", sym.PulseClose)
	return nil
}
