package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pawnx/display"
	"github.com/teranos/pawnx/pulse/async"
	"github.com/teranos/pawnx/sym"
)

// JobCmd represents the job command
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: sym.Pulse + " Inspect and cancel queued jobs",
	Long: sym.Pulse + ` job — Inspect and cancel queued jobs

Examples:
  pawnx job ls                         # Most recent jobs
  pawnx job ls --queue repayment       # Jobs of one queue
  pawnx job ls --state failed          # Failed jobs
  pawnx job status <job-id>            # Progress, result or failure
  pawnx job rm <job-id>                # Cancel a waiting or delayed job`,
}

var jobLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, closeDB, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		jobs, err := rt.Queue.ListJobs(cmd.Context(), async.JobFilter{
			Queue: jobQueueFlag,
			State: async.JobState(jobStateFlag),
			Limit: jobLimitFlag,
		})
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			pterm.Info.Println("No jobs")
			return nil
		}

		now := time.Now()
		if display.ShouldOutputJSON(cmd) {
			statuses := make([]*async.JobStatus, 0, len(jobs))
			for _, j := range jobs {
				statuses = append(statuses, j.Status(now))
			}
			return display.OutputJSON(cmd, statuses)
		}

		data := pterm.TableData{{"ID", "Queue", "State", "Progress", "Attempts", "Run at"}}
		for _, j := range jobs {
			st := j.Status(now)
			data = append(data, []string{
				j.ID,
				sym.QueueSymbol(j.Queue) + " " + j.Queue,
				string(st.State),
				fmt.Sprintf("%d%%", st.Progress),
				fmt.Sprintf("%d/%d", st.Attempts, st.MaxAttempts),
				st.RunAt.Local().Format(time.DateTime),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, closeDB, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		status, err := rt.Service.GetJobStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return display.OutputJSON(cmd, status)
	},
}

var jobRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Cancel a waiting or delayed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, closeDB, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		if err := rt.Service.CancelJob(cmd.Context(), args[0]); err != nil {
			return err
		}
		pterm.Success.Printfln("Removed job %s", args[0])
		return nil
	},
}

var (
	jobQueueFlag string
	jobStateFlag string
	jobLimitFlag int
)

func init() {
	jobLsCmd.Flags().StringVar(&jobQueueFlag, "queue", "", "Only jobs of this queue")
	jobLsCmd.Flags().StringVar(&jobStateFlag, "state", "", "Only jobs in this state (waiting, delayed, active, completed, failed)")
	jobLsCmd.Flags().IntVar(&jobLimitFlag, "limit", 20, "Maximum jobs to list")

	JobCmd.AddCommand(jobLsCmd)
	JobCmd.AddCommand(jobStatusCmd)
	JobCmd.AddCommand(jobRmCmd)
}
