package commands

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/plumehq/plume/config"
	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/stint"
)

// StintCmd represents the stint command - batch job operations
var StintCmd = &cobra.Command{
	Use:   "stint",
	Short: "Trigger and inspect stint jobs",
	Long: `Stint - resumable batch job management.

A stint is one budgeted invocation of a stage for a workspace. Jobs
checkpoint after every batch, so a job survives across invocations and
a trigger always resumes from the last durable cursor.

Job management commands:
  plume stint trigger <stage>   # Run one invocation of a stage
  plume stint list              # List jobs
  plume stint status <job-id>   # Show job details
  plume stint runs              # Show invocation history

Stages:
  mail.import    - Import mailbox messages into the local store
  mail.classify  - Classify imported messages
  mail.sync      - Reconcile folder state against the mailbox
  faq.mine       - Mine crawled competitor pages for FAQ candidates`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// StintTriggerCmd runs one engine invocation
var StintTriggerCmd = &cobra.Command{
	Use:   "trigger <stage>",
	Short: "Run one budgeted invocation of a stage",
	Long: `Run one budgeted invocation of a stage for a workspace.

The invocation resumes the workspace's active job for the stage, or
creates one if none exists. It processes batches until the invocation
budget runs out, then checkpoints and reports what remains. Without the
serve daemon there is no relay, so a continuing job needs another
trigger to proceed.

Examples:
  plume stint trigger mail.import --workspace WS_01H9X
  plume stint trigger faq.mine                      # Uses workspace.default_id
  plume stint trigger mail.import --job SJ_01H9XAB  # Resume a specific job`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workspaceID, _ := cmd.Flags().GetString("workspace")
		jobID, _ := cmd.Flags().GetString("job")
		cursor, _ := cmd.Flags().GetString("cursor")
		return runStintTrigger(args[0], workspaceID, jobID, cursor)
	},
}

// StintListCmd lists stint jobs
var StintListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stint jobs",
	Long: `List stint jobs, optionally filtered by workspace, stage, or status.

Status filters:
  pending     - Jobs created but never run
  in_progress - Jobs holding an invocation right now
  paused      - Jobs backing off after rate limits or failures
  completed   - Finished jobs
  failed      - Jobs that hit the failure ceiling

Examples:
  plume stint list                          # List recent jobs
  plume stint list --status in_progress     # Only running jobs
  plume stint list --stage mail.import      # Only import jobs
  plume stint list --limit 50               # Show up to 50 jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workspaceID, _ := cmd.Flags().GetString("workspace")
		stage, _ := cmd.Flags().GetString("stage")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runStintList(workspaceID, stage, status, limit)
	},
}

// StintStatusCmd shows details for one job
var StintStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show status of a stint job",
	Long: `Display detailed status information for a stint job:
- Job ID, workspace, stage, and status
- Progress (done/failed/total) and resume cursor
- Retry counters and relay depth
- Timestamps (created, started, last heartbeat, completed)

Example:
  plume stint status SJ_01H9XAB`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStintStatus(args[0])
	},
}

// StintRunsCmd shows invocation history
var StintRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show stint invocation history",
	Long: `Show the invocation history: one row per engine invocation with its
outcome and throughput. Useful for sizing budgets and spotting stages
that pause or fail repeatedly.

Examples:
  plume stint runs                         # Recent invocations
  plume stint runs --stage mail.classify   # One stage's history
  plume stint runs --limit 50 --offset 50  # Next page`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workspaceID, _ := cmd.Flags().GetString("workspace")
		stage, _ := cmd.Flags().GetString("stage")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		return runStintRuns(workspaceID, stage, limit, offset)
	},
}

func init() {
	StintTriggerCmd.Flags().String("workspace", "", "Workspace to run for (default: workspace.default_id from config)")
	StintTriggerCmd.Flags().String("job", "", "Resume a specific job by id")
	StintTriggerCmd.Flags().String("cursor", "", "Starting cursor for a newly created job")

	StintListCmd.Flags().String("workspace", "", "Filter by workspace")
	StintListCmd.Flags().String("stage", "", "Filter by stage")
	StintListCmd.Flags().String("status", "", "Filter by status (pending, in_progress, paused, completed, failed)")
	StintListCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")

	StintRunsCmd.Flags().String("workspace", "", "Filter by workspace")
	StintRunsCmd.Flags().String("stage", "", "Filter by stage")
	StintRunsCmd.Flags().Int("limit", 20, "Maximum number of runs to display")
	StintRunsCmd.Flags().Int("offset", 0, "Pagination offset")

	StintCmd.AddCommand(StintTriggerCmd)
	StintCmd.AddCommand(StintListCmd)
	StintCmd.AddCommand(StintStatusCmd)
	StintCmd.AddCommand(StintRunsCmd)
}

// runStintTrigger invokes the engine once and reports the outcome
func runStintTrigger(stage, workspaceID, jobID, cursor string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	if workspaceID == "" {
		workspaceID = cfg.Workspace.DefaultID
	}
	if workspaceID == "" {
		return errors.New("workspace required: pass --workspace or set workspace.default_id in config")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	engine := buildEngine(database, cfg)
	result, err := engine.Invoke(context.Background(), &stint.TriggerRequest{
		WorkspaceID:  workspaceID,
		Stage:        stage,
		JobID:        jobID,
		ResumeCursor: cursor,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to trigger %s", stage)
	}

	switch result.Outcome {
	case stint.OutcomeCompleted:
		pterm.Success.Printf("Job %s completed: %d processed\n", result.JobID, result.ProcessedThisRun)
	case stint.OutcomeNoWork:
		pterm.Info.Printf("No work for %s in workspace %s\n", stage, workspaceID)
	case stint.OutcomeContinuing:
		pterm.Info.Printf("Job %s checkpointed: %d processed, %d remaining\n",
			result.JobID, result.ProcessedThisRun, result.Remaining)
		pterm.Info.Println("Trigger again to continue, or run the serve daemon to relay automatically")
	case stint.OutcomeSkipped:
		pterm.Warning.Printf("Skipped: %s\n", result.Message)
	case stint.OutcomeWaiting:
		pterm.Info.Printf("Job %s waiting on upstream content: %s\n", result.JobID, result.Message)
	case stint.OutcomePaused, stint.OutcomeRateLimited:
		pterm.Warning.Printf("Job %s paused: %s\n", result.JobID, result.Message)
	default:
		pterm.Error.Printf("Job %s %s: %s\n", result.JobID, result.Outcome, result.Message)
	}
	return nil
}

// runStintList lists jobs in table form
func runStintList(workspaceID, stage, statusFilter string, limit int) error {
	var status stint.Status
	if statusFilter != "" {
		status = stint.Status(statusFilter)
		if !stint.IsValidStatus(status) {
			return errors.Newf("invalid status %q (want pending, in_progress, paused, completed, or failed)", statusFilter)
		}
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	jobs, err := stint.NewStore(database).ListJobs(context.Background(), workspaceID, stage, status, limit)
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-15s %-15s %-12s %-18s %-6s %s\n", "JOB ID", "STAGE", "STATUS", "PROGRESS", "RELAY", "UPDATED")
	fmt.Printf("%-15s %-15s %-12s %-18s %-6s %s\n", "------", "-----", "------", "--------", "-----", "-------")

	for _, job := range jobs {
		progress := fmt.Sprintf("%d/%d (%.0f%%)",
			job.Progress.Done, job.Progress.Total, job.Progress.Percentage())
		fmt.Printf("%-15s %-15s %-12s %-18s %-6d %s\n",
			truncate(job.ID, 15),
			truncate(job.Stage, 15),
			job.Status,
			progress,
			job.RelayDepth,
			job.UpdatedAt.Format("2006-01-02 15:04"))
	}

	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

// runStintStatus displays detailed status for a job
func runStintStatus(jobID string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	job, err := stint.NewStore(database).GetJob(context.Background(), jobID)
	if err != nil {
		return errors.Wrap(err, "failed to get job")
	}

	fmt.Printf("Job ID: %s\n", job.ID)
	fmt.Printf("  Workspace: %s\n", job.WorkspaceID)
	fmt.Printf("  Stage: %s\n", job.Stage)
	fmt.Printf("  Status: %s\n", job.Status)
	fmt.Printf("\n")

	fmt.Printf("Progress: %d/%d (%.1f%%), %d failed, %d remaining\n",
		job.Progress.Done, job.Progress.Total, job.Progress.Percentage(),
		job.Progress.Failed, job.Progress.Remaining())
	if job.Cursor != "" {
		fmt.Printf("Cursor: %s\n", truncate(job.Cursor, 60))
	}
	fmt.Printf("Checkpoints: %d\n", job.CheckpointSeq)
	fmt.Printf("\n")

	fmt.Printf("Retries: %d total, %d consecutive\n", job.RetryCount, job.ConsecutiveFailures)
	fmt.Printf("Relay depth: %d\n", job.RelayDepth)
	if job.ExternalRef != nil {
		fmt.Printf("Provider run: %s\n", *job.ExternalRef)
	}
	if job.ErrorMessage != nil {
		fmt.Printf("Last error: %s\n", *job.ErrorMessage)
	}
	fmt.Printf("\n")

	fmt.Printf("Created: %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
	if job.StartedAt != nil {
		fmt.Printf("Started: %s\n", job.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if job.LastHeartbeatAt != nil {
		fmt.Printf("Heartbeat: %s\n", job.LastHeartbeatAt.Format("2006-01-02 15:04:05"))
	}
	if job.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", job.CompletedAt.Format("2006-01-02 15:04:05"))
	}

	return nil
}

// runStintRuns lists invocation history in table form
func runStintRuns(workspaceID, stage string, limit, offset int) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	runs, total, err := stint.NewRunLog(database).ListRuns(context.Background(), workspaceID, stage, limit, offset)
	if err != nil {
		return errors.Wrap(err, "failed to list runs")
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	fmt.Printf("%-15s %-15s %-12s %-10s %-7s %-10s %s\n", "RUN ID", "STAGE", "OUTCOME", "PROCESSED", "FAILED", "DURATION", "STARTED")
	fmt.Printf("%-15s %-15s %-12s %-10s %-7s %-10s %s\n", "------", "-----", "-------", "---------", "------", "--------", "-------")

	for _, run := range runs {
		duration := "-"
		if run.DurationMS != nil {
			duration = fmt.Sprintf("%dms", *run.DurationMS)
		}
		fmt.Printf("%-15s %-15s %-12s %-10d %-7d %-10s %s\n",
			truncate(run.ID, 15),
			truncate(run.Stage, 15),
			run.Outcome,
			run.Processed,
			run.Failed,
			duration,
			run.StartedAt.Format("2006-01-02 15:04"))
	}

	fmt.Printf("\nShowing %d of %d run(s)\n", len(runs), total)
	return nil
}

// truncate truncates a string to maxLen characters
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
