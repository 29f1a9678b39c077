package commands

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/shelfline/shelfline/pkg/model"
)

var jobsLimit int64

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent background jobs with per-stage progress",
	RunE:  runJobs,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a background job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

func init() {
	jobsCmd.Flags().Int64Var(&jobsLimit, "limit", 20, "number of jobs to show")
	jobsCmd.AddCommand(jobsCancelCmd)
}

// statusColor renders a job status with terminal color.
func statusColor(status model.JobStatus) string {
	switch status {
	case model.JobCompleted:
		return color.GreenString(string(status))
	case model.JobFailed:
		return color.RedString(string(status))
	case model.JobInProgress:
		return color.CyanString(string(status))
	case model.JobCancelled:
		return color.YellowString(string(status))
	default:
		return string(status)
	}
}

func runJobs(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	s, err := buildServices(ctx, "cli")
	if err != nil {
		return err
	}
	defer s.close(context.Background()) //nolint:errcheck // Best-effort teardown.

	jobs, err := s.repos.Jobs.ListRecent(ctx, jobsLimit)
	if err != nil {
		return err
	}

	w := table.NewWriter()
	w.SetOutputMirror(cmd.OutOrStdout())
	w.AppendHeader(table.Row{"ID", "Type", "Status", "Progress", "Updated", "Last Error"})

	for i := range jobs {
		job := &jobs[i]

		w.AppendRow(table.Row{
			job.ID.Hex(),
			job.Type,
			statusColor(job.Status),
			progressSummary(job),
			job.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
			job.LastError,
		})
	}

	w.Render()

	return nil
}

// progressSummary compresses the stage counters into one cell.
func progressSummary(job *model.BackgroundJob) string {
	out := ""

	for _, name := range []string{model.StageScan, model.StageThumbnail, model.StageCache} {
		stage, ok := job.Stages[name]
		if !ok {
			continue
		}

		if out != "" {
			out += " "
		}

		out += fmt.Sprintf("%s %d/%d", name, stage.Completed+stage.Skipped, stage.Total)

		if stage.Failed > 0 {
			out += color.RedString("(%d failed)", stage.Failed)
		}
	}

	return out
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	jobID, err := model.ParseID(args[0])
	if err != nil {
		return fmt.Errorf("bad job id %q: %w", args[0], err)
	}

	s, err := buildServices(ctx, "cli")
	if err != nil {
		return err
	}
	defer s.close(context.Background()) //nolint:errcheck // Best-effort teardown.

	if err := s.tracker.Cancel(ctx, jobID); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "job %s cancelled\n", jobID.Hex())

	return nil
}
