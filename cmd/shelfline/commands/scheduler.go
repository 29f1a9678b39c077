package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shelfline/shelfline/pkg/model"
	"github.com/shelfline/shelfline/pkg/sched"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Manage recurring scheduled jobs",
}

var schedulerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled job definitions",
	RunE:  runSchedulerList,
}

var schedulerImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import scheduled job definitions from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchedulerImport,
}

var schedulerEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE:  setScheduledEnabled(true),
}

var schedulerDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE:  setScheduledEnabled(false),
}

func init() {
	schedulerCmd.AddCommand(schedulerListCmd)
	schedulerCmd.AddCommand(schedulerImportCmd)
	schedulerCmd.AddCommand(schedulerEnableCmd)
	schedulerCmd.AddCommand(schedulerDisableCmd)
}

func runSchedulerList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	s, err := buildServices(ctx, "cli")
	if err != nil {
		return err
	}
	defer s.close(context.Background()) //nolint:errcheck // Best-effort teardown.

	jobs, err := s.repos.Scheduled.ListAll(ctx)
	if err != nil {
		return err
	}

	w := table.NewWriter()
	w.SetOutputMirror(cmd.OutOrStdout())
	w.AppendHeader(table.Row{"ID", "Name", "Type", "Cron", "Enabled", "Last Run", "Runs", "Failures"})

	for i := range jobs {
		job := &jobs[i]

		lastRun := "never"
		if job.LastRunAt != nil {
			lastRun = humanize.Time(*job.LastRunAt)
		}

		w.AppendRow(table.Row{
			job.ID.Hex(),
			job.Name,
			job.JobType,
			job.CronExpression,
			job.IsEnabled,
			lastRun,
			job.RunCount,
			job.FailureCount,
		})
	}

	w.Render()

	return nil
}

// scheduledJobSpec is the YAML import shape for one definition.
type scheduledJobSpec struct {
	Name           string         `yaml:"name"`
	JobType        string         `yaml:"jobType"`
	CronExpression string         `yaml:"cron"`
	Enabled        *bool          `yaml:"enabled"`
	Priority       int            `yaml:"priority"`
	TimeoutSeconds int            `yaml:"timeoutSeconds"`
	MaxRetries     int            `yaml:"maxRetries"`
	Parameters     map[string]any `yaml:"parameters"`
}

func runSchedulerImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	var specs []scheduledJobSpec

	if err := yaml.Unmarshal(raw, &specs); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}

	s, err := buildServices(ctx, "cli")
	if err != nil {
		return err
	}
	defer s.close(context.Background()) //nolint:errcheck // Best-effort teardown.

	for _, spec := range specs {
		cronExpr := spec.CronExpression
		if cronExpr == "" {
			cronExpr = sched.DefaultLibraryScanCron
		}

		if _, parseErr := cron.ParseStandard(cronExpr); parseErr != nil {
			return fmt.Errorf("definition %q: bad cron %q: %w", spec.Name, cronExpr, parseErr)
		}

		enabled := true
		if spec.Enabled != nil {
			enabled = *spec.Enabled
		}

		job := &model.ScheduledJob{
			ID:             model.NewID(),
			Name:           spec.Name,
			JobType:        model.JobType(spec.JobType),
			CronExpression: cronExpr,
			IsEnabled:      enabled,
			Parameters:     spec.Parameters,
			Priority:       spec.Priority,
			TimeoutSeconds: spec.TimeoutSeconds,
			MaxRetries:     spec.MaxRetries,
		}

		if err := s.repos.Scheduled.Create(ctx, job); err != nil {
			return fmt.Errorf("create %q: %w", spec.Name, err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "imported %s (%s)\n", job.Name, job.ID.Hex())
	}

	return nil
}

func setScheduledEnabled(enabled bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := model.ParseID(args[0])
		if err != nil {
			return fmt.Errorf("bad scheduled job id %q: %w", args[0], err)
		}

		s, err := buildServices(ctx, "cli")
		if err != nil {
			return err
		}
		defer s.close(context.Background()) //nolint:errcheck // Best-effort teardown.

		if err := s.repos.Scheduled.SetEnabled(ctx, id, enabled); err != nil {
			return err
		}

		state := "disabled"
		if enabled {
			state = "enabled"
		}

		fmt.Fprintf(cmd.OutOrStdout(), "scheduled job %s %s\n", id.Hex(), state)

		return nil
	}
}
