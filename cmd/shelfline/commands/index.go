package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect and rebuild the navigation index",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the navigation index from the catalog",
	RunE:  runIndexRebuild,
}

var indexStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the navigation index is current",
	RunE:  runIndexStatus,
}

func init() {
	indexCmd.AddCommand(indexRebuildCmd)
	indexCmd.AddCommand(indexStatusCmd)
}

func runIndexRebuild(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	s, err := buildServices(ctx, "cli")
	if err != nil {
		return err
	}
	defer s.close(context.Background()) //nolint:errcheck // Best-effort teardown.

	if err := s.index.Rebuild(ctx); err != nil {
		return err
	}

	total, err := s.repos.Collections.CountActive(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "navigation index rebuilt: %d collections\n", total)

	return nil
}

func runIndexStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	s, err := buildServices(ctx, "cli")
	if err != nil {
		return err
	}
	defer s.close(context.Background()) //nolint:errcheck // Best-effort teardown.

	if s.index.IsValid(ctx) {
		fmt.Fprintln(cmd.OutOrStdout(), "index: valid")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "index: stale (reads still use it until 'shelfline index rebuild' runs)")
	}

	return nil
}
