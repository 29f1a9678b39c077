package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shelfline/shelfline/pkg/model"
	"github.com/shelfline/shelfline/pkg/scan"
)

var (
	scanResume    bool
	scanOverwrite bool
	scanFlat      bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <library-id>",
	Short: "Enqueue a scan of one library",
	Long: `Publishes a LibraryScan message for the given library. Use --resume to
queue only missing derivatives of incomplete collections, or --overwrite to
clear derivatives and rescan everything.`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanResume, "resume", false, "resume incomplete collections")
	scanCmd.Flags().BoolVar(&scanOverwrite, "overwrite", false, "clear derivatives and rescan")
	scanCmd.Flags().BoolVar(&scanFlat, "flat", false, "do not descend into subfolders")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	libraryID, err := model.ParseID(args[0])
	if err != nil {
		return fmt.Errorf("bad library id %q: %w", args[0], err)
	}

	s, err := buildServices(ctx, "cli")
	if err != nil {
		return err
	}
	defer s.close(context.Background()) //nolint:errcheck // Best-effort teardown.

	lib, err := s.repos.Libraries.Get(ctx, libraryID)
	if err != nil {
		return err
	}

	scanType := model.ScanIncremental
	if scanOverwrite {
		scanType = model.ScanFull
	}

	err = s.bus.Publish(ctx, model.LibraryScan{
		Envelope:          model.NewEnvelope(model.MessageLibraryScan, scan.NewCorrelationID()),
		LibraryID:         lib.ID,
		LibraryPath:       lib.RootPath,
		ScanType:          scanType,
		IncludeSubfolders: !scanFlat,
		ResumeIncomplete:  scanResume,
		OverwriteExisting: scanOverwrite,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "scan queued for library %s (%s)\n", lib.Name, lib.ID.Hex())

	return nil
}
