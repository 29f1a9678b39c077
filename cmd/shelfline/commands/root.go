// Package commands implements the CLI command handlers for shelfline.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shelfline/shelfline/pkg/config"
	"github.com/shelfline/shelfline/pkg/version"
)

var (
	configPath string
	verbose    bool
)

// rootCmd is the top-level shelfline command.
var rootCmd = &cobra.Command{
	Use:   "shelfline",
	Short: "Media-library ingestion and derivative-generation platform",
	Long: `Shelfline discovers image collections on a filesystem (folders and
archives), materializes them into a catalog, and asynchronously generates
thumbnails and scaled cache images for fast browsing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version.String(),
}

// Execute runs the CLI.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}

	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the deployment configuration honoring the --verbose flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	return cfg, nil
}
