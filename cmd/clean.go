package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/conneroisu/kiln/internal/build"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove the build directory",
	RunE:  runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := build.Clean(afero.NewOsFs(), cfg.Paths.Build); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", cfg.Paths.Build)

	return nil
}
