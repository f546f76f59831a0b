package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/conneroisu/kiln/internal/build"
)

var buildCmd = &cobra.Command{
	Use:     "build",
	Aliases: []string{"b"},
	Short:   "Clean the build directory and build every task",
	Long: `Remove the build directory, then run every task in parallel. Every task
runs to completion even when another fails; the command exits non-zero if
any task failed.

Examples:
  kiln build
  kiln build --prod`,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	start := time.Now()
	buildErr := a.pipeline.Build(ctx)

	printSummary(cmd.OutOrStdout(), a.cfg.Mode.String(), a.recorder.Results(), time.Since(start))

	if buildErr != nil {
		return fmt.Errorf("build failed: %w", buildErr)
	}

	return nil
}

var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	nameStyle   = lipgloss.NewStyle().Width(10)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true)
)

// printSummary writes one line per task result followed by a total.
func printSummary(w io.Writer, mode string, results []build.Result, elapsed time.Duration) {
	failed := 0

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("kiln build (%s)", mode)))

	for _, res := range results {
		mark := okStyle.Render("✓")
		if res.Error != nil {
			mark = failStyle.Render("✗")
			failed++
		}

		detail := fmt.Sprintf("%d written, %d unchanged", len(res.Written), res.Skipped)
		fmt.Fprintf(w, "  %s %s %s %s\n",
			mark,
			nameStyle.Render(res.Task),
			detail,
			mutedStyle.Render(res.Duration.Round(time.Millisecond).String()))

		if res.Error != nil {
			for _, line := range strings.Split(res.Error.Error(), "\n") {
				fmt.Fprintf(w, "      %s\n", failStyle.UnsetBold().Render(line))
			}
		}
	}

	total := fmt.Sprintf("%d tasks in %s", len(results), elapsed.Round(time.Millisecond))
	if failed > 0 {
		fmt.Fprintln(w, failStyle.Render(fmt.Sprintf("%s, %d failed", total, failed)))
		return
	}

	fmt.Fprintln(w, okStyle.Render(total))
}
