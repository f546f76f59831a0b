package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/kiln/internal/build"
	"github.com/conneroisu/kiln/internal/server"
	"github.com/conneroisu/kiln/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Build, serve and rebuild on change",
	Long: `Build every task, start the development server on the build directory and
rebuild the tasks whose sources change. Browsers connected to the server
reload when outputs change; stylesheet-only changes are swapped in place.

The server only starts once the initial build succeeds. Later build failures
are logged and shown in the browser; the server keeps running.

Examples:
  kiln serve
  kiln serve --port 8080
  kiln serve --prod        # serve a production build`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addServerFlags(serveCmd.Flags())
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a.logger.Info(ctx, "Starting kiln", "mode", a.cfg.Mode.String(), "src", a.cfg.Paths.Src, "build", a.cfg.Paths.Build)

	return a.pipeline.Develop(ctx, a.serveUnit())
}

// serveUnit runs the development server and the source watcher until ctx
// ends or the server fails.
func (a *app) serveUnit() build.Unit {
	return build.Func("serve", func(ctx context.Context) error {
		srv := server.New(a.cfg, server.Options{
			Fs:       a.fs,
			Metrics:  a.metrics,
			Recorder: a.recorder,
			Logger:   a.logger,
		})

		fw, err := a.watchSources(ctx)
		if err != nil {
			return err
		}
		defer fw.Stop()

		dispatcher := watcher.NewDispatcher(a.bindings(), watcher.Options{
			MaxConcurrent: int64(a.cfg.Watch.MaxConcurrent),
			TaskTimeout:   a.cfg.Watch.TaskTimeout,
			Logger:        a.logger,
		})

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Start(ctx) })
		g.Go(func() error { return dispatcher.Run(ctx, fw.Events()) })

		return g.Wait()
	})
}
