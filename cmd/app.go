package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"

	"github.com/conneroisu/kiln/internal/build"
	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/task"
	"github.com/conneroisu/kiln/internal/watcher"
)

// app wires the configured tasks into a pipeline.
type app struct {
	cfg      *config.Config
	fs       afero.Fs
	logger   logging.Logger
	metrics  *build.Metrics
	recorder *build.Recorder
	pipeline *build.Pipeline
}

func newApp(logOutput io.Writer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg, logOutput)
	if err != nil {
		return nil, err
	}

	tc, err := task.DefaultToolchain(cfg)
	if err != nil {
		return nil, err
	}

	fs := afero.NewOsFs()

	tasks, err := task.Catalog(cfg, fs, tc)
	if err != nil {
		return nil, err
	}

	metrics := build.NewMetrics()
	recorder := build.NewRecorder(logger, metrics)

	return &app{
		cfg:      cfg,
		fs:       fs,
		logger:   logger,
		metrics:  metrics,
		recorder: recorder,
		pipeline: build.NewPipeline(fs, cfg.Paths.Build, tasks, recorder),
	}, nil
}

func newLogger(cfg *config.Config, out io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: cfg.Log.Format,
		Output: out,
	}), nil
}

// bindings connects each task's watch spec to the recorded task run.
func (a *app) bindings() []watcher.Binding {
	tasks := a.pipeline.Tasks()

	out := make([]watcher.Binding, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, watcher.Binding{
			Spec:   t.Watch(),
			Target: a.pipeline.Unit(t, build.TriggerWatch),
		})
	}

	return out
}

// watchSources starts a watcher on the static base of every watch pattern.
// Bases that do not exist are skipped.
func (a *app) watchSources(ctx context.Context) (*watcher.FileWatcher, error) {
	fw, err := watcher.NewFileWatcher(a.cfg.Watch.Debounce, a.logger)
	if err != nil {
		return nil, err
	}

	for _, f := range watcher.DefaultFilters() {
		fw.AddFilter(f)
	}

	seen := make(map[string]bool)
	for _, t := range a.pipeline.Tasks() {
		for _, dir := range t.Watch().Bases() {
			if seen[dir] {
				continue
			}
			seen[dir] = true

			if ok, _ := afero.DirExists(a.fs, dir); !ok {
				a.logger.Debug(ctx, "Skipping missing watch directory", "task", t.Name(), "dir", dir)
				continue
			}

			if err := fw.AddRecursive(dir); err != nil {
				_ = fw.Stop()

				return nil, err
			}
		}
	}

	if err := fw.Start(ctx); err != nil {
		_ = fw.Stop()

		return nil, err
	}

	return fw, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
