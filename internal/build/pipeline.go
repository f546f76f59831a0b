package build

import (
	"context"

	"github.com/spf13/afero"

	"github.com/conneroisu/kiln/internal/task"
)

// Trigger names recorded with task results.
const (
	TriggerBuild = "build"
	TriggerWatch = "watch"
)

// Pipeline composes the asset tasks into the two entry points of the tool:
// a one-shot production style build and the development pipeline.
type Pipeline struct {
	fs       afero.Fs
	buildDir string
	tasks    []*task.Task
	recorder *Recorder
}

// NewPipeline creates a pipeline over tasks writing below buildDir.
func NewPipeline(fs afero.Fs, buildDir string, tasks []*task.Task, recorder *Recorder) *Pipeline {
	return &Pipeline{
		fs:       fs,
		buildDir: buildDir,
		tasks:    tasks,
		recorder: recorder,
	}
}

// Tasks returns the pipeline's tasks in canonical order.
func (p *Pipeline) Tasks() []*task.Task {
	return p.tasks
}

// Recorder returns the recorder every run goes through.
func (p *Pipeline) Recorder() *Recorder {
	return p.recorder
}

// Unit returns t wrapped for recording under trigger.
func (p *Pipeline) Unit(t *task.Task, trigger string) Unit {
	return p.recorder.Wrap(t, trigger)
}

// Content returns a unit running every task in parallel.
func (p *Pipeline) Content(trigger string) Unit {
	units := make([]Unit, len(p.tasks))
	for i, t := range p.tasks {
		units[i] = p.Unit(t, trigger)
	}

	return Parallel("content", units...)
}

// Build cleans the build directory and then runs every task in parallel.
func (p *Pipeline) Build(ctx context.Context) error {
	return RunSequential(ctx,
		CleanUnit(p.fs, p.buildDir),
		p.Content(TriggerBuild),
	)
}

// Develop runs every task in parallel and, once all of them have
// succeeded, hands over to serve, which typically blocks until ctx is
// cancelled.
func (p *Pipeline) Develop(ctx context.Context, serve Unit) error {
	return RunSequential(ctx, p.Content(TriggerBuild), serve)
}
