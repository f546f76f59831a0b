// Package task defines asset tasks: a named input selection, an ordered list
// of transformation steps gated by build mode, and an output directory.
package task

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/pathspec"
	"github.com/conneroisu/kiln/internal/transform"
)

// Kind identifies one of the built-in asset tasks.
type Kind string

const (
	KindMarkup  Kind = "markup"
	KindStyles  Kind = "styles"
	KindScripts Kind = "scripts"
	KindImages  Kind = "images"
	KindSprite  Kind = "sprite"
	KindFonts   Kind = "fonts"
)

// Gate decides whether a stage runs in a given mode.
type Gate func(config.Mode) bool

// Always runs in every mode.
func Always(config.Mode) bool { return true }

// ProductionOnly runs only in production.
func ProductionOnly(m config.Mode) bool { return m == config.ModeProduction }

// DevelopmentOnly runs only in development.
func DevelopmentOnly(m config.Mode) bool { return m == config.ModeDevelopment }

// Stage is a step and the gate controlling it.
type Stage struct {
	Step transform.Step
	When Gate
}

// Run wraps step in a Stage that always runs.
func Run(step transform.Step) Stage { return Stage{Step: step, When: Always} }

// InProduction wraps step in a production-only Stage.
func InProduction(step transform.Step) Stage { return Stage{Step: step, When: ProductionOnly} }

// InDevelopment wraps step in a development-only Stage.
func InDevelopment(step transform.Step) Stage { return Stage{Step: step, When: DevelopmentOnly} }

// Options configures New.
type Options struct {
	Name      string
	Kind      Kind
	Input     pathspec.PathSpec
	Watch     pathspec.PathSpec
	OutputDir string
	Stages    []Stage
	Fs        afero.Fs
	Mode      config.Mode
}

// Task is an immutable description of one asset task. The mode gates are
// resolved at construction time.
type Task struct {
	name      string
	kind      Kind
	input     pathspec.PathSpec
	watch     pathspec.PathSpec
	outputDir string
	steps     []transform.Step
	fs        afero.Fs
	mode      config.Mode

	// written remembers what this task last put at each output path so an
	// unchanged output is recognised from its metadata alone.
	written      map[string]outputEntry
	writtenMutex sync.Mutex
}

// outputEntry is the content hash of a written output together with the
// file metadata observed right after writing it.
type outputEntry struct {
	hash    uint64
	size    int64
	modTime time.Time
}

// Result describes one task run.
type Result struct {
	Task     string
	Kind     Kind
	Inputs   int
	Written  []string
	Skipped  int
	// Removed lists outputs of an earlier run whose source is gone.
	Removed  []string
	Duration time.Duration
}

// New builds a Task, keeping only the stages whose gate admits opts.Mode.
func New(opts Options) *Task {
	steps := make([]transform.Step, 0, len(opts.Stages))
	for _, s := range opts.Stages {
		if s.When == nil || s.When(opts.Mode) {
			steps = append(steps, s.Step)
		}
	}

	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	watch := opts.Watch
	if len(watch.Include) == 0 {
		watch = opts.Input
	}

	kind := opts.Kind
	if kind == "" {
		kind = Kind(opts.Name)
	}

	return &Task{
		name:      opts.Name,
		kind:      kind,
		input:     opts.Input,
		watch:     watch,
		outputDir: opts.OutputDir,
		steps:     steps,
		fs:        fs,
		mode:      opts.Mode,
		written:   make(map[string]outputEntry),
	}
}

func (t *Task) Name() string { return t.name }
func (t *Task) Kind() Kind { return t.kind }
func (t *Task) Input() pathspec.PathSpec { return t.input }
func (t *Task) Watch() pathspec.PathSpec { return t.watch }
func (t *Task) OutputDir() string { return t.outputDir }
func (t *Task) Mode() config.Mode { return t.mode }

// Steps returns the names of the steps that run in this task's mode.
func (t *Task) Steps() []string {
	names := make([]string, len(t.steps))
	for i, s := range t.steps {
		names[i] = s.Name()
	}

	return names
}

// Run executes the task and discards the result.
func (t *Task) Run(ctx context.Context) error {
	_, err := t.Execute(ctx)

	return err
}

// Execute reads every selected input, applies the steps in order and writes
// the outputs. If any step fails nothing is written. Outputs whose content
// is identical to the file already on disk are not rewritten, and outputs of
// an earlier run that are no longer produced are removed.
func (t *Task) Execute(ctx context.Context) (Result, error) {
	start := time.Now()
	result := Result{Task: t.name, Kind: t.kind}

	files, err := t.read()
	if err != nil {
		return result, err
	}
	result.Inputs = len(files)

	for _, step := range t.steps {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		files, err = step.Apply(ctx, files)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}

			return result, t.wrap(step.Name(), err)
		}
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	produced := make(map[string]bool, len(files))
	for _, f := range files {
		dest := filepath.Join(t.outputDir, filepath.FromSlash(f.Path))
		produced[dest] = true

		written, err := t.write(dest, f.Data)
		if err != nil {
			return result, errors.NewIOError(dest, "write output", err).WithTask(t.name)
		}

		if written {
			result.Written = append(result.Written, dest)
		} else {
			result.Skipped++
		}
	}

	removed, err := t.prune(produced)
	result.Removed = removed
	if err != nil {
		return result, err
	}

	result.Duration = time.Since(start)

	return result, nil
}

func (t *Task) read() ([]*transform.File, error) {
	matches, err := t.input.Glob(t.fs)
	if err != nil {
		return nil, errors.NewIOError(t.input.Root, "select inputs", err).WithTask(t.name)
	}

	files := make([]*transform.File, 0, len(matches))
	for _, m := range matches {
		data, err := afero.ReadFile(t.fs, m.Path)
		if err != nil {
			return nil, errors.NewIOError(m.Path, "read input", err).WithTask(t.name)
		}

		files = append(files, &transform.File{Path: m.Rel, Source: m.Path, Data: data})
	}

	return files, nil
}

// write stores data at dest unless dest already holds it. An output this
// task wrote before is compared by hash against the cache as long as its
// size and modification time are unchanged; otherwise the file on disk is
// hashed.
func (t *Task) write(dest string, data []byte) (bool, error) {
	sum := xxhash.Sum64(data)

	info, err := t.fs.Stat(dest)
	switch {
	case err == nil:
		if t.unchanged(dest, info, sum, int64(len(data))) {
			return false, nil
		}
	case !os.IsNotExist(err):
		return false, err
	}

	if err := t.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, err
	}

	if err := afero.WriteFile(t.fs, dest, data, 0o644); err != nil {
		return false, err
	}

	t.remember(dest, sum)

	return true, nil
}

// unchanged reports whether the existing file at dest, described by info,
// already has the content hashing to sum.
func (t *Task) unchanged(dest string, info os.FileInfo, sum uint64, size int64) bool {
	if info.Size() != size {
		return false
	}

	t.writtenMutex.Lock()
	entry, ok := t.written[dest]
	t.writtenMutex.Unlock()

	if ok && entry.size == info.Size() && entry.modTime.Equal(info.ModTime()) {
		return entry.hash == sum
	}

	existing, err := afero.ReadFile(t.fs, dest)
	if err != nil || xxhash.Sum64(existing) != sum {
		return false
	}

	t.remember(dest, sum)

	return true
}

// prune removes outputs this task wrote earlier that the current run no
// longer produces, such as the page of a deleted template or the sprite once
// its last icon is gone.
func (t *Task) prune(produced map[string]bool) ([]string, error) {
	t.writtenMutex.Lock()
	var stale []string
	for dest := range t.written {
		if !produced[dest] {
			stale = append(stale, dest)
		}
	}
	t.writtenMutex.Unlock()

	sort.Strings(stale)

	var removed []string
	for _, dest := range stale {
		if err := t.fs.Remove(dest); err != nil && !os.IsNotExist(err) {
			return removed, errors.NewIOError(dest, "remove stale output", err).WithTask(t.name)
		} else if err == nil {
			removed = append(removed, dest)
		}

		t.writtenMutex.Lock()
		delete(t.written, dest)
		t.writtenMutex.Unlock()
	}

	return removed, nil
}

func (t *Task) remember(dest string, sum uint64) {
	info, err := t.fs.Stat(dest)
	if err != nil {
		return
	}

	t.writtenMutex.Lock()
	t.written[dest] = outputEntry{hash: sum, size: info.Size(), modTime: info.ModTime()}
	t.writtenMutex.Unlock()
}

func (t *Task) wrap(step string, err error) error {
	be := errors.AsBuildError(err, errors.ErrorTypeTransform)
	if be == err {
		be.WithTask(t.name).WithStep(step)

		return be
	}

	// Joined per-file failures keep their individual locations.
	return &errors.BuildError{
		Type:    errorType(err),
		Task:    t.name,
		Step:    step,
		Message: "step failed",
		Cause:   err,
	}
}

func errorType(err error) errors.ErrorType {
	if errors.IsValidation(err) {
		return errors.ErrorTypeValidation
	}

	return errors.ErrorTypeTransform
}
