package watcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/pathspec"
)

// Target is something a change can trigger, typically a task.
type Target interface {
	Name() string
	Run(ctx context.Context) error
}

// Binding connects a watch PathSpec to the target it triggers.
type Binding struct {
	Spec   pathspec.PathSpec
	Target Target
}

// State is the dispatcher's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateWatching
	StateTriggered
	StateStopped
)

// String returns the string representation of the State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWatching:
		return "watching"
	case StateTriggered:
		return "triggered"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options configures a Dispatcher.
type Options struct {
	// MaxConcurrent bounds the number of target runs in flight.
	MaxConcurrent int64
	// TaskTimeout bounds a single run. Zero means no limit.
	TaskTimeout time.Duration
	Logger      logging.Logger
}

type runState struct {
	running bool
	pending bool
}

// Dispatcher maps change batches to targets and runs them. A target
// triggered while it is running is rerun once after the current run
// finishes, however many triggers arrived in between.
type Dispatcher struct {
	bindings []Binding
	opts     Options
	sem      *semaphore.Weighted
	logger   logging.Logger

	mutex  sync.Mutex
	state  State
	runs   map[string]*runState
	active int
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over bindings.
func NewDispatcher(bindings []Binding, opts Options) *Dispatcher {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Dispatcher{
		bindings: bindings,
		opts:     opts,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		logger:   logger.WithComponent("dispatcher"),
		runs:     make(map[string]*runState),
	}
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.state
}

// Run consumes batches until events is closed or ctx is cancelled, then
// waits for in-flight runs and moves to StateStopped.
func (d *Dispatcher) Run(ctx context.Context, events <-chan []ChangeEvent) error {
	d.mutex.Lock()
	d.state = StateWatching
	d.mutex.Unlock()

	defer func() {
		d.wg.Wait()
		d.mutex.Lock()
		d.state = StateStopped
		d.mutex.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-events:
			if !ok {
				return nil
			}
			d.Dispatch(ctx, Paths(batch))
		}
	}
}

// Match returns the targets whose watch spec selects path, in binding order.
func (d *Dispatcher) Match(path string) []Target {
	var targets []Target
	for _, b := range d.bindings {
		if b.Spec.Matches(path) {
			targets = append(targets, b.Target)
		}
	}

	return targets
}

// Dispatch triggers every target matched by at least one path, once each,
// and returns the names of the triggered targets. It does not wait for the
// runs.
func (d *Dispatcher) Dispatch(ctx context.Context, paths []string) []string {
	seen := make(map[string]bool)
	var triggered []string

	for _, p := range paths {
		for _, target := range d.Match(p) {
			if seen[target.Name()] {
				continue
			}
			seen[target.Name()] = true
			triggered = append(triggered, target.Name())

			d.logger.Debug(ctx, "Change triggered task", "task", target.Name(), "path", p)
			d.trigger(ctx, target)
		}
	}

	return triggered
}

// Wait blocks until no runs are in flight.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) trigger(ctx context.Context, target Target) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	st, ok := d.runs[target.Name()]
	if !ok {
		st = &runState{}
		d.runs[target.Name()] = st
	}

	if st.running {
		st.pending = true

		return
	}

	st.running = true
	d.active++
	d.state = StateTriggered
	d.wg.Add(1)

	go d.loop(ctx, target, st)
}

func (d *Dispatcher) loop(ctx context.Context, target Target, st *runState) {
	defer d.wg.Done()

	for {
		d.runOnce(ctx, target)

		d.mutex.Lock()
		if st.pending && ctx.Err() == nil {
			st.pending = false
			d.mutex.Unlock()

			continue
		}

		st.running = false
		st.pending = false
		d.active--
		if d.active == 0 && d.state == StateTriggered {
			d.state = StateWatching
		}
		d.mutex.Unlock()

		return
	}
}

func (d *Dispatcher) runOnce(ctx context.Context, target Target) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer d.sem.Release(1)

	runCtx := ctx
	if d.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.opts.TaskTimeout)
		defer cancel()
	}

	if err := target.Run(runCtx); err != nil {
		d.logger.Error(ctx, err, "Task failed", "task", target.Name())
	}
}
