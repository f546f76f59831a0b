package build

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/task"
)

// Result is the recorded outcome of one task run.
type Result struct {
	task.Result
	Trigger  string
	Error    error
	Finished time.Time
}

// Callback is called after every task run.
type Callback func(result Result)

// Executable is the subset of a task the recorder needs.
type Executable interface {
	Name() string
	Kind() task.Kind
	Execute(ctx context.Context) (task.Result, error)
}

// Recorder wraps tasks so that every run is logged, counted and reported to
// callbacks. It also remembers the latest result of each task.
type Recorder struct {
	logger    logging.Logger
	metrics   *Metrics
	callbacks []Callback
	last      map[string]Result
	mutex     sync.RWMutex
}

// NewRecorder creates a recorder. metrics may be nil.
func NewRecorder(logger logging.Logger, metrics *Metrics) *Recorder {
	return &Recorder{
		logger:  logger.WithComponent("build"),
		metrics: metrics,
		last:    make(map[string]Result),
	}
}

// AddCallback adds a callback to be called when task runs complete
func (r *Recorder) AddCallback(callback Callback) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// Wrap returns a unit that runs t and records the outcome under trigger.
func (r *Recorder) Wrap(t Executable, trigger string) Unit {
	return Func(t.Name(), func(ctx context.Context) error {
		return r.run(ctx, t, trigger)
	})
}

func (r *Recorder) run(ctx context.Context, t Executable, trigger string) error {
	op := logging.StartOperation(r.logger.With("task", t.Name(), "trigger", trigger), "task")

	res, err := t.Execute(ctx)
	if res.Task == "" {
		res.Task = t.Name()
		res.Kind = t.Kind()
	}

	if err != nil {
		res.Duration = op.EndWithError(ctx, err)
	} else {
		res.Duration = op.End(ctx, "inputs", res.Inputs, "written", len(res.Written), "unchanged", res.Skipped, "removed", len(res.Removed))
	}

	result := Result{
		Result:   res,
		Trigger:  trigger,
		Error:    err,
		Finished: time.Now(),
	}

	if r.metrics != nil {
		r.metrics.Observe(result)
	}

	r.mutex.Lock()
	r.last[result.Task] = result
	callbacks := append([]Callback(nil), r.callbacks...)
	r.mutex.Unlock()

	for _, cb := range callbacks {
		cb(result)
	}

	return err
}

// Last returns the latest result of the named task.
func (r *Recorder) Last(name string) (Result, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	res, ok := r.last[name]

	return res, ok
}

// Results returns the latest result of every task that has run, ordered by
// task name.
func (r *Recorder) Results() []Result {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]Result, 0, len(r.last))
	for _, res := range r.last {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })

	return out
}
