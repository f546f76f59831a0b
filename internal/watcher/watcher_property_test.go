//go:build property

package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/conneroisu/kiln/internal/pathspec"
)

// TestDispatcherProperties validates the rerun coalescing guarantees.
func TestDispatcherProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(9876)
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("a burst of triggers during a run causes at most one rerun", prop.ForAll(
		func(burst int) bool {
			target := &fakeTarget{name: "styles", release: make(chan struct{})}
			d := NewDispatcher([]Binding{{
				Spec:   pathspec.New("src", []string{"styles/**/*.scss"}),
				Target: target,
			}}, Options{})

			ctx := context.Background()
			d.Dispatch(ctx, []string{"src/styles/style.scss"})

			deadline := time.Now().Add(time.Second)
			for target.current.Load() == 0 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}

			for i := 0; i < burst; i++ {
				d.Dispatch(ctx, []string{"src/styles/style.scss"})
			}

			close(target.release)
			d.Wait()

			runs := target.runs.Load()
			if burst == 0 {
				return runs == 1
			}

			return runs == 2
		},
		gen.IntRange(0, 50),
	))

	properties.Property("a batch triggers each matched target once", prop.ForAll(
		func(paths []string) bool {
			target := &fakeTarget{name: "scripts"}
			d := NewDispatcher([]Binding{{
				Spec:   pathspec.New("src", []string{"js/**/*.js"}),
				Target: target,
			}}, Options{})

			batch := make([]string, len(paths))
			for i, p := range paths {
				batch[i] = "src/js/" + p + ".js"
			}

			triggered := d.Dispatch(context.Background(), batch)
			d.Wait()

			if len(paths) == 0 {
				return len(triggered) == 0 && target.runs.Load() == 0
			}

			return len(triggered) == 1 && target.runs.Load() == 1
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
