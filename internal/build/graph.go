package build

import (
	"context"
	stderrors "errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Unit is anything the graph runner can execute: a task, a clean, a server,
// or a composition of other units.
type Unit interface {
	Name() string
	Run(ctx context.Context) error
}

type funcUnit struct {
	name string
	fn   func(ctx context.Context) error
}

func (u funcUnit) Name() string { return u.name }
func (u funcUnit) Run(ctx context.Context) error { return u.fn(ctx) }

// Func adapts fn into a Unit.
func Func(name string, fn func(ctx context.Context) error) Unit {
	return funcUnit{name: name, fn: fn}
}

// RunParallel starts every unit concurrently and waits for all of them. A
// failing unit does not cancel its siblings; every failure is reported in the
// joined error.
func RunParallel(ctx context.Context, units ...Unit) error {
	errs := make([]error, len(units))

	var g errgroup.Group
	for i, u := range units {
		g.Go(func() error {
			if err := u.Run(ctx); err != nil {
				errs[i] = fmt.Errorf("%s: %w", u.Name(), err)
			}

			return nil
		})
	}
	_ = g.Wait()

	return stderrors.Join(errs...)
}

// RunSequential runs units in order, stopping at the first failure. Later
// units do not start once ctx is cancelled.
func RunSequential(ctx context.Context, units ...Unit) error {
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := u.Run(ctx); err != nil {
			return fmt.Errorf("%s: %w", u.Name(), err)
		}
	}

	return nil
}

// Parallel composes units into one unit that runs them with RunParallel.
func Parallel(name string, units ...Unit) Unit {
	return Func(name, func(ctx context.Context) error {
		return RunParallel(ctx, units...)
	})
}

// Sequential composes units into one unit that runs them with RunSequential.
func Sequential(name string, units ...Unit) Unit {
	return Func(name, func(ctx context.Context) error {
		return RunSequential(ctx, units...)
	})
}
