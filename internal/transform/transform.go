// Package transform holds the content transformations applied by asset
// tasks: markup compilation and validation, stylesheet and script
// compilation, image optimisation and sprite assembly.
//
// Every transformation is a Step operating on an in-memory batch of Files.
// Steps never touch the filesystem; reading sources and writing outputs is
// the task's job, which lets a task abort the whole batch before anything is
// written.
package transform

import (
	"context"
	stderrors "errors"
	"path"
	"strings"

	"github.com/conneroisu/kiln/internal/errors"
)

// File is one unit of content flowing through a task.
type File struct {
	// Path is the output path relative to the task's output directory,
	// slash separated.
	Path string
	// Source is the originating file, used in diagnostics.
	Source string
	Data   []byte
	// Map holds a source map for Data when one was generated.
	Map []byte
}

// Ext returns the lower-cased extension of the output path.
func (f *File) Ext() string {
	return strings.ToLower(path.Ext(f.Path))
}

// Base returns the output file name without its extension.
func (f *File) Base() string {
	name := path.Base(f.Path)

	return strings.TrimSuffix(name, path.Ext(name))
}

// Step is a named transformation over a batch of files.
type Step interface {
	Name() string
	Apply(ctx context.Context, files []*File) ([]*File, error)
}

type stepFunc struct {
	name string
	fn   func(ctx context.Context, files []*File) ([]*File, error)
}

func (s stepFunc) Name() string { return s.name }

func (s stepFunc) Apply(ctx context.Context, files []*File) ([]*File, error) {
	return s.fn(ctx, files)
}

// NewStep builds a Step from a batch function.
func NewStep(name string, fn func(ctx context.Context, files []*File) ([]*File, error)) Step {
	return stepFunc{name: name, fn: fn}
}

// PerFile builds a Step that applies fn to every file independently. A nil
// result drops the file. Failures are collected across the whole batch so a
// single run reports every broken file.
func PerFile(name string, fn func(ctx context.Context, f *File) (*File, error)) Step {
	return NewStep(name, func(ctx context.Context, files []*File) ([]*File, error) {
		out := make([]*File, 0, len(files))
		var errs []error

		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			result, err := fn(ctx, f)
			if err != nil {
				be := errors.AsBuildError(err, errors.ErrorTypeTransform)
				if be.File == "" {
					be.File = f.Source
				}
				errs = append(errs, be.WithStep(name))

				continue
			}

			if result != nil {
				out = append(out, result)
			}
		}

		if len(errs) == 1 {
			return nil, errs[0]
		}
		if len(errs) > 1 {
			return nil, stderrors.Join(errs...)
		}

		return out, nil
	})
}

// ReplaceExt renames files ending in from so they end in to.
func ReplaceExt(from, to string) Step {
	return PerFile("rename", func(_ context.Context, f *File) (*File, error) {
		if strings.EqualFold(path.Ext(f.Path), from) {
			f.Path = strings.TrimSuffix(f.Path, path.Ext(f.Path)) + to
		}

		return f, nil
	})
}

// SkipPartials drops files whose name starts with an underscore. Such files
// are only meant to be imported by other sources.
func SkipPartials() Step {
	return PerFile("skip-partials", func(_ context.Context, f *File) (*File, error) {
		if strings.HasPrefix(path.Base(f.Path), "_") {
			return nil, nil
		}

		return f, nil
	})
}

// SourceMapSidecar writes each file's source map next to it as <name>.map
// and appends a sourceMappingURL comment pointing at it.
func SourceMapSidecar() Step {
	return NewStep("sourcemap", func(_ context.Context, files []*File) ([]*File, error) {
		out := make([]*File, 0, len(files)*2)

		for _, f := range files {
			out = append(out, f)
			if len(f.Map) == 0 {
				continue
			}

			mapName := path.Base(f.Path) + ".map"

			var comment string
			switch f.Ext() {
			case ".css":
				comment = "/*# sourceMappingURL=" + mapName + " */\n"
			default:
				comment = "//# sourceMappingURL=" + mapName + "\n"
			}

			if len(f.Data) > 0 && f.Data[len(f.Data)-1] != '\n' {
				f.Data = append(f.Data, '\n')
			}
			f.Data = append(f.Data, comment...)

			out = append(out, &File{
				Path:   f.Path + ".map",
				Source: f.Source,
				Data:   f.Map,
			})
			f.Map = nil
		}

		return out, nil
	})
}
