package server

import (
	"context"
	stderrors "errors"

	"github.com/conneroisu/kiln/internal/pathspec"
	"github.com/conneroisu/kiln/internal/transform"
)

func pathspecFor(pattern string) pathspec.PathSpec {
	return pathspec.New("src", []string{pattern})
}

func rejectStep(msg string) transform.Step {
	return transform.PerFile("reject", func(context.Context, *transform.File) (*transform.File, error) {
		return nil, stderrors.New(msg)
	})
}
