package build

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/conneroisu/kiln/internal/errors"
)

// Clean removes dir and everything under it. A missing dir is not an error.
// The filesystem root and the working directory are refused.
func Clean(fs afero.Fs, dir string) error {
	clean := filepath.Clean(dir)
	if dir == "" || clean == "." || clean == string(filepath.Separator) {
		return errors.NewIOError(dir, fmt.Sprintf("refusing to clean %q", dir), nil)
	}

	if err := fs.RemoveAll(clean); err != nil {
		return errors.NewIOError(clean, "remove build directory", err)
	}

	return nil
}

// CleanUnit wraps Clean as a graph unit named "clean".
func CleanUnit(fs afero.Fs, dir string) Unit {
	return Func("clean", func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		return Clean(fs, dir)
	})
}
