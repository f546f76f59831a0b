package task

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/pathspec"
	"github.com/conneroisu/kiln/internal/transform"
)

func writeFile(t *testing.T, fs afero.Fs, name, data string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, afero.WriteFile(fs, name, []byte(data), 0o644))
}

func upper() transform.Step {
	return transform.PerFile("upper", func(_ context.Context, f *transform.File) (*transform.File, error) {
		f.Data = []byte(strings.ToUpper(string(f.Data)))

		return f, nil
	})
}

func failOn(name string) transform.Step {
	return transform.PerFile("fail", func(_ context.Context, f *transform.File) (*transform.File, error) {
		if strings.HasSuffix(f.Path, name) {
			return nil, stderrors.New("refused")
		}

		return f, nil
	})
}

func TestExecuteWritesOutputs(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "src/txt/a.txt", "alpha")
	writeFile(t, fs, "src/txt/nested/b.txt", "beta")

	tk := New(Options{
		Name:      "text",
		Input:     pathspec.New("src", []string{"txt/**/*.txt"}),
		OutputDir: "build/out",
		Stages:    []Stage{Run(upper())},
		Fs:        fs,
	})

	result, err := tk.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Inputs)
	assert.Len(t, result.Written, 2)
	assert.Equal(t, Kind("text"), result.Kind)

	data, err := afero.ReadFile(fs, filepath.Join("build", "out", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ALPHA", string(data))

	data, err = afero.ReadFile(fs, filepath.Join("build", "out", "nested", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "BETA", string(data))
}

func TestExecuteSkipsIdenticalOutputs(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "src/fonts/a.woff2", "font-bytes")

	tk := New(Options{
		Name:      "fonts",
		Input:     pathspec.New("src", []string{"fonts/*"}),
		OutputDir: "build/fonts",
		Fs:        fs,
	})

	first, err := tk.Execute(context.Background())
	require.NoError(t, err)
	assert.Len(t, first.Written, 1)

	info, err := fs.Stat(filepath.Join("build", "fonts", "a.woff2"))
	require.NoError(t, err)
	modTime := info.ModTime()

	time.Sleep(5 * time.Millisecond)

	second, err := tk.Execute(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second.Written)
	assert.Equal(t, 1, second.Skipped)

	info, err = fs.Stat(filepath.Join("build", "fonts", "a.woff2"))
	require.NoError(t, err)
	assert.Equal(t, modTime, info.ModTime())
}

// readCountingFs counts read-only opens per path.
type readCountingFs struct {
	afero.Fs

	mutex sync.Mutex
	reads map[string]int
}

func newReadCountingFs(fs afero.Fs) *readCountingFs {
	return &readCountingFs{Fs: fs, reads: make(map[string]int)}
}

func (c *readCountingFs) count(name string) {
	c.mutex.Lock()
	c.reads[filepath.Clean(name)]++
	c.mutex.Unlock()
}

func (c *readCountingFs) Reads(name string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.reads[filepath.Clean(name)]
}

func (c *readCountingFs) Open(name string) (afero.File, error) {
	c.count(name)

	return c.Fs.Open(name)
}

func (c *readCountingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		c.count(name)
	}

	return c.Fs.OpenFile(name, flag, perm)
}

func TestExecuteSkipsUnchangedOutputsWithoutReading(t *testing.T) {
	fs := newReadCountingFs(afero.NewMemMapFs())
	writeFile(t, fs, "src/fonts/a.woff2", "font-bytes")
	dest := filepath.Join("build", "fonts", "a.woff2")

	tk := New(Options{
		Name:      "fonts",
		Input:     pathspec.New("src", []string{"fonts/*"}),
		OutputDir: "build/fonts",
		Fs:        fs,
	})

	_, err := tk.Execute(context.Background())
	require.NoError(t, err)
	readsAfterFirst := fs.Reads(dest)

	second, err := tk.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, readsAfterFirst, fs.Reads(dest), "unchanged output must not be read back")
}

func TestExecuteDetectsOutputsChangedOnDisk(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "src/fonts/a.woff2", "font-bytes")
	dest := filepath.Join("build", "fonts", "a.woff2")

	tk := New(Options{
		Name:      "fonts",
		Input:     pathspec.New("src", []string{"fonts/*"}),
		OutputDir: "build/fonts",
		Fs:        fs,
	})

	_, err := tk.Execute(context.Background())
	require.NoError(t, err)

	t.Run("overwritten with same size", func(t *testing.T) {
		time.Sleep(5 * time.Millisecond)
		writeFile(t, fs, dest, "FONT-BYTES")

		res, err := tk.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{dest}, res.Written)

		data, err := afero.ReadFile(fs, dest)
		require.NoError(t, err)
		assert.Equal(t, "font-bytes", string(data))
	})

	t.Run("removed", func(t *testing.T) {
		require.NoError(t, fs.RemoveAll("build"))

		res, err := tk.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{dest}, res.Written)
	})

	t.Run("identical file written by someone else", func(t *testing.T) {
		time.Sleep(5 * time.Millisecond)
		writeFile(t, fs, dest, "font-bytes")

		res, err := tk.Execute(context.Background())
		require.NoError(t, err)
		assert.Empty(t, res.Written)
		assert.Equal(t, 1, res.Skipped)
	})
}

func TestExecuteStepFailureWritesNothing(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "src/txt/a.txt", "alpha")
	writeFile(t, fs, "src/txt/z.txt", "zulu")

	tk := New(Options{
		Name:      "text",
		Input:     pathspec.New("src", []string{"txt/*.txt"}),
		OutputDir: "build",
		Stages:    []Stage{Run(upper()), Run(failOn("z.txt"))},
		Fs:        fs,
	})

	_, err := tk.Execute(context.Background())
	require.Error(t, err)

	var be *errors.BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, errors.ErrorTypeTransform, be.Type)
	assert.Equal(t, "text", be.Task)
	assert.Equal(t, "fail", be.Step)

	exists, err := afero.Exists(fs, filepath.Join("build", "a.txt"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestModeGates(t *testing.T) {
	stages := []Stage{
		Run(transform.ReplaceExt(".a", ".b")),
		InProduction(transform.ValidateHTML()),
		InDevelopment(transform.SourceMapSidecar()),
		{Step: upper()},
	}

	dev := New(Options{Name: "x", Stages: stages, Mode: config.ModeDevelopment})
	prod := New(Options{Name: "x", Stages: stages, Mode: config.ModeProduction})

	assert.Equal(t, []string{"rename", "sourcemap", "upper"}, dev.Steps())
	assert.Equal(t, []string{"rename", "validate", "upper"}, prod.Steps())
	assert.Equal(t, config.ModeProduction, prod.Mode())
}

func TestExecuteCancelled(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "src/a.txt", "a")

	tk := New(Options{
		Name:      "text",
		Input:     pathspec.New("src", []string{"*.txt"}),
		OutputDir: "build",
		Stages:    []Stage{Run(upper())},
		Fs:        fs,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tk.Execute(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	exists, _ := afero.Exists(fs, filepath.Join("build", "a.txt"))
	assert.False(t, exists)
}

func TestExecuteNoInputs(t *testing.T) {
	tk := New(Options{
		Name:      "empty",
		Input:     pathspec.New("src", []string{"*.txt"}),
		OutputDir: "build",
		Fs:        afero.NewMemMapFs(),
	})

	result, err := tk.Execute(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Inputs)
	assert.Empty(t, result.Written)
}

func TestWatchDefaultsToInput(t *testing.T) {
	input := pathspec.New("src", []string{"js/**/*.js"})
	tk := New(Options{Name: "scripts", Input: input})

	assert.Equal(t, input, tk.Watch())
	assert.Equal(t, KindScripts, tk.Kind())
}
