package transform

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/conneroisu/kiln/internal/errors"
)

// SassOptions controls one Sass compilation.
type SassOptions struct {
	Compressed bool
	SourceMap  bool
	LoadPaths  []string
}

// SassCompiler compiles SCSS into CSS, returning the CSS and, when requested,
// its source map.
type SassCompiler interface {
	Compile(ctx context.Context, source string, data []byte, opts SassOptions) (css, sourceMap []byte, err error)
}

// SassCLI runs the dart-sass executable, feeding the stylesheet on stdin.
type SassCLI struct {
	command string
}

var allowedSassCommands = map[string]bool{
	"sass":      true,
	"dart-sass": true,
}

// NewSassCLI validates command and returns a compiler that runs it. command
// may be a bare name resolved on PATH or a path to the executable.
func NewSassCLI(command string) (*SassCLI, error) {
	if command == "" {
		return nil, fmt.Errorf("sass command cannot be empty")
	}

	base := strings.TrimSuffix(filepath.Base(command), filepath.Ext(command))
	if !allowedSassCommands[base] {
		return nil, fmt.Errorf("command '%s' is not allowed", command)
	}

	dangerous := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", " "}
	for _, char := range dangerous {
		if strings.Contains(command, char) {
			return nil, fmt.Errorf("invalid command '%s': contains dangerous character: %s", command, char)
		}
	}

	return &SassCLI{command: command}, nil
}

// Args returns the command line for opts.
func (s *SassCLI) Args(opts SassOptions) []string {
	args := []string{"--stdin", "--no-error-css"}

	if opts.Compressed {
		args = append(args, "--style=compressed")
	} else {
		args = append(args, "--style=expanded")
	}

	if opts.SourceMap {
		args = append(args, "--embed-source-map", "--embed-sources")
	} else {
		args = append(args, "--no-source-map")
	}

	for _, p := range opts.LoadPaths {
		args = append(args, "--load-path="+p)
	}

	return args
}

// Compile implements SassCompiler.
func (s *SassCLI) Compile(ctx context.Context, source string, data []byte, opts SassOptions) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, s.command, s.Args(opts)...)
	cmd.Stdin = bytes.NewReader(data)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("sass timed out: %w", ctx.Err())
		}

		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "sass failed"
		}

		te := errors.NewTransformError(source, msg, err)
		te.Line = sassErrorLine(msg)

		return nil, nil, te
	}

	css, sourceMap := ExtractInlineSourceMap(stdout.Bytes())

	return css, sourceMap, nil
}

var (
	inlineMapPattern = regexp.MustCompile(`\n?/\*# sourceMappingURL=data:application/json;(?:charset=utf-8;)?base64,([A-Za-z0-9+/=]+) \*/\s*$`)
	sassLinePattern  = regexp.MustCompile(`(?m)^\s*(?:-|stdin)\s+(\d+):\d+`)
)

// ExtractInlineSourceMap strips a trailing base64 sourceMappingURL comment
// from css and returns the decoded map separately.
func ExtractInlineSourceMap(css []byte) ([]byte, []byte) {
	m := inlineMapPattern.FindSubmatchIndex(css)
	if m == nil {
		return css, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(string(css[m[2]:m[3]]))
	if err != nil {
		return css, nil
	}

	out := append([]byte{}, css[:m[0]]...)
	out = append(out, '\n')

	return out, decoded
}

func sassErrorLine(stderr string) int {
	m := sassLinePattern.FindStringSubmatch(stderr)
	if m == nil {
		return 0
	}

	var line int
	_, _ = fmt.Sscanf(m[1], "%d", &line)

	return line
}

// CompileSass compiles every SCSS file with compiler, renaming it to .css.
// Partials are skipped.
func CompileSass(compiler SassCompiler, opts SassOptions) Step {
	skip := SkipPartials()

	return NewStep("sass", func(ctx context.Context, files []*File) ([]*File, error) {
		files, err := skip.Apply(ctx, files)
		if err != nil {
			return nil, err
		}

		compile := PerFile("sass", func(ctx context.Context, f *File) (*File, error) {
			loadPaths := append([]string{filepath.Dir(f.Source)}, opts.LoadPaths...)
			fileOpts := opts
			fileOpts.LoadPaths = loadPaths

			css, sourceMap, err := compiler.Compile(ctx, f.Source, f.Data, fileOpts)
			if err != nil {
				return nil, err
			}

			f.Data = css
			f.Map = sourceMap
			if ext := f.Ext(); ext == ".scss" || ext == ".sass" {
				f.Path = strings.TrimSuffix(f.Path, path.Ext(f.Path)) + ".css"
			}

			return f, nil
		})

		return compile.Apply(ctx, files)
	})
}
