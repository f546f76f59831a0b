package transform

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/kiln/internal/errors"
)

var engineNames = map[string]api.EngineName{
	"chrome":  api.EngineChrome,
	"edge":    api.EngineEdge,
	"firefox": api.EngineFirefox,
	"ie":      api.EngineIE,
	"ios":     api.EngineIOS,
	"node":    api.EngineNode,
	"opera":   api.EngineOpera,
	"safari":  api.EngineSafari,
}

var targetPattern = regexp.MustCompile(`^([a-z]+)(\d+(?:\.\d+)*)$`)

// ParseTargets converts browser targets such as "chrome58" or "safari11.1"
// into esbuild engines. Vendor prefixes and syntax lowering follow these.
func ParseTargets(targets []string) ([]api.Engine, error) {
	engines := make([]api.Engine, 0, len(targets))

	for _, t := range targets {
		m := targetPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(t)))
		if m == nil {
			return nil, fmt.Errorf("invalid browser target %q", t)
		}

		name, ok := engineNames[m[1]]
		if !ok {
			return nil, fmt.Errorf("unknown browser %q in target %q", m[1], t)
		}

		engines = append(engines, api.Engine{Name: name, Version: m[2]})
	}

	return engines, nil
}

// CSSOptions controls PostProcessCSS.
type CSSOptions struct {
	Engines   []api.Engine
	Minify    bool
	SourceMap bool
}

// PostProcessCSS adds vendor prefixes for the configured engines and, in
// production, minifies. When SourceMap is set the output map chains onto any
// map produced by an earlier step.
func PostProcessCSS(opts CSSOptions) Step {
	return PerFile("css", func(_ context.Context, f *File) (*File, error) {
		input := string(f.Data)
		if opts.SourceMap && len(f.Map) > 0 {
			input += "\n/*# sourceMappingURL=data:application/json;base64," + base64.StdEncoding.EncodeToString(f.Map) + " */\n"
		}

		result := api.Transform(input, api.TransformOptions{
			Loader:            api.LoaderCSS,
			Engines:           opts.Engines,
			MinifyWhitespace:  opts.Minify,
			MinifySyntax:      opts.Minify,
			Sourcefile:        f.Source,
			Sourcemap:         sourceMapMode(opts.SourceMap),
			SourcesContent:    api.SourcesContentInclude,
			LegalComments:     api.LegalCommentsNone,
			LogLevel:          api.LogLevelSilent,
			Charset:           api.CharsetUTF8,
		})
		if err := esbuildError(f.Source, result.Errors); err != nil {
			return nil, err
		}

		f.Data = result.Code
		f.Map = result.Map

		return f, nil
	})
}

// ScriptOptions controls TranspileJS.
type ScriptOptions struct {
	Engines   []api.Engine
	Minify    bool
	SourceMap bool
}

// TranspileJS lowers modern JavaScript to ES2015 and, in production,
// minifies whitespace, identifiers and syntax.
func TranspileJS(opts ScriptOptions) Step {
	return PerFile("js", func(_ context.Context, f *File) (*File, error) {
		result := api.Transform(string(f.Data), api.TransformOptions{
			Loader:            api.LoaderJS,
			Target:            api.ES2015,
			Engines:           opts.Engines,
			MinifyWhitespace:  opts.Minify,
			MinifyIdentifiers: opts.Minify,
			MinifySyntax:      opts.Minify,
			Sourcefile:        f.Source,
			Sourcemap:         sourceMapMode(opts.SourceMap),
			SourcesContent:    api.SourcesContentInclude,
			LegalComments:     api.LegalCommentsEndOfFile,
			LogLevel:          api.LogLevelSilent,
			Charset:           api.CharsetUTF8,
		})
		if err := esbuildError(f.Source, result.Errors); err != nil {
			return nil, err
		}

		f.Data = result.Code
		f.Map = result.Map

		return f, nil
	})
}

func sourceMapMode(enabled bool) api.SourceMap {
	if enabled {
		return api.SourceMapExternal
	}

	return api.SourceMapNone
}

func esbuildError(source string, messages []api.Message) error {
	if len(messages) == 0 {
		return nil
	}

	details := make([]string, 0, len(messages))
	line := 0

	for _, msg := range messages {
		if msg.Location != nil {
			if line == 0 {
				line = msg.Location.Line
			}
			details = append(details, fmt.Sprintf("%d:%d %s", msg.Location.Line, msg.Location.Column, msg.Text))
		} else {
			details = append(details, msg.Text)
		}
	}

	err := errors.NewTransformError(source, messages[0].Text, nil)
	err.Line = line
	if len(details) > 1 {
		err.Details = details
	}

	return err
}
