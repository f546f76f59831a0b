package task

import (
	"fmt"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/spf13/afero"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/pathspec"
	"github.com/conneroisu/kiln/internal/transform"
)

// Toolchain holds the external compilers the built-in tasks depend on.
type Toolchain struct {
	Sass transform.SassCompiler
}

// DefaultToolchain resolves the external tools named in cfg.
func DefaultToolchain(cfg *config.Config) (Toolchain, error) {
	sass, err := transform.NewSassCLI(cfg.Tools.Sass)
	if err != nil {
		return Toolchain{}, fmt.Errorf("tools.sass: %w", err)
	}

	return Toolchain{Sass: sass}, nil
}

// Catalog builds the six built-in tasks in their canonical order: markup,
// styles, scripts, images, sprite, fonts.
func Catalog(cfg *config.Config, fs afero.Fs, tc Toolchain) ([]*Task, error) {
	engines, err := transform.ParseTargets(cfg.Tools.Targets)
	if err != nil {
		return nil, fmt.Errorf("tools.targets: %w", err)
	}

	if tc.Sass == nil {
		return nil, fmt.Errorf("no sass compiler configured")
	}

	tasks := []*Task{
		Markup(cfg, fs),
		Styles(cfg, fs, tc.Sass, engines),
		Scripts(cfg, fs, engines),
		Images(cfg, fs),
		Sprite(cfg, fs),
		Fonts(cfg, fs),
	}

	for _, t := range tasks {
		if err := t.Input().Validate(); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.Name(), err)
		}
		if err := t.Watch().Validate(); err != nil {
			return nil, fmt.Errorf("task %s watch: %w", t.Name(), err)
		}
	}

	return tasks, nil
}

func specs(cfg *config.Config, tc config.TaskConfig) (pathspec.PathSpec, pathspec.PathSpec) {
	input := pathspec.New(cfg.Paths.Src, tc.Input, tc.Exclude...)

	watch := input
	if len(tc.Watch) > 0 {
		watch = pathspec.New(cfg.Paths.Src, tc.Watch, tc.Exclude...)
	}

	return input, watch
}

// Markup compiles Pug pages to HTML. Production builds validate every page
// and abort the task on any violation.
func Markup(cfg *config.Config, fs afero.Fs) *Task {
	input, watch := specs(cfg, cfg.Tasks.Markup)

	return New(Options{
		Name:      string(KindMarkup),
		Kind:      KindMarkup,
		Input:     input,
		Watch:     watch,
		OutputDir: cfg.BuildPath(cfg.Tasks.Markup.Output),
		Fs:        fs,
		Mode:      cfg.Mode,
		Stages: []Stage{
			Run(transform.CompilePug(fs, nil)),
			Run(transform.PrettyHTML()),
			Run(transform.ReplaceExt(".pug", ".html")),
			InProduction(transform.ValidateHTML()),
		},
	})
}

// Styles compiles the SCSS entry points, adds vendor prefixes and, in
// development, writes a source map next to each stylesheet.
func Styles(cfg *config.Config, fs afero.Fs, sass transform.SassCompiler, engines []api.Engine) *Task {
	input, watch := specs(cfg, cfg.Tasks.Styles)
	prod := cfg.Mode.IsProduction()

	return New(Options{
		Name:      string(KindStyles),
		Kind:      KindStyles,
		Input:     input,
		Watch:     watch,
		OutputDir: cfg.BuildPath(cfg.Tasks.Styles.Output),
		Fs:        fs,
		Mode:      cfg.Mode,
		Stages: []Stage{
			Run(transform.CompileSass(sass, transform.SassOptions{
				Compressed: prod,
				SourceMap:  !prod,
			})),
			Run(transform.PostProcessCSS(transform.CSSOptions{
				Engines:   engines,
				Minify:    prod,
				SourceMap: !prod,
			})),
			InDevelopment(transform.SourceMapSidecar()),
		},
	})
}

// Scripts transpiles JavaScript for the configured browsers and minifies it
// in production.
func Scripts(cfg *config.Config, fs afero.Fs, engines []api.Engine) *Task {
	input, watch := specs(cfg, cfg.Tasks.Scripts)
	prod := cfg.Mode.IsProduction()

	return New(Options{
		Name:      string(KindScripts),
		Kind:      KindScripts,
		Input:     input,
		Watch:     watch,
		OutputDir: cfg.BuildPath(cfg.Tasks.Scripts.Output),
		Fs:        fs,
		Mode:      cfg.Mode,
		Stages: []Stage{
			Run(transform.TranspileJS(transform.ScriptOptions{
				Engines:   engines,
				Minify:    prod,
				SourceMap: !prod,
			})),
			InDevelopment(transform.SourceMapSidecar()),
		},
	})
}

// Images optimises raster images and SVGs outside the sprite directory.
func Images(cfg *config.Config, fs afero.Fs) *Task {
	input, watch := specs(cfg, cfg.Tasks.Images)

	return New(Options{
		Name:      string(KindImages),
		Kind:      KindImages,
		Input:     input,
		Watch:     watch,
		OutputDir: cfg.BuildPath(cfg.Tasks.Images.Output),
		Fs:        fs,
		Mode:      cfg.Mode,
		Stages: []Stage{
			Run(transform.OptimizeImages(transform.ImageOptions{
				JPEGQuality: cfg.Images.JPEGQuality,
			})),
		},
	})
}

// Sprite assembles the sprite icons into one symbol sprite.
func Sprite(cfg *config.Config, fs afero.Fs) *Task {
	input, watch := specs(cfg, cfg.Tasks.Sprite.TaskConfig)

	return New(Options{
		Name:      string(KindSprite),
		Kind:      KindSprite,
		Input:     input,
		Watch:     watch,
		OutputDir: cfg.BuildPath(cfg.Tasks.Sprite.Output),
		Fs:        fs,
		Mode:      cfg.Mode,
		Stages: []Stage{
			Run(transform.StripPresentation()),
			Run(transform.SymbolSprite(cfg.Tasks.Sprite.Name)),
			InProduction(transform.MinifySVG(nil)),
		},
	})
}

// Fonts copies font files unchanged.
func Fonts(cfg *config.Config, fs afero.Fs) *Task {
	input, watch := specs(cfg, cfg.Tasks.Fonts)

	return New(Options{
		Name:      string(KindFonts),
		Kind:      KindFonts,
		Input:     input,
		Watch:     watch,
		OutputDir: cfg.BuildPath(cfg.Tasks.Fonts.Output),
		Fs:        fs,
		Mode:      cfg.Mode,
	})
}
