// Package config provides configuration management for kiln using Viper for
// loading from .kiln.yml files, KILN_ environment variables and command-line
// flags.
//
// The configuration describes where sources live, how each asset task selects
// its inputs and where it writes, the development server, watch behaviour and
// the external tools used by the transforms. The build Mode is resolved once
// at load time and never changes for the lifetime of the process.
package config

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/conneroisu/kiln/internal/errors"
)

// Mode selects between development and production output.
type Mode int

const (
	ModeDevelopment Mode = iota
	ModeProduction
)

// ModeFromFlag maps the --prod flag onto a Mode.
func ModeFromFlag(prod bool) Mode {
	if prod {
		return ModeProduction
	}

	return ModeDevelopment
}

func (m Mode) String() string {
	if m == ModeProduction {
		return "production"
	}

	return "development"
}

// IsProduction reports whether m is ModeProduction.
func (m Mode) IsProduction() bool {
	return m == ModeProduction
}

type Config struct {
	Paths  PathsConfig  `mapstructure:"paths" yaml:"paths"`
	Tasks  TasksConfig  `mapstructure:"tasks" yaml:"tasks"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Watch  WatchConfig  `mapstructure:"watch" yaml:"watch"`
	Tools  ToolsConfig  `mapstructure:"tools" yaml:"tools"`
	Images ImagesConfig `mapstructure:"images" yaml:"images"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	Mode   Mode         `mapstructure:"-" yaml:"-"` // --prod / KILN_PROD, not from config file
}

type PathsConfig struct {
	Src   string `mapstructure:"src" yaml:"src"`
	Build string `mapstructure:"build" yaml:"build"`
}

// TaskConfig selects inputs for one task. Input and Watch patterns are
// relative to paths.src, Output is relative to paths.build.
type TaskConfig struct {
	Input   []string `mapstructure:"input" yaml:"input"`
	Exclude []string `mapstructure:"exclude" yaml:"exclude,omitempty"`
	Watch   []string `mapstructure:"watch" yaml:"watch"`
	Output  string   `mapstructure:"output" yaml:"output"`
}

type TasksConfig struct {
	Markup  TaskConfig   `mapstructure:"markup" yaml:"markup"`
	Styles  TaskConfig   `mapstructure:"styles" yaml:"styles"`
	Scripts TaskConfig   `mapstructure:"scripts" yaml:"scripts"`
	Images  TaskConfig   `mapstructure:"images" yaml:"images"`
	Sprite  SpriteConfig `mapstructure:"sprite" yaml:"sprite"`
	Fonts   TaskConfig   `mapstructure:"fonts" yaml:"fonts"`
}

type SpriteConfig struct {
	TaskConfig `mapstructure:",squash" yaml:",inline"`
	Name       string `mapstructure:"name" yaml:"name"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	InjectReload bool   `mapstructure:"inject_reload" yaml:"inject_reload"`
}

type WatchConfig struct {
	Debounce      time.Duration `mapstructure:"debounce" yaml:"debounce"`
	MaxConcurrent int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
}

type ToolsConfig struct {
	Sass    string   `mapstructure:"sass" yaml:"sass"`
	Targets []string `mapstructure:"targets" yaml:"targets"`
}

type ImagesConfig struct {
	JPEGQuality int `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the configuration used when nothing overrides it. It mirrors
// the conventional src/ and build/ project layout.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{Src: "src", Build: "build"},
		Tasks: TasksConfig{
			Markup: TaskConfig{
				Input:  []string{"pug/pages/*.pug"},
				Watch:  []string{"pug/**/*.pug"},
				Output: ".",
			},
			Styles: TaskConfig{
				Input:  []string{"styles/style.scss"},
				Watch:  []string{"styles/**/*.scss"},
				Output: "css",
			},
			Scripts: TaskConfig{
				Input:  []string{"js/main.js"},
				Watch:  []string{"js/**/*.js"},
				Output: "js",
			},
			Images: TaskConfig{
				Input:   []string{"images/**/*.{jpg,jpeg,gif,png,svg}"},
				Exclude: []string{"images/sprite/*.*"},
				Output:  "images",
			},
			Sprite: SpriteConfig{
				TaskConfig: TaskConfig{
					Input:  []string{"images/sprite/*.svg"},
					Output: "images/sprite",
				},
				Name: "sprite.svg",
			},
			Fonts: TaskConfig{
				Input:  []string{"fonts/**/*.*"},
				Watch:  []string{"fonts/**/*.*"},
				Output: "fonts",
			},
		},
		Server: ServerConfig{Host: "localhost", Port: 3000, InjectReload: true},
		Watch: WatchConfig{
			Debounce:      100 * time.Millisecond,
			MaxConcurrent: 4,
			TaskTimeout:   2 * time.Minute,
		},
		Tools: ToolsConfig{
			Sass:    "sass",
			Targets: []string{"chrome58", "firefox57", "safari11", "edge16"},
		},
		Images: ImagesConfig{JPEGQuality: 85},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// SetDefaults registers every default on v so that environment variables and
// flags can override keys that never appear in a config file.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("prod", false)
	v.SetDefault("paths.src", d.Paths.Src)
	v.SetDefault("paths.build", d.Paths.Build)

	setTaskDefaults(v, "tasks.markup", d.Tasks.Markup)
	setTaskDefaults(v, "tasks.styles", d.Tasks.Styles)
	setTaskDefaults(v, "tasks.scripts", d.Tasks.Scripts)
	setTaskDefaults(v, "tasks.images", d.Tasks.Images)
	setTaskDefaults(v, "tasks.sprite", d.Tasks.Sprite.TaskConfig)
	v.SetDefault("tasks.sprite.name", d.Tasks.Sprite.Name)
	setTaskDefaults(v, "tasks.fonts", d.Tasks.Fonts)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.inject_reload", d.Server.InjectReload)

	v.SetDefault("watch.debounce", d.Watch.Debounce)
	v.SetDefault("watch.max_concurrent", d.Watch.MaxConcurrent)
	v.SetDefault("watch.task_timeout", d.Watch.TaskTimeout)

	v.SetDefault("tools.sass", d.Tools.Sass)
	v.SetDefault("tools.targets", d.Tools.Targets)

	v.SetDefault("images.jpeg_quality", d.Images.JPEGQuality)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

func setTaskDefaults(v *viper.Viper, prefix string, t TaskConfig) {
	v.SetDefault(prefix+".input", t.Input)
	v.SetDefault(prefix+".exclude", t.Exclude)
	v.SetDefault(prefix+".watch", t.Watch)
	v.SetDefault(prefix+".output", t.Output)
}

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "KILN"

// EnvKeyReplacer maps nested keys such as server.port onto KILN_SERVER_PORT.
func EnvKeyReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, &errors.BuildError{
			Type:    errors.ErrorTypeConfig,
			Message: "failed to decode configuration",
			Cause:   err,
		}
	}

	config.Mode = ModeFromFlag(v.GetBool("prod"))

	// Slices set through the environment arrive as a single space separated
	// string.
	for _, key := range []string{"tools.targets"} {
		if v.IsSet(key) {
			config.Tools.Targets = v.GetStringSlice(key)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// SourcePath joins rel onto paths.src.
func (c *Config) SourcePath(rel string) string {
	return filepath.Join(c.Paths.Src, filepath.FromSlash(rel))
}

// BuildPath joins rel onto paths.build.
func (c *Config) BuildPath(rel string) string {
	return filepath.Join(c.Paths.Build, filepath.FromSlash(rel))
}

// Address returns the host:port the development server binds to.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// validateConfig validates configuration values for security and correctness
func validateConfig(config *Config) error {
	if err := validatePath(config.Paths.Src); err != nil {
		return errors.NewConfigError("paths.src", err.Error())
	}
	if err := validatePath(config.Paths.Build); err != nil {
		return errors.NewConfigError("paths.build", err.Error())
	}
	if cleanBuild := filepath.Clean(config.Paths.Build); cleanBuild == "." || cleanBuild == "/" {
		return errors.NewConfigError("paths.build", "must not be the project root")
	}
	if filepath.Clean(config.Paths.Build) == filepath.Clean(config.Paths.Src) {
		return errors.NewConfigError("paths.build", "must differ from paths.src")
	}

	tasks := map[string]TaskConfig{
		"markup":  config.Tasks.Markup,
		"styles":  config.Tasks.Styles,
		"scripts": config.Tasks.Scripts,
		"images":  config.Tasks.Images,
		"sprite":  config.Tasks.Sprite.TaskConfig,
		"fonts":   config.Tasks.Fonts,
	}
	for name, task := range tasks {
		if err := validateTaskConfig(task); err != nil {
			return errors.NewConfigError("tasks."+name, err.Error())
		}
	}

	sprite := config.Tasks.Sprite.Name
	if sprite == "" || strings.ContainsAny(sprite, `/\`) || path.Ext(sprite) != ".svg" {
		return errors.NewConfigError("tasks.sprite.name", fmt.Sprintf("must be a plain .svg file name, got %q", sprite))
	}

	if err := validateServerConfig(&config.Server); err != nil {
		return errors.NewConfigError("server", err.Error())
	}

	if config.Watch.Debounce <= 0 {
		return errors.NewConfigError("watch.debounce", "must be positive")
	}
	if config.Watch.MaxConcurrent < 1 {
		return errors.NewConfigError("watch.max_concurrent", "must be at least 1")
	}
	if config.Watch.TaskTimeout <= 0 {
		return errors.NewConfigError("watch.task_timeout", "must be positive")
	}

	if strings.TrimSpace(config.Tools.Sass) == "" {
		return errors.NewConfigError("tools.sass", "must name the sass executable")
	}

	if config.Images.JPEGQuality < 1 || config.Images.JPEGQuality > 100 {
		return errors.NewConfigError("images.jpeg_quality", fmt.Sprintf("%d is not in range 1-100", config.Images.JPEGQuality))
	}

	switch strings.ToLower(config.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.NewConfigError("log.level", fmt.Sprintf("unknown level %q", config.Log.Level))
	}
	switch config.Log.Format {
	case "text", "json":
	default:
		return errors.NewConfigError("log.format", fmt.Sprintf("unknown format %q", config.Log.Format))
	}

	return nil
}

func validateTaskConfig(task TaskConfig) error {
	if len(task.Input) == 0 {
		return fmt.Errorf("input must contain at least one pattern")
	}

	for _, group := range [][]string{task.Input, task.Exclude, task.Watch} {
		for _, pattern := range group {
			if err := validatePattern(pattern); err != nil {
				return err
			}
		}
	}

	if task.Output == "" {
		return fmt.Errorf("output must be set")
	}
	if err := validatePath(task.Output); err != nil {
		return fmt.Errorf("output: %w", err)
	}
	if filepath.IsAbs(task.Output) {
		return fmt.Errorf("output should be relative to paths.build: %s", task.Output)
	}

	return nil
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	if strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("pattern must be relative to paths.src: %s", pattern)
	}
	for _, segment := range strings.Split(pattern, "/") {
		if segment == ".." {
			return fmt.Errorf("pattern contains traversal: %s", pattern)
		}
	}

	return nil
}

// validateServerConfig validates server configuration values
func validateServerConfig(config *ServerConfig) error {
	// Allow 0 for system-assigned ports in testing
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	if config.Host == "" {
		return fmt.Errorf("host must be set")
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\", " "}
	for _, char := range dangerousChars {
		if strings.Contains(config.Host, char) {
			return fmt.Errorf("host contains dangerous character: %s", char)
		}
	}

	return nil
}

// validatePath validates a file path for security
func validatePath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}

	cleanPath := filepath.Clean(p)

	for _, segment := range strings.Split(filepath.ToSlash(cleanPath), "/") {
		if segment == ".." {
			return fmt.Errorf("path contains traversal: %s", p)
		}
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'"}
	for _, char := range dangerousChars {
		if strings.Contains(cleanPath, char) {
			return fmt.Errorf("path contains dangerous character: %s", char)
		}
	}

	return nil
}
