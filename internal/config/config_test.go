package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/kiln/internal/errors"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		setup       func()
		expectError bool
		check       func(t *testing.T, cfg *Config)
	}{
		{
			name: "defaults",
			setup: func() {
				viper.Reset()
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "src", cfg.Paths.Src)
				assert.Equal(t, "build", cfg.Paths.Build)
				assert.Equal(t, []string{"pug/pages/*.pug"}, cfg.Tasks.Markup.Input)
				assert.Equal(t, []string{"images/sprite/*.*"}, cfg.Tasks.Images.Exclude)
				assert.Equal(t, []string{"js/main.js"}, cfg.Tasks.Scripts.Input)
				assert.Equal(t, "sprite.svg", cfg.Tasks.Sprite.Name)
				assert.Equal(t, []string{"images/sprite/*.svg"}, cfg.Tasks.Sprite.Input)
				assert.Equal(t, "images/sprite", cfg.Tasks.Sprite.Output)
				assert.Equal(t, "localhost", cfg.Server.Host)
				assert.Equal(t, 3000, cfg.Server.Port)
				assert.True(t, cfg.Server.InjectReload)
				assert.Equal(t, 100*time.Millisecond, cfg.Watch.Debounce)
				assert.Equal(t, 4, cfg.Watch.MaxConcurrent)
				assert.Equal(t, 2*time.Minute, cfg.Watch.TaskTimeout)
				assert.Equal(t, 85, cfg.Images.JPEGQuality)
				assert.Equal(t, ModeDevelopment, cfg.Mode)
			},
		},
		{
			name: "production mode",
			setup: func() {
				viper.Reset()
				viper.Set("prod", true)
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ModeProduction, cfg.Mode)
				assert.True(t, cfg.Mode.IsProduction())
			},
		},
		{
			name: "overrides",
			setup: func() {
				viper.Reset()
				viper.Set("server.port", 8080)
				viper.Set("server.inject_reload", false)
				viper.Set("watch.debounce", "250ms")
				viper.Set("tasks.styles.input", []string{"scss/main.scss"})
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.False(t, cfg.Server.InjectReload)
				assert.Equal(t, 250*time.Millisecond, cfg.Watch.Debounce)
				assert.Equal(t, []string{"scss/main.scss"}, cfg.Tasks.Styles.Input)
				assert.Equal(t, "css", cfg.Tasks.Styles.Output)
			},
		},
		{
			name: "invalid port type",
			setup: func() {
				viper.Reset()
				viper.Set("server.port", "invalid_port")
			},
			expectError: true,
		},
		{
			name: "port out of range",
			setup: func() {
				viper.Reset()
				viper.Set("server.port", 70000)
			},
			expectError: true,
		},
		{
			name: "build equals src",
			setup: func() {
				viper.Reset()
				viper.Set("paths.build", "src")
			},
			expectError: true,
		},
		{
			name: "build is project root",
			setup: func() {
				viper.Reset()
				viper.Set("paths.build", ".")
			},
			expectError: true,
		},
		{
			name: "pattern traversal",
			setup: func() {
				viper.Reset()
				viper.Set("tasks.fonts.input", []string{"../secrets/*"})
			},
			expectError: true,
		},
		{
			name: "empty input",
			setup: func() {
				viper.Reset()
				viper.Set("tasks.scripts.input", []string{})
			},
			expectError: true,
		},
		{
			name: "jpeg quality",
			setup: func() {
				viper.Reset()
				viper.Set("images.jpeg_quality", 0)
			},
			expectError: true,
		},
		{
			name: "max concurrent",
			setup: func() {
				viper.Reset()
				viper.Set("watch.max_concurrent", 0)
			},
			expectError: true,
		},
		{
			name: "sprite name with directory",
			setup: func() {
				viper.Reset()
				viper.Set("tasks.sprite.name", "icons/sprite.svg")
			},
			expectError: true,
		},
		{
			name: "log format",
			setup: func() {
				viper.Reset()
				viper.Set("log.format", "xml")
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			defer viper.Reset()

			cfg, err := Load()
			if tt.expectError {
				require.Error(t, err)
				assert.True(t, errors.IsConfig(err), "expected config error, got %v", err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)
			tt.check(t, cfg)
		})
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	v := viper.New()
	v.SetEnvPrefix("KILN")
	v.SetEnvKeyReplacer(EnvKeyReplacer())
	v.AutomaticEnv()

	t.Setenv("KILN_SERVER_PORT", "4000")
	t.Setenv("KILN_PROD", "true")
	t.Setenv("KILN_TOOLS_SASS", "/usr/local/bin/sass")

	cfg, err := LoadFrom(v)
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, ModeProduction, cfg.Mode)
	assert.Equal(t, "/usr/local/bin/sass", cfg.Tools.Sass)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".kiln.yml")
	content := `
paths:
  src: assets
  build: public
tasks:
  markup:
    input: ["views/*.pug"]
    watch: ["views/**/*.pug"]
    output: "."
server:
  port: 5000
watch:
  debounce: 50ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := LoadFrom(v)
	require.NoError(t, err)

	assert.Equal(t, "assets", cfg.Paths.Src)
	assert.Equal(t, "public", cfg.Paths.Build)
	assert.Equal(t, []string{"views/*.pug"}, cfg.Tasks.Markup.Input)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, 50*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, "styles/style.scss", cfg.Tasks.Styles.Input[0])
	assert.Equal(t, filepath.Join("assets", "js", "app.js"), cfg.SourcePath("js/app.js"))
	assert.Equal(t, filepath.Join("public", "css"), cfg.BuildPath("css"))
	assert.Equal(t, "localhost:5000", cfg.Address())
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "development", ModeDevelopment.String())
	assert.Equal(t, "production", ModeProduction.String())
	assert.Equal(t, ModeProduction, ModeFromFlag(true))
	assert.Equal(t, ModeDevelopment, ModeFromFlag(false))
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"src", false},
		{"./build/out", false},
		{"", true},
		{"../outside", true},
		{"build/../../x", true},
		{"build;rm", true},
		{"a..b", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := validatePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, validateConfig(Default()))
}
