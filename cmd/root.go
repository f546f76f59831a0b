// Package cmd provides the kiln command-line interface.
//
// Configuration is read, highest priority first, from:
//
//  1. command-line flags (--prod, --port, --log-level, ...)
//  2. KILN_* environment variables (KILN_SERVER_PORT, KILN_PROD, ...)
//  3. the configuration file: --config, else KILN_CONFIG_FILE, else .kiln.yml
//  4. built-in defaults
package cmd

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/kiln/internal/config"
)

var (
	cfgFile string

	// configReadErr holds a failure to read an existing or explicitly named
	// configuration file. Commands that load configuration report it.
	configReadErr error
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Front-end asset pipeline with a live reload development server",
	Long: `kiln compiles a static front-end project: Pug pages to HTML, SCSS to
prefixed CSS, modern JavaScript to browser-compatible bundles, optimized
images, an SVG symbol sprite and copied fonts.

Without a subcommand kiln runs "serve": it builds everything, starts the
development server and rebuilds whatever a file change affects.

Quick Start:
  kiln                  Build, serve and watch in development mode
  kiln build --prod     Clean and build a minified production tree
  kiln config init      Write a default .kiln.yml`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	addGlobalFlags(rootCmd.PersistentFlags())
	addServerFlags(rootCmd.Flags())
}

// initConfig points viper at the configuration file and environment.
func initConfig() {
	configReadErr = nil

	if err := bindFlags(viper.GetViper()); err != nil {
		configReadErr = err
		return
	}

	explicit := true
	switch {
	case cfgFile != "":
		viper.SetConfigFile(cfgFile)
	case os.Getenv("KILN_CONFIG_FILE") != "":
		viper.SetConfigFile(os.Getenv("KILN_CONFIG_FILE"))
	default:
		explicit = false
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".kiln")
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(config.EnvKeyReplacer())
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err == nil {
		return
	}

	var notFound viper.ConfigFileNotFoundError
	if !explicit && stderrors.As(err, &notFound) {
		return
	}

	configReadErr = fmt.Errorf("reading configuration: %w", err)
}

func loadConfig() (*config.Config, error) {
	if configReadErr != nil {
		return nil, configReadErr
	}

	return config.Load()
}
