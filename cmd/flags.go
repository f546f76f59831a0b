package cmd

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps flag names to the configuration keys they override.
var flagKeys = map[string]string{
	"prod":       "prod",
	"log-level":  "log.level",
	"log-format": "log.format",
	"host":       "server.host",
	"port":       "server.port",
}

// boundFlags are the flag sets whose values feed viper. Commands register
// theirs in init.
var boundFlags []*pflag.FlagSet

func addGlobalFlags(flags *pflag.FlagSet) {
	flags.StringVar(&cfgFile, "config", "", "config file (default .kiln.yml, or KILN_CONFIG_FILE)")
	flags.Bool("prod", false, "build in production mode: minified, no source maps, validated markup")
	flags.StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")

	boundFlags = append(boundFlags, flags)
}

func addServerFlags(flags *pflag.FlagSet) {
	flags.String("host", "localhost", "host to bind the development server to")
	flags.IntP("port", "p", 3000, "port to serve on")

	boundFlags = append(boundFlags, flags)
}

// bindFlags binds every changed known flag to its configuration key. Only
// changed flags are bound so that one command's defaults never mask the
// configuration file.
func bindFlags(v *viper.Viper) error {
	for _, flags := range boundFlags {
		var err error
		flags.VisitAll(func(f *pflag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed || err != nil {
				return
			}
			if bindErr := v.BindPFlag(key, f); bindErr != nil {
				err = fmt.Errorf("binding --%s: %w", f.Name, bindErr)
			}
		})
		if err != nil {
			return err
		}
	}

	return nil
}
