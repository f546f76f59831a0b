//go:build property
// +build property

package config

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestConfigurationProperties tests configuration validation properties
func TestConfigurationProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// Property: valid ports and hosts always validate
	properties.Property("valid server config", prop.ForAll(
		func(port int, host string) bool {
			cfg := Default()
			cfg.Server.Port = port
			cfg.Server.Host = host

			return validateConfig(cfg) == nil
		},
		gen.IntRange(0, 65535),
		gen.RegexMatch(`^[a-zA-Z0-9.-]{1,32}$`),
	))

	// Property: any pattern with a parent segment is rejected
	properties.Property("traversal patterns rejected", prop.ForAll(
		func(prefix, suffix string) bool {
			pattern := strings.Trim(prefix+"/../"+suffix, "/")
			if pattern == ".." {
				return true
			}

			return validatePattern(pattern) != nil
		},
		gen.RegexMatch(`^[a-z]{0,8}$`),
		gen.RegexMatch(`^[a-z*]{0,8}$`),
	))

	// Property: path validation is deterministic
	properties.Property("path validation consistency", prop.ForAll(
		func(path string) bool {
			first := validatePath(path) == nil
			second := validatePath(path) == nil

			return first == second
		},
		gen.AnyString(),
	))

	// Property: JPEG quality outside 1-100 is rejected
	properties.Property("jpeg quality range", prop.ForAll(
		func(q int) bool {
			cfg := Default()
			cfg.Images.JPEGQuality = q
			err := validateConfig(cfg)

			return (q >= 1 && q <= 100) == (err == nil)
		},
		gen.IntRange(-50, 200),
	))

	properties.TestingRun(t)
}
