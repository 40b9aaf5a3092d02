// Package config loads application configuration.
//
// Configuration is loaded in the following order (later sources override
// earlier ones):
//  1. Built-in defaults
//  2. The YAML file passed to Load, if any
//  3. Environment variables with the WEAVE__ prefix
//
// Environment variable transformation:
//   - WEAVE__LOG__LEVEL → log.level
//   - WEAVE__PLUGINS__INCLUDE → plugins.include (space separated)
//   - WEAVE__FOO_BAR__BAZ → fooBar.baz
package config

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"unicode"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "WEAVE__"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the application configuration.
type Config struct {
	ID        string   `koanf:"id"`
	Log       Log      `koanf:"log"`
	Plugins   Plugins  `koanf:"plugins"`
	Manifests []string `koanf:"manifests"`
}

// Log configures the global logger.
type Log struct {
	Level  string `koanf:"level"`  // debug, info, warn, error or disabled
	Format string `koanf:"format"` // console or json
}

// Plugins selects the plugins an application manages, by id glob pattern.
type Plugins struct {
	Include []string `koanf:"include"`
	Exclude []string `koanf:"exclude"`
}

// Defaults returns the built-in default values, keyed by config path.
func Defaults() map[string]any {
	return map[string]any{
		"id":         "weave",
		"log.level":  "info",
		"log.format": "console",
	}
}

// Load reads configuration from defaults, the YAML file at filename and the
// environment. An empty filename skips the file.
func Load(filename string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading config defaults: %w", err)
	}
	if filename != "" {
		if err := k.Load(file.Provider(filename), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %q: %w", filename, err)
		}
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", transformEnv), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values no component can use.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ID) == "" {
		errs = append(errs, fmt.Errorf("%w: id must not be empty", ErrInvalidConfig))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error", "disabled":
	default:
		errs = append(errs, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Log.Level))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format))
	}
	for _, p := range slices.Concat(c.Plugins.Include, c.Plugins.Exclude) {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("%w: bad plugin pattern %q", ErrInvalidConfig, p))
		}
	}
	return errors.Join(errs...)
}

// transformEnv maps WEAVE__FOO_BAR__BAZ to fooBar.baz. List-valued keys are
// split on spaces.
func transformEnv(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	segments := strings.Split(key, "__")
	for i, segment := range segments {
		parts := strings.Split(segment, "_")
		for j := 1; j < len(parts); j++ {
			parts[j] = capitalize(parts[j])
		}
		segments[i] = strings.Join(parts, "")
	}
	key = strings.Join(segments, ".")

	switch key {
	case "plugins.include", "plugins.exclude", "manifests":
		return key, strings.Fields(value)
	}
	return key, value
}

func capitalize(s string) string {
	if s == "" {
		return ""
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
