// Package config handles ebpfpolicy daemon configuration.
//
// Configuration is loaded with overlay semantics:
//
//  1. Start with built-in defaults (embedded via go:embed from default.toml)
//  2. Overlay with config file values (if file exists)
//  3. CLI flags and environment variables override at runtime (handled by CLI layer)
//
// The TOML decoder only sets fields present in the file, leaving
// unspecified fields at their default values. A config file that exists
// but does not parse is an error.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/frobware/go-ebpfpolicy/ebpfconfig"
	"github.com/frobware/go-ebpfpolicy/security"
)

//go:embed default.toml
var defaultConfigTOML string

const (
	// DefaultConfigPath is the default path to the daemon config file.
	DefaultConfigPath = "/etc/ebpfpolicy/ebpfpolicy.toml"
)

// Config is the top-level daemon configuration.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Policy  PolicyConfig  `toml:"policy"`
	Admin   AdminConfig   `toml:"admin"`
	Metrics MetricsConfig `toml:"metrics"`
}

// LoggingConfig controls logging behaviour.
type LoggingConfig struct {
	// Level is the log spec (e.g., "info" or "info,reloader=debug").
	Level string `toml:"level"`
	// Format is the output format: "text" or "json".
	Format string `toml:"format"`
	// Components provides an alternative way to specify per-component levels.
	Components map[string]string `toml:"components"`
}

// ToSpec converts the LoggingConfig to a log spec string. Level wins
// over Components. Components are emitted in name order.
func (c *LoggingConfig) ToSpec() string {
	if c.Level != "" {
		return c.Level
	}
	if len(c.Components) == 0 {
		return ""
	}

	names := make([]string, 0, len(c.Components))
	for component := range c.Components {
		names = append(names, component)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names)+1)
	parts = append(parts, "info")
	for _, component := range names {
		parts = append(parts, component+"="+c.Components[component])
	}
	return strings.Join(parts, ",")
}

// PolicyConfig controls the policy directory reloader.
type PolicyConfig struct {
	Dir         string                  `toml:"dir"`
	Mode        security.ValidationMode `toml:"mode"`
	DebounceMS  int                     `toml:"debounce_ms"`
	HistoryKeep int                     `toml:"history_keep"`
}

// Debounce returns the reload quiet period.
func (c PolicyConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// AdminConfig locates the admin configuration sources.
type AdminConfig struct {
	// AppConfig is a JSON or YAML document with an "ebpf" section.
	AppConfig string `toml:"app_config"`
	// Flags are admin flag values keyed by flag name, e.g.
	// ebpf_sample_config_config_rate = "0.5".
	Flags map[string]string `toml:"flags"`
}

// ParsedFlags returns the admin flag layer described by Flags.
func (c AdminConfig) ParsedFlags() (*ebpfconfig.Flags, error) {
	flags := ebpfconfig.NewFlags()
	if err := flags.SetAll(c.Flags); err != nil {
		return nil, err
	}
	return flags, nil
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// DefaultConfig returns the default configuration from the embedded
// default.toml.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		// default.toml is embedded at build time.
		return Config{
			Logging: LoggingConfig{Level: "info", Format: "text"},
			Policy:  PolicyConfig{Dir: "/etc/ebpfpolicy/policies.d", Mode: security.ModeStrict, DebounceMS: 250, HistoryKeep: 1000},
		}
	}
	return cfg
}

// Load reads configuration from a file path with overlay semantics.
//
// Behaviour:
//   - File missing: returns default configuration (no error)
//   - File exists and valid: overlays file values onto defaults
//   - File exists but invalid: returns error (fail fast)
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return cfg, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs *multierror.Error
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = multierror.Append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if c.Policy.DebounceMS < 0 {
		errs = multierror.Append(errs, fmt.Errorf("policy.debounce_ms: must not be negative, got %d", c.Policy.DebounceMS))
	}
	if c.Policy.HistoryKeep < 0 {
		errs = multierror.Append(errs, fmt.Errorf("policy.history_keep: must not be negative, got %d", c.Policy.HistoryKeep))
	}
	if _, err := c.Admin.ParsedFlags(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("admin.flags: %w", err))
	}
	return errs.ErrorOrNil()
}
