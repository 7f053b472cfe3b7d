// Package config loads and validates the hub configuration from YAML.
// Environment references of the form ${VAR} are expanded before parsing.
// Sources and observers are declared globally and selected through named
// profiles; the loader produces plain records only, instances are built
// later through the kind registries.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sdss/cerebro/errors"
)

// Defaults applied by Parse when the file leaves the field unset.
const (
	DefaultName          = "cerebro"
	DefaultNTPServer     = "us.pool.ntp.org"
	DefaultControlSocket = "/tmp/cerebro.sock"
	DefaultMetricsPort   = 9090
	DefaultStartTimeout  = 10 * time.Second
)

// Duration wraps time.Duration so YAML can carry either a duration string
// ("10s", "1m30s") or a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML decodes either form. The node tag decides: yaml.v3 happily
// stringifies a numeric scalar, so decode-by-trial would route bare numbers
// into ParseDuration and reject them.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	switch node.Tag {
	case "!!int", "!!float":
		var seconds float64
		if err := node.Decode(&seconds); err != nil {
			return errors.WrapInvalid(err, "Duration", "UnmarshalYAML", "duration decode")
		}
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	}

	var s string
	if err := node.Decode(&s); err != nil {
		return errors.WrapInvalid(err, "Duration", "UnmarshalYAML", "duration decode")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.WrapInvalid(err, "Duration", "UnmarshalYAML", "duration parse")
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SourceConfig is one source declaration: its kind plus everything else as
// raw parameters. The "bucket" and "tags" keys stay inside Params so every
// kind picks them up through the shared base.
type SourceConfig struct {
	Type   string
	Params map[string]any
}

// UnmarshalYAML splits the declaration into type and parameters.
func (s *SourceConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := map[string]any{}
	if err := node.Decode(&raw); err != nil {
		return errors.WrapInvalid(err, "SourceConfig", "UnmarshalYAML", "source decode")
	}
	s.Type, _ = raw["type"].(string)
	delete(raw, "type")
	s.Params = raw
	return nil
}

// ObserverConfig is one observer declaration, same shape as SourceConfig.
type ObserverConfig struct {
	Type   string
	Params map[string]any
}

// UnmarshalYAML splits the declaration into type and parameters.
func (o *ObserverConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := map[string]any{}
	if err := node.Decode(&raw); err != nil {
		return errors.WrapInvalid(err, "ObserverConfig", "UnmarshalYAML", "observer decode")
	}
	o.Type, _ = raw["type"].(string)
	delete(raw, "type")
	o.Params = raw
	return nil
}

// Profile selects a named subset of the global sources and observers.
type Profile struct {
	Sources   []string `yaml:"sources"`
	Observers []string `yaml:"observers"`
}

// Config is the complete hub configuration.
type Config struct {
	Name          string                    `yaml:"name"`
	Tags          map[string]string         `yaml:"tags"`
	NTPServer     string                    `yaml:"ntp_server"`
	StartTimeout  Duration                  `yaml:"start_timeout"`
	ControlSocket string                    `yaml:"control_socket"`
	MetricsPort   int                       `yaml:"metrics_port"`
	QueueSize     int                       `yaml:"queue_size"`
	Profiles      map[string]Profile        `yaml:"profiles"`
	Sources       map[string]SourceConfig   `yaml:"sources"`
	Observers     map[string]ObserverConfig `yaml:"observers"`
}

// Load reads, expands, parses and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "Config", "Load", "config file read")
	}
	return Parse(data)
}

// Parse decodes configuration bytes, applying ${VAR} expansion and the
// package defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Parse", "YAML decode")
	}

	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.NTPServer == "" {
		cfg.NTPServer = DefaultNTPServer
	}
	if cfg.ControlSocket == "" {
		cfg.ControlSocket = DefaultControlSocket
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = DefaultMetricsPort
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = Duration(DefaultStartTimeout)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks declaration shape: every source and observer names a
// type, and every profile entry resolves to a declaration.
func (c *Config) Validate() error {
	for name, src := range c.Sources {
		if src.Type == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig,
				"Config", "Validate", fmt.Sprintf("source %q type", name))
		}
	}
	for name, obs := range c.Observers {
		if obs.Type == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig,
				"Config", "Validate", fmt.Sprintf("observer %q type", name))
		}
	}
	for profileName, profile := range c.Profiles {
		for _, name := range profile.Sources {
			if _, ok := c.Sources[name]; !ok {
				return errors.WrapInvalid(
					fmt.Errorf("profile %q references unknown source %q", profileName, name),
					"Config", "Validate", "profile source lookup")
			}
		}
		for _, name := range profile.Observers {
			if _, ok := c.Observers[name]; !ok {
				return errors.WrapInvalid(
					fmt.Errorf("profile %q references unknown observer %q", profileName, name),
					"Config", "Validate", "profile observer lookup")
			}
		}
	}
	return nil
}

// Resolve returns the source and observer declarations selected by the
// named profile. An empty profile name selects everything.
func (c *Config) Resolve(profile string) (map[string]SourceConfig, map[string]ObserverConfig, error) {
	if profile == "" {
		return c.Sources, c.Observers, nil
	}

	p, ok := c.Profiles[profile]
	if !ok {
		return nil, nil, errors.WrapInvalid(
			fmt.Errorf("profile %q not defined", profile),
			"Config", "Resolve", "profile lookup")
	}

	sources := make(map[string]SourceConfig, len(p.Sources))
	for _, name := range p.Sources {
		sources[name] = c.Sources[name]
	}
	observers := make(map[string]ObserverConfig, len(p.Observers))
	for _, name := range p.Observers {
		observers[name] = c.Observers[name]
	}
	return sources, observers, nil
}
