package config

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidInterval is reported when the check interval is not a positive
// whole number of seconds.
var ErrInvalidInterval = errors.New("check interval must be a positive whole number of seconds")

// ConfigurationError collects every validation problem found in a config.
type ConfigurationError struct {
	Problems []string
	Err      error
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 0 && e.Err != nil {
		return "configuration error: " + e.Err.Error()
	}
	return "configuration error: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// GlobalOptions holds global settings parsed from config and CLI overrides.
type GlobalOptions struct {
	Interval      time.Duration
	Timeout       time.Duration
	Recipient     string
	SampleURL     string
	SampleSize    int64
	SampleTimeout time.Duration
	ReportsDir    string
	ExportDir     string
	LogDir        string
	LogMaxMB      int
	LogMaxFiles   int
	LogLevel      string
	StateFile     string
	APIListen     string
	APITokenHash  string
	UIDisable     bool
	OSPoll        time.Duration
	Resume        bool
}

// IntervalSeconds returns the check interval as whole seconds.
func (g GlobalOptions) IntervalSeconds() int {
	return int(g.Interval / time.Second)
}

// TargetConfig represents a single probe target definition.
type TargetConfig struct {
	Name    string
	URI     string
	Group   string
	Options map[string]string
}

// Config is the parsed configuration file with global settings.
// Target order is failover priority.
type Config struct {
	Targets []TargetConfig
	Global  GlobalOptions
}

// TargetURIs returns the target URIs in priority order.
func (c *Config) TargetURIs() []string {
	out := make([]string, 0, len(c.Targets))
	for _, t := range c.Targets {
		out = append(out, t.URI)
	}
	return out
}

// CLIOverrides holds optional CLI values that override config file values.
type CLIOverrides struct {
	Interval  *time.Duration
	Timeout   *time.Duration
	Recipient *string
	Targets   []string
	APIListen *string
	UIDisable *bool
	Resume    *bool
}

// Parser defines config parsing behavior.
type Parser interface {
	LoadConfig(path string, overrides CLIOverrides) (*Config, error)
	ParseDirective(line string) (map[string]string, error)
	ParseTargetLine(line string, group string) (TargetConfig, error)
}
