package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const directivePrefix = "netwatch:"

// NetwatchParser implements the Parser interface.
type NetwatchParser struct{}

// DefaultGlobalOptions returns baseline settings used before config overrides.
func DefaultGlobalOptions() GlobalOptions {
	return GlobalOptions{
		Interval:      10 * time.Second,
		Timeout:       5 * time.Second,
		SampleURL:     "https://proof.ovh.net/files/1Mb.dat",
		SampleSize:    1000000,
		SampleTimeout: 15 * time.Second,
		ReportsDir:    "reports",
		ExportDir:     ".",
		LogMaxMB:      10,
		LogMaxFiles:   3,
		LogLevel:      "info",
		StateFile:     "netwatch_state.toml",
		OSPoll:        2 * time.Second,
	}
}

// DefaultTargets returns the built-in probe targets, primary first.
func DefaultTargets() []TargetConfig {
	return []TargetConfig{
		{Name: "google", URI: "https://www.google.com/generate_204", Options: map[string]string{}},
		{Name: "cloudflare", URI: "https://www.cloudflare.com/cdn-cgi/trace", Options: map[string]string{}},
		{Name: "cloudflare-dns", URI: "https://1.1.1.1/favicon.ico", Options: map[string]string{}},
	}
}

// LoadConfig parses a netwatch.conf or YAML file with CLI overrides applied.
// An empty path yields the defaults.
func (p NetwatchParser) LoadConfig(path string, overrides CLIOverrides) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	switch {
	case path == "":
		cfg = &Config{Global: DefaultGlobalOptions()}
	case isYAMLPath(path):
		cfg, err = loadYAML(path)
	default:
		cfg, err = p.loadConf(path)
	}
	if err != nil {
		return nil, err
	}

	applyCLIOverrides(cfg, overrides)
	if len(cfg.Targets) == 0 {
		cfg.Targets = DefaultTargets()
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (p NetwatchParser) loadConf(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &Config{Global: DefaultGlobalOptions()}
	scanner := bufio.NewScanner(file)
	groupIndex := 0
	currentGroup := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if strings.HasPrefix(line, "# "+directivePrefix) {
				pairs, err := p.ParseDirective(line)
				if err != nil {
					return nil, err
				}
				if err := applyDirective(&cfg.Global, pairs); err != nil {
					return nil, err
				}
			}
			continue
		}
		if strings.HasPrefix(line, directivePrefix) {
			pairs, err := p.ParseDirective(line)
			if err != nil {
				return nil, err
			}
			if err := applyDirective(&cfg.Global, pairs); err != nil {
				return nil, err
			}
			continue
		}
		if strings.HasPrefix(line, "---") {
			groupIndex++
			groupName := strings.TrimSpace(strings.TrimPrefix(line, "---"))
			if groupName == "" {
				groupName = fmt.Sprintf("group-%d", groupIndex)
			}
			currentGroup = groupName
			continue
		}

		target, err := p.ParseTargetLine(line, currentGroup)
		if err != nil {
			return nil, err
		}
		cfg.Targets = append(cfg.Targets, target)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseDirective extracts key=value pairs from a directive line.
func (p NetwatchParser) ParseDirective(line string) (map[string]string, error) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "#") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
	}
	if !strings.HasPrefix(trimmed, directivePrefix) {
		return nil, fmt.Errorf("directive line must start with '# netwatch:' or 'netwatch:': %q", line)
	}

	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, directivePrefix))
	if payload == "" {
		return map[string]string{}, nil
	}

	pairs := make(map[string]string)
	for _, token := range strings.Fields(payload) {
		kv := strings.SplitN(token, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid directive token: %q", token)
		}
		pairs[kv[0]] = kv[1]
	}
	return pairs, nil
}

// ParseTargetLine parses a single target definition. A line holding only a
// URI is accepted and named after the URI host.
func (p NetwatchParser) ParseTargetLine(line string, group string) (TargetConfig, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return TargetConfig{}, fmt.Errorf("invalid target line: %q", line)
	}

	target := TargetConfig{Group: group, Options: map[string]string{}}
	rest := fields[1:]
	if len(fields) == 1 || strings.Contains(fields[0], "://") {
		target.URI = fields[0]
		target.Name = HostOf(fields[0])
	} else {
		target.Name = fields[0]
		target.URI = fields[1]
		rest = fields[2:]
	}

	for _, field := range rest {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return TargetConfig{}, fmt.Errorf("invalid target option: %q", field)
		}
		target.Options[kv[0]] = kv[1]
	}
	return target, nil
}

// HostOf returns the host part of a target URI, or the URI itself when it
// cannot be parsed.
func HostOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return uri
	}
	return u.Host
}

func applyDirective(global *GlobalOptions, pairs map[string]string) error {
	for key, val := range pairs {
		switch key {
		case "interval":
			d, err := parseSeconds(val)
			if err != nil {
				return fmt.Errorf("invalid interval: %w", err)
			}
			global.Interval = d
		case "timeout":
			d, err := parseSeconds(val)
			if err != nil {
				return fmt.Errorf("invalid timeout: %w", err)
			}
			global.Timeout = d
		case "recipient":
			global.Recipient = val
		case "sample.url":
			global.SampleURL = val
		case "sample.size":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid sample.size: %w", err)
			}
			global.SampleSize = n
		case "sample.timeout":
			d, err := parseSeconds(val)
			if err != nil {
				return fmt.Errorf("invalid sample.timeout: %w", err)
			}
			global.SampleTimeout = d
		case "reports.dir":
			global.ReportsDir = val
		case "export.dir":
			global.ExportDir = val
		case "log.dir":
			global.LogDir = val
		case "log.max_mb":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid log.max_mb: %w", err)
			}
			global.LogMaxMB = n
		case "log.max_files":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid log.max_files: %w", err)
			}
			global.LogMaxFiles = n
		case "log.level":
			global.LogLevel = val
		case "state.file":
			global.StateFile = val
		case "api.listen":
			if isDigits(val) {
				global.APIListen = ":" + val
			} else {
				global.APIListen = val
			}
		case "api.token_hash":
			global.APITokenHash = val
		case "ui.disable":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("invalid ui.disable: %w", err)
			}
			global.UIDisable = b
		case "os.poll":
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("invalid os.poll: %w", err)
			}
			global.OSPoll = d
		case "resume":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("invalid resume: %w", err)
			}
			global.Resume = b
		default:
			// Ignore unknown keys for forward compatibility.
		}
	}
	return nil
}

func applyCLIOverrides(cfg *Config, overrides CLIOverrides) {
	global := &cfg.Global
	if overrides.Interval != nil {
		global.Interval = *overrides.Interval
	}
	if overrides.Timeout != nil {
		global.Timeout = *overrides.Timeout
	}
	if overrides.Recipient != nil {
		global.Recipient = *overrides.Recipient
	}
	if overrides.APIListen != nil {
		val := *overrides.APIListen
		if isDigits(val) {
			val = ":" + val
		}
		global.APIListen = val
	}
	if overrides.UIDisable != nil {
		global.UIDisable = *overrides.UIDisable
	}
	if overrides.Resume != nil {
		global.Resume = *overrides.Resume
	}
	if len(overrides.Targets) > 0 {
		targets := make([]TargetConfig, 0, len(overrides.Targets))
		for _, uri := range overrides.Targets {
			targets = append(targets, TargetConfig{Name: HostOf(uri), URI: uri, Options: map[string]string{}})
		}
		cfg.Targets = targets
	}
}

// Validate checks a parsed config and returns a *ConfigurationError that
// lists every problem found.
func Validate(cfg *Config) error {
	var (
		problems []string
		cause    error
	)
	if err := ValidateInterval(cfg.Global.Interval); err != nil {
		problems = append(problems, err.Error())
		cause = ErrInvalidInterval
	}
	if cfg.Global.Timeout <= 0 {
		problems = append(problems, "timeout must be > 0")
	}
	if cfg.Global.SampleTimeout <= 0 {
		problems = append(problems, "sample.timeout must be > 0")
	}
	if strings.TrimSpace(cfg.Global.SampleURL) == "" {
		problems = append(problems, "sample.url is required")
	}
	if cfg.Global.LogDir != "" {
		if cfg.Global.LogMaxMB <= 0 {
			problems = append(problems, "log.max_mb must be > 0")
		}
		if cfg.Global.LogMaxFiles <= 0 {
			problems = append(problems, "log.max_files must be > 0")
		}
	}
	if cfg.Global.OSPoll <= 0 {
		problems = append(problems, "os.poll must be > 0")
	}
	if len(cfg.Targets) == 0 {
		problems = append(problems, "targets must not be empty")
	}
	for i, t := range cfg.Targets {
		if strings.TrimSpace(t.URI) == "" {
			problems = append(problems, fmt.Sprintf("targets[%d].uri is required", i))
			continue
		}
		u, err := url.Parse(t.URI)
		if err != nil || u.Scheme == "" {
			problems = append(problems, fmt.Sprintf("targets[%d].uri %q must be an absolute URI", i, t.URI))
		}
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems, Err: cause}
	}
	return nil
}

// ValidateInterval reports ErrInvalidInterval for non-positive or
// fractional-second intervals.
func ValidateInterval(interval time.Duration) error {
	if interval <= 0 || interval%time.Second != 0 {
		return fmt.Errorf("%w (got %s)", ErrInvalidInterval, interval)
	}
	return nil
}

// parseSeconds accepts either a bare number of seconds or a Go duration.
func parseSeconds(val string) (time.Duration, error) {
	if isDigits(val) || strings.HasPrefix(val, "-") && isDigits(val[1:]) {
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(val)
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
