package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type yamlTarget struct {
	Name    string            `yaml:"name"`
	URI     string            `yaml:"uri"`
	Group   string            `yaml:"group"`
	Options map[string]string `yaml:"options"`
}

type yamlFile struct {
	Interval  string       `yaml:"interval"`
	Timeout   string       `yaml:"timeout"`
	Recipient string       `yaml:"recipient"`
	Targets   []yamlTarget `yaml:"targets"`
	Sample    struct {
		URL     string `yaml:"url"`
		Size    int64  `yaml:"size"`
		Timeout string `yaml:"timeout"`
	} `yaml:"sample"`
	Reports struct {
		Dir string `yaml:"dir"`
	} `yaml:"reports"`
	Export struct {
		Dir string `yaml:"dir"`
	} `yaml:"export"`
	Log struct {
		Dir      string `yaml:"dir"`
		MaxMB    int    `yaml:"max_mb"`
		MaxFiles int    `yaml:"max_files"`
		Level    string `yaml:"level"`
	} `yaml:"log"`
	State struct {
		File string `yaml:"file"`
	} `yaml:"state"`
	API struct {
		Listen    string `yaml:"listen"`
		TokenHash string `yaml:"token_hash"`
	} `yaml:"api"`
	UI struct {
		Disable bool `yaml:"disable"`
	} `yaml:"ui"`
	OS struct {
		Poll string `yaml:"poll"`
	} `yaml:"os"`
	Resume bool `yaml:"resume"`
}

func loadYAML(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc yamlFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	cfg := &Config{Global: DefaultGlobalOptions()}
	g := &cfg.Global

	durations := []struct {
		key string
		val string
		dst *time.Duration
		sec bool
	}{
		{"interval", doc.Interval, &g.Interval, true},
		{"timeout", doc.Timeout, &g.Timeout, true},
		{"sample.timeout", doc.Sample.Timeout, &g.SampleTimeout, true},
		{"os.poll", doc.OS.Poll, &g.OSPoll, false},
	}
	for _, d := range durations {
		if d.val == "" {
			continue
		}
		var (
			v   time.Duration
			err error
		)
		if d.sec {
			v, err = parseSeconds(d.val)
		} else {
			v, err = time.ParseDuration(d.val)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	setString(&g.Recipient, doc.Recipient)
	setString(&g.SampleURL, doc.Sample.URL)
	setString(&g.ReportsDir, doc.Reports.Dir)
	setString(&g.ExportDir, doc.Export.Dir)
	setString(&g.LogDir, doc.Log.Dir)
	setString(&g.LogLevel, doc.Log.Level)
	setString(&g.StateFile, doc.State.File)
	setString(&g.APIListen, doc.API.Listen)
	setString(&g.APITokenHash, doc.API.TokenHash)
	if doc.Sample.Size > 0 {
		g.SampleSize = doc.Sample.Size
	}
	if doc.Log.MaxMB > 0 {
		g.LogMaxMB = doc.Log.MaxMB
	}
	if doc.Log.MaxFiles > 0 {
		g.LogMaxFiles = doc.Log.MaxFiles
	}
	if isDigits(g.APIListen) {
		g.APIListen = ":" + g.APIListen
	}
	g.UIDisable = doc.UI.Disable
	g.Resume = doc.Resume

	for _, t := range doc.Targets {
		name := t.Name
		if name == "" {
			name = HostOf(t.URI)
		}
		opts := t.Options
		if opts == nil {
			opts = map[string]string{}
		}
		cfg.Targets = append(cfg.Targets, TargetConfig{Name: name, URI: t.URI, Group: t.Group, Options: opts})
	}
	return cfg, nil
}

func setString(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}
