package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	// Stage selects what to do: analyze, synth, link, pack, build or run.
	Stage string

	DesignPath  string // design .hcl files
	ModulesPath string // module .hcl files + handlers

	Top           string
	Platform      string
	WorkDir       string
	Output        string
	SkipUnchanged bool

	Artifact string
	Isolate  bool
	Elems    int

	LogFormat string
	LogLevel  string
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.Stage == "" {
		return nil, errors.New("Stage is a required configuration field and cannot be empty")
	}
	if cfg.WorkDir == "" {
		return nil, errors.New("WorkDir is a required configuration field and cannot be empty")
	}

	return &cfg, nil
}

// DesignPaths collects the configured design roots, in load order.
func (c *Config) DesignPaths() []string {
	var paths []string
	if c.ModulesPath != "" {
		paths = append(paths, c.ModulesPath)
	}
	if c.DesignPath != "" {
		paths = append(paths, c.DesignPath)
	}
	return paths
}
