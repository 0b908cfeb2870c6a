package app

import (
	"errors"
	"fmt"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ManifestPath string

	OutputLevel string // "normal", "verbose" or "parseable"
	Parallelism int
	DryRun      bool

	LogFormat string
	LogLevel  string
}

// NewConfig validates cfg and returns it, supplying defaults for unset
// fields.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.ManifestPath == "" {
		return nil, errors.New("ManifestPath is a required configuration field and cannot be empty")
	}

	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}

	switch cfg.OutputLevel {
	case "":
		cfg.OutputLevel = "normal"
	case "normal", "verbose", "parseable":
		// valid
	default:
		return nil, fmt.Errorf("invalid output level %q", cfg.OutputLevel)
	}

	return &cfg, nil
}
