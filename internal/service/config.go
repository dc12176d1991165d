package service

import (
	"time"

	"statement-ingest-service/internal/matcher"
	"statement-ingest-service/internal/normalizer"
	"statement-ingest-service/internal/parsers"
	"statement-ingest-service/pkg/errors"
)

// ProcessingConfig controls how parsing runs are scheduled and bounded
type ProcessingConfig struct {
	// Timeout bounds a single parsing run
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`

	// Async runs parsing in the background; otherwise submit and reprocess
	// return after the run finished
	Async bool `mapstructure:"async" json:"async"`

	// AutoProcess starts parsing right after a successful submit
	AutoProcess bool `mapstructure:"auto_process" json:"auto_process"`

	// MaxFileSize rejects larger uploads; zero disables the check
	MaxFileSize int64 `mapstructure:"max_file_size" json:"max_file_size"`

	// StaleAfter is how long a statement may stay processing before the
	// sweeper fails it
	StaleAfter time.Duration `mapstructure:"stale_after" json:"stale_after"`

	// SweepInterval is the period of the background sweeper
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
}

// DefaultProcessingConfig returns the processing defaults
func DefaultProcessingConfig() *ProcessingConfig {
	return &ProcessingConfig{
		Timeout:       2 * time.Minute,
		Async:         true,
		AutoProcess:   true,
		MaxFileSize:   50 << 20,
		StaleAfter:    10 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Validate checks the processing configuration
func (c *ProcessingConfig) Validate() error {
	if c.Timeout <= 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "processing.timeout", c.Timeout, nil)
	}
	if c.StaleAfter < c.Timeout {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "processing.stale_after", c.StaleAfter, nil).
			WithSuggestion("stale_after must not be shorter than the processing timeout")
	}
	if c.SweepInterval <= 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "processing.sweep_interval", c.SweepInterval, nil)
	}
	if c.MaxFileSize < 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "processing.max_file_size", c.MaxFileSize, nil)
	}
	return nil
}

// Config gathers the configuration of every component the service builds
type Config struct {
	Processing *ProcessingConfig
	Matching   *matcher.MatchingConfig
	Normalizer *normalizer.Config
	Parsers    *parsers.Config
}

// DefaultConfig returns defaults for every component
func DefaultConfig() *Config {
	return &Config{
		Processing: DefaultProcessingConfig(),
		Matching:   matcher.DefaultMatchingConfig(),
		Normalizer: normalizer.DefaultConfig(),
		Parsers:    parsers.DefaultConfig(),
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Processing == nil {
		out.Processing = DefaultProcessingConfig()
	}
	if out.Matching == nil {
		out.Matching = matcher.DefaultMatchingConfig()
	}
	if out.Normalizer == nil {
		out.Normalizer = normalizer.DefaultConfig()
	}
	if out.Parsers == nil {
		out.Parsers = parsers.DefaultConfig()
	}
	return &out
}
