// Package config loads the statements CLI configuration from defaults, an
// optional config file, STATEMENTS_* environment variables and flags.
package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"statement-ingest-service/internal/audit"
	"statement-ingest-service/internal/filestore"
	"statement-ingest-service/internal/matcher"
	"statement-ingest-service/internal/normalizer"
	"statement-ingest-service/internal/parsers"
	"statement-ingest-service/internal/reporter"
	"statement-ingest-service/internal/service"
	"statement-ingest-service/internal/store/sqlstore"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

// EnvPrefix is prepended to every environment variable, e.g. STATEMENTS_DATABASE_DSN
const EnvPrefix = "STATEMENTS"

// Config is the complete CLI configuration
type Config struct {
	Logging    *logger.Config            `mapstructure:"logging"`
	Database   *sqlstore.Config          `mapstructure:"database"`
	Storage    *filestore.Config         `mapstructure:"storage"`
	Audit      *audit.Config             `mapstructure:"audit"`
	Matching   *matcher.MatchingConfig   `mapstructure:"matching"`
	Normalizer *normalizer.Config        `mapstructure:"normalizer"`
	Processing *service.ProcessingConfig `mapstructure:"processing"`
	Parsers    *parsers.Config           `mapstructure:"parsers"`
}

// envKeys are the settings that can be overridden from the environment
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"logging.file",
	"database.driver",
	"database.dsn",
	"database.max_open_conns",
	"database.slow_threshold",
	"database.log_queries",
	"storage.backend",
	"storage.root",
	"storage.bucket",
	"storage.prefix",
	"storage.credentials_file",
	"storage.endpoint",
	"audit.sink",
	"audit.redis_addr",
	"audit.stream",
	"audit.max_len",
	"audit.timeout",
	"matching.date_window_days",
	"matching.amount_tolerance",
	"matching.enable_semantic",
	"matching.default_threshold",
	"matching.max_workers",
	"normalizer.date_layouts",
	"normalizer.minor_unit_exponent",
	"normalizer.skip_invalid_rows",
	"normalizer.max_row_errors",
	"processing.timeout",
	"processing.async",
	"processing.auto_process",
	"processing.max_file_size",
	"processing.stale_after",
	"processing.sweep_interval",
	"parsers.delimiter",
	"parsers.sheet",
}

// Default returns the built-in configuration. The CLI runs parses inline
// since the process exits after each command.
func Default() *Config {
	processing := service.DefaultProcessingConfig()
	processing.Async = false

	return &Config{
		Logging:    logger.DefaultConfig(),
		Database:   sqlstore.DefaultConfig(),
		Storage:    filestore.DefaultConfig(),
		Audit:      audit.DefaultConfig(),
		Matching:   matcher.DefaultMatchingConfig(),
		Normalizer: normalizer.DefaultConfig(),
		Processing: processing,
		Parsers:    parsers.DefaultConfig(),
	}
}

// Load reads cfgFile (optional) and the environment into a copy of the
// defaults and validates the result
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "config_file", cfgFile, err).
				WithSuggestion("Check the file path and its YAML, JSON or TOML syntax")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, key, nil, err)
		}
	}

	config := Default()
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(config, hook); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "config", cfgFile, err).
			WithSuggestion("Check value types, durations use Go syntax such as 90s or 2m")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks every section
func (c *Config) Validate() error {
	checks := []struct {
		section string
		check   func() error
	}{
		{"logging", c.Logging.Validate},
		{"database", c.Database.Validate},
		{"storage", c.Storage.Validate},
		{"audit", c.Audit.Validate},
		{"matching", c.Matching.Validate},
		{"normalizer", c.Normalizer.Validate},
		{"processing", c.Processing.Validate},
		{"parsers", c.Parsers.Validate},
	}

	for _, section := range checks {
		if err := section.check(); err != nil {
			if _, ok := errors.AsServiceError(err); ok {
				return err
			}
			return errors.ConfigurationError(errors.CodeInvalidConfig, section.section, nil, err).
				WithSuggestion(fmt.Sprintf("Review the %s section of the configuration", section.section))
		}
	}
	return nil
}

// ServiceConfig returns the part of the configuration the service consumes
func (c *Config) ServiceConfig() *service.Config {
	return &service.Config{
		Processing: c.Processing,
		Matching:   c.Matching,
		Normalizer: c.Normalizer,
		Parsers:    c.Parsers,
	}
}

// CreateReportConfig creates a report configuration for the specified output format
func CreateReportConfig(format string, exponent int32) (*reporter.ReportConfig, error) {
	config := reporter.DefaultReportConfig()
	config.Format = reporter.OutputFormat(strings.ToLower(strings.TrimSpace(format)))
	config.AmountExponent = exponent

	switch config.Format {
	case reporter.FormatConsole:
		config.IncludeTransactions = true
	case reporter.FormatJSON:
		config.MaxListItems = 0
	case reporter.FormatCSV:
		config.MaxListItems = 0
		config.CSVHeaders = true
		config.CSVDelimiter = ','
	}

	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "output-format", format, err).
			WithSuggestion("Valid formats: console, json, csv")
	}
	return config, nil
}
