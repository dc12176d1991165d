package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"statement-ingest-service/internal/reporter"
	"statement-ingest-service/pkg/errors"
)

func TestDefaultIsValid(t *testing.T) {
	config := Default()
	if err := config.Validate(); err != nil {
		t.Fatalf("default configuration should be valid: %v", err)
	}
	if config.Processing.Async {
		t.Error("expected the CLI to run parses inline")
	}
	if config.Database.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %q", config.Database.Driver)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statements.yaml")
	content := `
database:
  driver: sqlite
  dsn: "file::memory:"
storage:
  backend: memory
audit:
  sink: none
matching:
  date_window_days: 5
  default_threshold: 0.9
processing:
  timeout: 30s
  stale_after: 5m
normalizer:
  skip_invalid_rows: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	config, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if config.Database.DSN != "file::memory:" {
		t.Errorf("DSN = %q, want file::memory:", config.Database.DSN)
	}
	if config.Storage.Backend != "memory" {
		t.Errorf("storage backend = %q, want memory", config.Storage.Backend)
	}
	if config.Audit.Sink != "none" {
		t.Errorf("audit sink = %q, want none", config.Audit.Sink)
	}
	if config.Matching.DateWindowDays != 5 {
		t.Errorf("DateWindowDays = %d, want 5", config.Matching.DateWindowDays)
	}
	if config.Matching.DefaultThreshold != 0.9 {
		t.Errorf("DefaultThreshold = %v, want 0.9", config.Matching.DefaultThreshold)
	}
	if config.Processing.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", config.Processing.Timeout)
	}
	if !config.Normalizer.SkipInvalidRows {
		t.Error("expected SkipInvalidRows from file")
	}

	// untouched keys keep their defaults
	if config.Matching.AmountTolerance != Default().Matching.AmountTolerance {
		t.Errorf("AmountTolerance = %v, want default", config.Matching.AmountTolerance)
	}
	if len(config.Normalizer.DateLayouts) == 0 {
		t.Error("expected default date layouts to survive")
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("STATEMENTS_DATABASE_DSN", "/tmp/env.db")
	t.Setenv("STATEMENTS_PROCESSING_TIMEOUT", "45s")
	t.Setenv("STATEMENTS_MATCHING_ENABLE_SEMANTIC", "false")
	t.Setenv("STATEMENTS_LOGGING_LEVEL", "debug")

	config, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if config.Database.DSN != "/tmp/env.db" {
		t.Errorf("DSN = %q, want /tmp/env.db", config.Database.DSN)
	}
	if config.Processing.Timeout != 45*time.Second {
		t.Errorf("Timeout = %v, want 45s", config.Processing.Timeout)
	}
	if config.Matching.EnableSemantic {
		t.Error("expected semantic matching disabled from environment")
	}
	if config.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", config.Logging.Level)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
		return path
	}

	tests := []struct {
		name string
		file string
	}{
		{"missing file", filepath.Join(dir, "missing.yaml")},
		{"bad driver", write("driver.yaml", "database:\n  driver: oracle\n")},
		{"bad threshold", write("threshold.yaml", "matching:\n  default_threshold: 1.5\n")},
		{"stale before timeout", write("stale.yaml", "processing:\n  timeout: 10m\n  stale_after: 1m\n")},
		{"redis without address", write("redis.yaml", "audit:\n  sink: redis\n")},
		{"bad log level", write("log.yaml", "logging:\n  level: loud\n")},
		{"bad delimiter", write("delim.yaml", "parsers:\n  delimiter: \"ab\"\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(viper.New(), tt.file)
			if err == nil {
				t.Fatal("expected error but got none")
			}
			if !errors.IsCategory(err, errors.CategoryConfiguration) && !errors.IsCategory(err, errors.CategoryValidation) {
				t.Errorf("expected a configuration error, got %v", err)
			}
		})
	}
}

func TestServiceConfig(t *testing.T) {
	config := Default()
	svc := config.ServiceConfig()
	if svc.Processing != config.Processing || svc.Matching != config.Matching {
		t.Error("service config should share the loaded sections")
	}
}

func TestCreateReportConfig(t *testing.T) {
	tests := []struct {
		format      string
		expected    reporter.OutputFormat
		expectError bool
	}{
		{"console", reporter.FormatConsole, false},
		{"JSON", reporter.FormatJSON, false},
		{" csv ", reporter.FormatCSV, false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			config, err := CreateReportConfig(tt.format, 2)
			if tt.expectError {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if config.Format != tt.expected {
				t.Errorf("format = %q, want %q", config.Format, tt.expected)
			}
			if config.AmountExponent != 2 {
				t.Errorf("AmountExponent = %d, want 2", config.AmountExponent)
			}
		})
	}
}
