// Package filestore keeps the raw bytes of uploaded statements.
// Records reference files by an opaque ref produced by NewRef.
package filestore

import (
	"context"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendGCS    = "gcs"
)

// FileStore saves, reads and deletes statement files by ref
type FileStore interface {
	Save(ctx context.Context, ref string, content []byte) error
	Read(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
	Close() error
}

// Config selects the storage backend
type Config struct {
	Backend string `mapstructure:"backend" json:"backend"`
	Root    string `mapstructure:"root" json:"root"`
	Bucket  string `mapstructure:"bucket" json:"bucket"`
	Prefix  string `mapstructure:"prefix" json:"prefix"`

	// CredentialsFile is a service account key; empty uses default credentials
	CredentialsFile string `mapstructure:"credentials_file" json:"credentials_file,omitempty"`

	// Endpoint points the GCS client at an emulator without authentication
	Endpoint string `mapstructure:"endpoint" json:"endpoint,omitempty"`
}

// DefaultConfig stores files under ./data
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendLocal,
		Root:    "data",
		Prefix:  "statements",
	}
}

// Validate checks the storage configuration
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendLocal:
		if strings.TrimSpace(c.Root) == "" {
			return errors.ConfigurationError(errors.CodeMissingConfig, "storage.root", c.Root, nil)
		}
	case BackendMemory:
	case BackendGCS:
		if strings.TrimSpace(c.Bucket) == "" {
			return errors.ConfigurationError(errors.CodeMissingConfig, "storage.bucket", c.Bucket, nil)
		}
	default:
		return errors.ConfigurationError(errors.CodeInvalidConfig, "storage.backend", c.Backend, nil).
			WithSuggestion("use 'local', 'memory' or 'gcs'")
	}
	return nil
}

// New builds the configured backend
func New(ctx context.Context, config *Config, log logger.Logger) (FileStore, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	switch config.Backend {
	case BackendMemory:
		return NewMemory(log), nil
	case BackendGCS:
		return NewGCS(ctx, config.Bucket, config.Prefix, log, gcsClientOptions(config)...)
	default:
		return NewLocal(config.Root, log)
	}
}

// NewRef builds the ref for a statement: <scope>/<hash><ext>. The scope key
// is query-escaped so distinct scopes never share a folder.
func NewRef(scopeKey, contentHash, fileName string) string {
	scope := url.QueryEscape(scopeKey)
	ext := strings.ToLower(filepath.Ext(fileName))
	return path.Join(scope, contentHash+ext)
}

// validateRef rejects refs that could escape the store root
func validateRef(ref string) error {
	clean := path.Clean(ref)
	if ref == "" || clean != ref || path.IsAbs(ref) || clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.ValidationError(errors.CodeInvalidInput, "file_ref", ref, nil)
	}
	return nil
}

func fileNotFound(ref string) error {
	return errors.NotFoundError("file", ref)
}

func fileStoreError(op, ref string, err error) error {
	return errors.StorageError(errors.CodeFileStore, op, err).WithContext("file_ref", ref)
}
