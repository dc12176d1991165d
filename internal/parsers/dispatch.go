package parsers

import (
	"context"
	"fmt"

	"statement-ingest-service/internal/filestore"
	"statement-ingest-service/internal/models"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

// FormatParser parses the bytes of one file format
type FormatParser interface {
	Parse(ctx context.Context, ref string, content []byte) ([]models.RawCandidate, error)
}

// Dispatcher reads statement files from a FileStore and routes them to the
// parser registered for their file type
type Dispatcher struct {
	files   filestore.FileStore
	parsers map[models.FileType]FormatParser
	logger  logger.Logger
}

// NewDispatcher registers the CSV and XLSX parsers
func NewDispatcher(files filestore.FileStore, config *Config, log logger.Logger) (*Dispatcher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "parsers", config.Delimiter, err)
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Dispatcher{
		files: files,
		parsers: map[models.FileType]FormatParser{
			models.FileTypeCSV:  NewCSVParser(config, log),
			models.FileTypeXLSX: NewXLSXParser(config, log),
		},
		logger: log.WithComponent("parser_dispatch"),
	}, nil
}

// Register adds or replaces the parser for a file type
func (d *Dispatcher) Register(fileType models.FileType, parser FormatParser) {
	d.parsers[fileType] = parser
}

// Parse loads ref from the file store and parses it as fileType
func (d *Dispatcher) Parse(ctx context.Context, ref string, fileType models.FileType) ([]models.RawCandidate, error) {
	content, err := d.files.Read(ctx, ref)
	if err != nil {
		return nil, err
	}
	return d.ParseBytes(ctx, ref, fileType, content)
}

// ParseBytes parses content that is already in memory
func (d *Dispatcher) ParseBytes(ctx context.Context, ref string, fileType models.FileType, content []byte) ([]models.RawCandidate, error) {
	parser, ok := d.parsers[fileType]
	if !ok {
		return nil, errors.ParseError(errors.CodeInvalidFormat, ref, fmt.Errorf("no parser for file type %q", fileType)).
			WithContext("file_type", string(fileType))
	}

	candidates, err := parser.Parse(ctx, ref, content)
	if err != nil {
		d.logger.WithError(err).WithField("file_ref", ref).Warn("Statement parse failed")
		return nil, err
	}
	return candidates, nil
}
