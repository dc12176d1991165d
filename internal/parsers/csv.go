package parsers

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVParser reads header-mapped CSV statements
type CSVParser struct {
	*BaseParser
}

// NewCSVParser creates a CSV parser
func NewCSVParser(config *Config, log logger.Logger) *CSVParser {
	return &CSVParser{BaseParser: NewBaseParser(config, log)}
}

// Parse reads every data row of content. ref only labels errors and logs.
func (p *CSVParser) Parse(ctx context.Context, ref string, content []byte) ([]models.RawCandidate, error) {
	if err := p.validateEncoding(ref, content); err != nil {
		return nil, err
	}
	content = bytes.TrimPrefix(content, utf8BOM)

	firstLine := content
	if i := bytes.IndexByte(content, '\n'); i >= 0 {
		firstLine = content[:i]
	}

	reader := csv.NewReader(bytes.NewReader(content))
	reader.Comma = p.config.delimiterRune(string(firstLine))
	reader.TrimLeadingSpace = p.config.TrimLeadingSpace
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false

	headers, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, errors.ParseError(errors.CodeInvalidFormat, ref, fmt.Errorf("file is empty")).
				WithSuggestion("ensure the file contains a header row and data rows")
		}
		return nil, errors.ParseError(errors.CodeInvalidFormat, ref, err)
	}

	columns, err := p.MapHeaders(ref, headers)
	if err != nil {
		return nil, err
	}

	candidates := make([]models.RawCandidate, 0)
	for {
		if err := checkCancelled(ctx, ref); err != nil {
			return nil, err
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.ParseError(errors.CodeInvalidFormat, ref, err)
		}
		line, _ := reader.FieldPos(0)

		candidate, ok, err := p.ToCandidate(ref, line, record, columns)
		if err != nil {
			return nil, err
		}
		if ok {
			candidates = append(candidates, candidate)
		}
	}

	p.logger.WithFields(logger.Fields{
		"file_ref":   ref,
		"delimiter":  string(reader.Comma),
		"candidates": len(candidates),
	}).Debug("Parsed CSV statement")
	return candidates, nil
}
