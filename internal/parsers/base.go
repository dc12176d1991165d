// Package parsers turns uploaded statement files into raw transaction
// candidates.
//
// Parsers are deliberately generic: a header row is mapped onto the standard
// fields (date, amount or debit/credit, counterparty, purpose, document) via
// configurable aliases, and every data row becomes a models.RawCandidate with
// its source row number. Values are passed through as text; canonicalization
// is the normalizer's job.
//
// Supported formats:
//   - CSV with a header row (delimiter configured or detected)
//   - XLSX workbooks via excelize (first sheet unless configured)
//
// Example usage:
//
//	dispatcher, err := NewDispatcher(files, DefaultConfig(), log)
//	candidates, err := dispatcher.Parse(ctx, stmt.FileRef, stmt.FileType)
package parsers

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

// encodingCheckBytes bounds how much of a file is checked for valid UTF-8
const encodingCheckBytes = 64 * 1024

// BaseParser provides the header mapping and row conversion shared by formats
type BaseParser struct {
	config *Config
	logger logger.Logger
}

// NewBaseParser creates a new BaseParser with the given configuration
func NewBaseParser(config *Config, log logger.Logger) *BaseParser {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &BaseParser{
		config: config,
		logger: log.WithComponent("parser"),
	}
}

// ColumnMap maps standard field names to column indices
type ColumnMap map[string]int

// Has reports whether field was mapped
func (cm ColumnMap) Has(field string) bool {
	_, ok := cm[field]
	return ok
}

// value returns the trimmed cell for field, or "" when unmapped or absent
func (cm ColumnMap) value(record []string, field string) string {
	index, ok := cm[field]
	if !ok || index >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[index])
}

// MapHeaders maps a header row onto the standard fields. A date column, a
// counterparty column and either an amount or a debit/credit column are required.
func (bp *BaseParser) MapHeaders(ref string, headers []string) (ColumnMap, error) {
	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = normalizeHeader(h)
	}

	columns := make(ColumnMap)
	claimed := make(map[int]bool)
	for _, field := range standardFields {
		for _, alias := range bp.config.Aliases(field) {
			want := normalizeHeader(alias)
			index := -1
			for i, h := range normalized {
				if !claimed[i] && h == want {
					index = i
					break
				}
			}
			if index >= 0 {
				columns[field] = index
				claimed[index] = true
				break
			}
		}
	}

	var missing []string
	if !columns.Has(FieldDate) {
		missing = append(missing, FieldDate)
	}
	if !columns.Has(FieldCounterparty) {
		missing = append(missing, FieldCounterparty)
	}
	if !columns.Has(FieldAmount) && !columns.Has(FieldDebit) && !columns.Has(FieldCredit) {
		missing = append(missing, "amount or debit/credit")
	}
	if len(missing) > 0 {
		bp.logger.WithFields(logger.Fields{
			"file_ref":          ref,
			"missing_fields":    missing,
			"available_headers": headers,
		}).Debug("Required columns are missing")

		return nil, errors.ParseError(errors.CodeMissingColumn, ref,
			fmt.Errorf("no column for %s", strings.Join(missing, ", "))).
			WithContext("headers", headers).
			WithSuggestion(fmt.Sprintf("add a header for %s or configure column aliases", strings.Join(missing, ", ")))
	}

	bp.logger.WithFields(logger.Fields{
		"file_ref": ref,
		"columns":  columns,
	}).Debug("Mapped statement headers")
	return columns, nil
}

// ToCandidate converts one data row. ok is false for empty rows that are skipped.
func (bp *BaseParser) ToCandidate(ref string, rowNumber int, record []string, columns ColumnMap) (models.RawCandidate, bool, error) {
	if bp.config.SkipEmptyRows && isEmptyRecord(record) {
		return models.RawCandidate{}, false, nil
	}

	if bp.config.MaxFieldSize > 0 {
		for i, field := range record {
			if len(field) > bp.config.MaxFieldSize {
				return models.RawCandidate{}, false, errors.ParseError(errors.CodeInvalidFormat, ref,
					fmt.Errorf("field %d exceeds %d bytes", i, bp.config.MaxFieldSize)).
					WithContext("row", rowNumber)
			}
		}
	}

	return models.RawCandidate{
		RowNumber:        rowNumber,
		DateText:         columns.value(record, FieldDate),
		AmountText:       columns.value(record, FieldAmount),
		DebitText:        columns.value(record, FieldDebit),
		CreditText:       columns.value(record, FieldCredit),
		CounterpartyText: columns.value(record, FieldCounterparty),
		PurposeText:      columns.value(record, FieldPurpose),
		DocumentNumber:   columns.value(record, FieldDocument),
	}, true, nil
}

// validateEncoding checks that the start of content is valid UTF-8
func (bp *BaseParser) validateEncoding(ref string, content []byte) error {
	if !bp.config.ValidateEncoding {
		return nil
	}
	sample := content
	if len(sample) > encodingCheckBytes {
		sample = sample[:encodingCheckBytes]
		// do not fail on a rune cut by the sample boundary
		for i := 0; i < utf8.UTFMax-1 && len(sample) > 0; i++ {
			if r, size := utf8.DecodeLastRune(sample); r != utf8.RuneError || size != 1 {
				break
			}
			sample = sample[:len(sample)-1]
		}
	}
	if !utf8.Valid(sample) {
		return errors.ParseError(errors.CodeInvalidFormat, ref, fmt.Errorf("invalid UTF-8 encoding detected")).
			WithSuggestion("save the file in UTF-8 encoding and try again")
	}
	return nil
}

func checkCancelled(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return errors.TimeoutError("parse", ref).WithContext("cause", err.Error())
	}
	return nil
}

// isEmptyRecord checks if all fields in a record are empty or whitespace
func isEmptyRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
