package parsers

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

// headerSearchRows bounds how far down a sheet the header row is searched.
// Bank exports often start with account details above the table.
const headerSearchRows = 20

// XLSXParser reads statements from Excel workbooks
type XLSXParser struct {
	*BaseParser
}

// NewXLSXParser creates an XLSX parser
func NewXLSXParser(config *Config, log logger.Logger) *XLSXParser {
	return &XLSXParser{BaseParser: NewBaseParser(config, log)}
}

// Parse reads the configured sheet (or the first one) of a workbook
func (p *XLSXParser) Parse(ctx context.Context, ref string, content []byte) ([]models.RawCandidate, error) {
	book, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, errors.ParseError(errors.CodeInvalidFormat, ref, err).
			WithSuggestion("ensure the file is a valid .xlsx workbook")
	}
	defer book.Close()

	sheet := p.config.Sheet
	if sheet == "" {
		sheets := book.GetSheetList()
		if len(sheets) == 0 {
			return nil, errors.ParseError(errors.CodeInvalidFormat, ref, fmt.Errorf("workbook has no sheets"))
		}
		sheet = sheets[0]
	}

	// raw values keep dates as serial numbers and amounts unformatted
	rows, err := book.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, errors.ParseError(errors.CodeInvalidFormat, ref, err).WithContext("sheet", sheet)
	}

	headerIndex, columns, err := p.findHeader(ref, rows)
	if err != nil {
		return nil, err
	}

	candidates := make([]models.RawCandidate, 0, len(rows)-headerIndex-1)
	for i := headerIndex + 1; i < len(rows); i++ {
		if err := checkCancelled(ctx, ref); err != nil {
			return nil, err
		}

		candidate, ok, err := p.ToCandidate(ref, i+1, rows[i], columns)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		candidate.DateText = excelDate(candidate.DateText)
		if !candidate.HasSplitAmount() {
			if v, err := strconv.ParseFloat(candidate.AmountText, 64); err == nil {
				candidate.AmountNumber = &v
			}
		}
		candidates = append(candidates, candidate)
	}

	p.logger.WithFields(logger.Fields{
		"file_ref":   ref,
		"sheet":      sheet,
		"header_row": headerIndex + 1,
		"candidates": len(candidates),
	}).Debug("Parsed XLSX statement")
	return candidates, nil
}

// findHeader returns the first row within headerSearchRows that maps onto the
// required fields
func (p *XLSXParser) findHeader(ref string, rows [][]string) (int, ColumnMap, error) {
	if len(rows) == 0 {
		return 0, nil, errors.ParseError(errors.CodeInvalidFormat, ref, fmt.Errorf("sheet is empty"))
	}

	var firstErr error
	for i := 0; i < len(rows) && i < headerSearchRows; i++ {
		if isEmptyRecord(rows[i]) {
			continue
		}
		columns, err := p.MapHeaders(ref, rows[i])
		if err == nil {
			return i, columns, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = errors.ParseError(errors.CodeMissingColumn, ref, fmt.Errorf("no header row found"))
	}
	return 0, nil, firstErr
}

// excelDate renders a date serial number as ISO text and leaves other text alone
func excelDate(text string) string {
	if text == "" || strings.ContainsAny(text, "-/ ") {
		return text
	}
	serial, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return text
	}
	t, err := excelize.ExcelDateToTime(serial, false)
	if err != nil {
		return text
	}
	return t.Format("2006-01-02")
}
