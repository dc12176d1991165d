package errors

import (
	"fmt"
	"strings"
)

// RowError ties a typed error to the statement row that produced it.
type RowError struct {
	Row   int           `json:"row"`
	Field string        `json:"field,omitempty"`
	Err   *ServiceError `json:"error"`
}

// Error implements the error interface
func (e *RowError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("row %d, field '%s': %s", e.Row, e.Field, e.Err.Error())
	}
	return fmt.Sprintf("row %d: %s", e.Row, e.Err.Error())
}

// Unwrap returns the typed error
func (e *RowError) Unwrap() error {
	return e.Err
}

// RowErrorCollector collects row-level errors while a statement is normalized.
// A collector that does not skip invalid rows stops at the first error.
type RowErrorCollector struct {
	errors    []*RowError
	maxErrors int
	skipRows  bool
}

// NewRowErrorCollector creates a new error collector. maxErrors <= 0 means no limit.
func NewRowErrorCollector(maxErrors int, skipRows bool) *RowErrorCollector {
	return &RowErrorCollector{
		errors:    make([]*RowError, 0),
		maxErrors: maxErrors,
		skipRows:  skipRows,
	}
}

// Add records an error for row and reports whether processing should continue.
func (c *RowErrorCollector) Add(row int, err error) bool {
	if err == nil {
		return true
	}

	serviceErr := WrapIfNeeded(err, CategoryValidation, CodeInvalidInput, "invalid row")
	field, _ := serviceErr.Context["field"].(string)
	c.errors = append(c.errors, &RowError{Row: row, Field: field, Err: serviceErr})

	if c.maxErrors > 0 && len(c.errors) >= c.maxErrors {
		return false
	}
	return c.skipRows
}

// HasErrors returns true if any errors have been collected
func (c *RowErrorCollector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all collected errors
func (c *RowErrorCollector) Errors() []*RowError {
	return c.errors
}

// First returns the first collected error, or nil
func (c *RowErrorCollector) First() *RowError {
	if len(c.errors) == 0 {
		return nil
	}
	return c.errors[0]
}

// Summary renders the collected errors as a single line suitable for a
// statement's error message. At most limit rows are listed.
func (c *RowErrorCollector) Summary(limit int) string {
	if len(c.errors) == 0 {
		return "no errors"
	}
	if len(c.errors) == 1 {
		return c.errors[0].Error()
	}

	parts := make([]string, 0, limit+1)
	for i, err := range c.errors {
		if limit > 0 && i >= limit {
			parts = append(parts, fmt.Sprintf("and %d more", len(c.errors)-limit))
			break
		}
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("%d invalid rows: %s", len(c.errors), strings.Join(parts, "; "))
}
