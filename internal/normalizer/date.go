package normalizer

import (
	"strings"
	"time"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/pkg/errors"
)

// ParseDate tries each layout and returns UTC midnight of the calendar date
// as written. An offset in the input does not shift the date.
func ParseDate(s string, layouts []string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.ValidationError(errors.CodeMissingField, "date", s, nil)
	}

	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return models.DateOnly(t), nil
		}
		lastErr = err
	}

	return time.Time{}, errors.ValidationError(errors.CodeInvalidDate, "date", s, lastErr)
}
