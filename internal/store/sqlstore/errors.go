package sqlstore

import (
	stderrors "errors"
	"strings"

	"gorm.io/gorm"

	"statement-ingest-service/pkg/errors"
)

func isUniqueViolation(err error) bool {
	if stderrors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func isNotFound(err error) bool {
	return stderrors.Is(err, gorm.ErrRecordNotFound)
}

// translate maps driver errors to storage errors and passes service errors through
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.AsServiceError(err); ok {
		return err
	}
	return errors.StorageError(errors.CodeStorageFailure, op, err)
}
