package store

import (
	"statement-ingest-service/internal/models"
	"statement-ingest-service/pkg/errors"
)

// CheckGroup verifies a group against rows read under the group's lock.
// rows holds the master and every duplicate keyed by id; referenced holds the
// ids that at least one other transaction currently points at.
func CheckGroup(masterID string, links []models.DuplicateLink, rows map[string]*models.TransactionRecord, referenced map[string]bool) error {
	master, ok := rows[masterID]
	if !ok {
		return errors.NotFoundError("transaction", masterID)
	}
	if master.IsDuplicate() {
		return errors.ConflictError(errors.CodeAlreadyGrouped, "master transaction", masterID)
	}
	if len(links) == 0 {
		return errors.ValidationError(errors.CodeMissingField, "duplicateIds", nil, nil)
	}

	seen := make(map[string]bool, len(links))
	for _, link := range links {
		id := link.TransactionID
		if id == masterID || link.MasterID != masterID {
			return errors.ValidationError(errors.CodeInvalidInput, "duplicateIds", id, nil)
		}
		if seen[id] {
			return errors.ValidationError(errors.CodeInvalidInput, "duplicateIds", id, nil).
				WithContext("reason", "listed twice")
		}
		seen[id] = true

		row, ok := rows[id]
		if !ok {
			return errors.NotFoundError("transaction", id)
		}
		if row.IsDuplicate() && *row.DuplicateOfID != masterID {
			return errors.ConflictError(errors.CodeAlreadyGrouped, "transaction", id).
				WithContext("current_master", *row.DuplicateOfID)
		}
		if referenced[id] {
			return errors.ConflictError(errors.CodeHasDuplicates, "transaction", id)
		}
		if !link.MatchType.IsValid() || link.Confidence <= 0 || link.Confidence > 1 {
			return errors.ValidationError(errors.CodeOutOfRange, "confidence", link.Confidence, nil)
		}
	}
	return nil
}

// LinkIDs returns the duplicate ids of links in order
func LinkIDs(links []models.DuplicateLink) []string {
	ids := make([]string, 0, len(links))
	for _, link := range links {
		ids = append(ids, link.TransactionID)
	}
	return ids
}
