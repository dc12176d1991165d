package sqlstore

import (
	"context"

	"gorm.io/gorm"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/internal/store"
	"statement-ingest-service/pkg/errors"
)

type transactionRepo struct {
	s *Store
}

func (r *transactionRepo) ListByStatement(ctx context.Context, statementID string) ([]*models.TransactionRecord, error) {
	var out []*models.TransactionRecord
	err := r.s.db.WithContext(ctx).
		Where("statement_id = ?", statementID).
		Order("source_row ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, translate("list statement transactions", err)
	}
	return out, nil
}

func (r *transactionRepo) ListByScope(ctx context.Context, scopeKey string) ([]*models.TransactionRecord, error) {
	var out []*models.TransactionRecord
	err := r.s.db.WithContext(ctx).
		Where("scope_key = ?", scopeKey).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, translate("list scope transactions", err)
	}
	return out, nil
}

func (r *transactionRepo) GetByIDs(ctx context.Context, scopeKey string, ids []string) ([]*models.TransactionRecord, error) {
	if len(ids) == 0 {
		return []*models.TransactionRecord{}, nil
	}
	var found []*models.TransactionRecord
	err := r.s.db.WithContext(ctx).
		Where("scope_key = ? AND id IN ?", scopeKey, ids).
		Find(&found).Error
	if err != nil {
		return nil, translate("get transactions", err)
	}

	byID := make(map[string]*models.TransactionRecord, len(found))
	for _, tx := range found {
		byID[tx.ID] = tx
	}
	out := make([]*models.TransactionRecord, 0, len(found))
	for _, id := range ids {
		if tx, ok := byID[id]; ok {
			out = append(out, tx)
			delete(byID, id)
		}
	}
	return out, nil
}

func (r *transactionRepo) MarkGroup(ctx context.Context, scopeKey, masterID string, links []models.DuplicateLink) error {
	dupIDs := store.LinkIDs(links)

	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked []*models.TransactionRecord
		err := r.s.forUpdate(tx).
			Where("scope_key = ? AND id IN ?", scopeKey, append([]string{masterID}, dupIDs...)).
			Order("id ASC").
			Find(&locked).Error
		if err != nil {
			return err
		}
		rows := make(map[string]*models.TransactionRecord, len(locked))
		for _, row := range locked {
			rows[row.ID] = row
		}

		referenced := make(map[string]bool)
		if len(dupIDs) > 0 {
			var pointedAt []string
			err = tx.Model(&models.TransactionRecord{}).
				Where("duplicate_of_id IN ?", dupIDs).
				Distinct().
				Pluck("duplicate_of_id", &pointedAt).Error
			if err != nil {
				return err
			}
			for _, id := range pointedAt {
				referenced[id] = true
			}
		}

		if err := store.CheckGroup(masterID, links, rows, referenced); err != nil {
			return err
		}

		var affected int64
		for _, link := range links {
			res := tx.Model(&models.TransactionRecord{}).
				Where("id = ? AND scope_key = ? AND (duplicate_of_id IS NULL OR duplicate_of_id = ?)",
					link.TransactionID, scopeKey, masterID).
				Updates(map[string]interface{}{
					"duplicate_of_id":      masterID,
					"duplicate_confidence": link.Confidence,
					"duplicate_match_type": string(link.MatchType),
				})
			if res.Error != nil {
				return res.Error
			}
			affected += res.RowsAffected
		}
		if affected != int64(len(links)) {
			return errors.ConflictError(errors.CodeConcurrentEdit, "duplicate group", masterID).
				WithContext("expected", len(links)).
				WithContext("affected", affected)
		}
		return nil
	})
	return translate("mark duplicate group", err)
}
