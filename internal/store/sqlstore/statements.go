package sqlstore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/pkg/errors"
)

type statementRepo struct {
	s *Store
}

func (r *statementRepo) Create(ctx context.Context, stmt *models.StatementRecord) error {
	if stmt == nil || stmt.ID == "" {
		return errors.ValidationError(errors.CodeMissingField, "id", nil, nil)
	}
	if err := r.s.db.WithContext(ctx).Create(stmt).Error; err != nil {
		if isUniqueViolation(err) {
			return errors.ConflictError(errors.CodeAlreadyExists, "statement", stmt.ContentHash).
				WithContext("scope", stmt.ScopeKey)
		}
		return translate("create statement", err)
	}
	return nil
}

func (r *statementRepo) Get(ctx context.Context, id string) (*models.StatementRecord, error) {
	return getStatement(r.s.db.WithContext(ctx), id)
}

func getStatement(tx *gorm.DB, id string) (*models.StatementRecord, error) {
	var stmt models.StatementRecord
	if err := tx.Where("id = ?", id).First(&stmt).Error; err != nil {
		if isNotFound(err) {
			return nil, errors.NotFoundError("statement", id)
		}
		return nil, translate("get statement", err)
	}
	return &stmt, nil
}

func (r *statementRepo) FindByHash(ctx context.Context, scopeKey, contentHash string) (*models.StatementRecord, error) {
	var stmt models.StatementRecord
	err := r.s.db.WithContext(ctx).
		Where("scope_key = ? AND content_hash = ?", scopeKey, contentHash).
		First(&stmt).Error
	if err != nil {
		if isNotFound(err) {
			return nil, errors.NotFoundError("statement", contentHash)
		}
		return nil, translate("find statement by hash", err)
	}
	return &stmt, nil
}

func (r *statementRepo) ListByScope(ctx context.Context, scopeKey string) ([]*models.StatementRecord, error) {
	var out []*models.StatementRecord
	err := r.s.db.WithContext(ctx).
		Where("scope_key = ?", scopeKey).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, translate("list statements", err)
	}
	return out, nil
}

func (r *statementRepo) TransitionToProcessing(ctx context.Context, id string, now time.Time) (*models.StatementRecord, error) {
	db := r.s.db.WithContext(ctx)
	res := db.Model(&models.StatementRecord{}).
		Where("id = ? AND status <> ?", id, string(models.StatusProcessing)).
		Updates(map[string]interface{}{
			"status":                string(models.StatusProcessing),
			"processing_started_at": now,
			"updated_at":            now,
		})
	if res.Error != nil {
		return nil, translate("start processing", res.Error)
	}
	if res.RowsAffected == 0 {
		stmt, err := getStatement(db, id)
		if err != nil {
			return nil, err
		}
		return nil, errors.InvalidStateError(errors.CodeAlreadyProcessing, id, string(stmt.Status))
	}
	return getStatement(db, id)
}

func (r *statementRepo) CompleteParsing(ctx context.Context, id string, txs []*models.TransactionRecord, now time.Time) (*models.StatementRecord, error) {
	var out *models.StatementRecord
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.StatementRecord{}).
			Where("id = ? AND status = ?", id, string(models.StatusProcessing)).
			Updates(map[string]interface{}{
				"status":                string(models.StatusParsed),
				"error_detail":          "",
				"transaction_count":     len(txs),
				"processing_started_at": nil,
				"updated_at":            now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notProcessing(tx, id)
		}

		stmt, err := getStatement(tx, id)
		if err != nil {
			return err
		}
		if err := removeTransactions(tx, id); err != nil {
			return err
		}

		if len(txs) > 0 {
			rows := make([]*models.TransactionRecord, 0, len(txs))
			for _, t := range txs {
				if t.ID == "" {
					return errors.ValidationError(errors.CodeMissingField, "transaction.id", nil, nil)
				}
				row := t.Clone()
				row.StatementID = id
				row.ScopeKey = stmt.ScopeKey
				row.WorkspaceID = stmt.WorkspaceID
				row.ClearDuplicateLink()
				rows = append(rows, row)
			}
			if err := tx.CreateInBatches(rows, insertBatchSize).Error; err != nil {
				if isUniqueViolation(err) {
					return errors.ConflictError(errors.CodeAlreadyExists, "transaction", id)
				}
				return err
			}
		}

		out = stmt
		return nil
	})
	if err != nil {
		return nil, translate("complete parsing", err)
	}
	return out, nil
}

func (r *statementRepo) FailParsing(ctx context.Context, id string, detail string, now time.Time) (*models.StatementRecord, error) {
	db := r.s.db.WithContext(ctx)
	res := db.Model(&models.StatementRecord{}).
		Where("id = ? AND status = ?", id, string(models.StatusProcessing)).
		Updates(map[string]interface{}{
			"status":                string(models.StatusError),
			"error_detail":          detail,
			"processing_started_at": nil,
			"updated_at":            now,
		})
	if res.Error != nil {
		return nil, translate("fail parsing", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, notProcessing(db, id)
	}
	return getStatement(db, id)
}

func (r *statementRepo) Delete(ctx context.Context, id string) (*models.StatementRecord, error) {
	var out *models.StatementRecord
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stmt models.StatementRecord
		if err := r.s.forUpdate(tx).Where("id = ?", id).First(&stmt).Error; err != nil {
			if isNotFound(err) {
				return errors.NotFoundError("statement", id)
			}
			return err
		}
		if err := removeTransactions(tx, id); err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&models.StatementRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.NotFoundError("statement", id)
		}
		out = &stmt
		return nil
	})
	if err != nil {
		return nil, translate("delete statement", err)
	}
	return out, nil
}

func (r *statementRepo) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]*models.StatementRecord, error) {
	var out []*models.StatementRecord
	err := r.s.db.WithContext(ctx).
		Where("status = ? AND processing_started_at < ?", string(models.StatusProcessing), cutoff).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, translate("list stale statements", err)
	}
	return out, nil
}

// notProcessing explains why a conditional write out of processing matched nothing
func notProcessing(tx *gorm.DB, id string) error {
	stmt, err := getStatement(tx, id)
	if err != nil {
		return err
	}
	return errors.InvalidStateError(errors.CodeNotProcessing, id, string(stmt.Status))
}

// removeTransactions clears links into a statement's transactions, then deletes them
func removeTransactions(tx *gorm.DB, statementID string) error {
	owned := tx.Model(&models.TransactionRecord{}).Select("id").Where("statement_id = ?", statementID)
	err := tx.Model(&models.TransactionRecord{}).
		Where("duplicate_of_id IN (?)", owned).
		Updates(map[string]interface{}{
			"duplicate_of_id":      nil,
			"duplicate_confidence": nil,
			"duplicate_match_type": nil,
		}).Error
	if err != nil {
		return err
	}
	return tx.Where("statement_id = ?", statementID).Delete(&models.TransactionRecord{}).Error
}
