package service

import (
	"context"
	"strconv"

	"statement-ingest-service/internal/audit"
	"statement-ingest-service/internal/matcher"
	"statement-ingest-service/internal/models"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

// DetectDuplicates groups likely duplicates among the scope's transactions.
// It reads a point-in-time snapshot and writes nothing.
func (s *Service) DetectDuplicates(ctx context.Context, scope models.Scope, threshold float64) ([]models.DuplicateGroup, error) {
	if err := matcher.ValidateThreshold(threshold); err != nil {
		return nil, err
	}
	if err := validateScope(scope); err != nil {
		return nil, err
	}

	txs, err := s.store.Transactions().ListByScope(ctx, scope.Key())
	if err != nil {
		return nil, err
	}
	return s.matcher.Detect(txs, threshold)
}

// MarkDuplicates persists caller-confirmed groups. Every id must exist in
// scope or the whole call fails with NotFound and nothing is written. Each
// group is then written atomically; a group that fails is reported in
// FailedGroups and does not affect the others.
func (s *Service) MarkDuplicates(ctx context.Context, scope models.Scope, groups []models.MarkGroup) (*models.MarkResult, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, errors.ValidationError(errors.CodeMissingField, "groups", nil, nil)
	}

	scopeKey := scope.Key()
	byID, err := s.loadGroupMembers(ctx, scopeKey, groups)
	if err != nil {
		return nil, err
	}

	result := &models.MarkResult{FailedGroups: []models.FailedGroup{}}
	for _, group := range groups {
		log := s.logger.WithFields(logger.Fields{
			"scope":      scopeKey,
			"master_id":  group.MasterID,
			"duplicates": len(group.DuplicateIDs),
		})

		err := s.markGroup(ctx, scopeKey, group, byID)
		if err == nil {
			result.MarkedCount += len(group.DuplicateIDs)
			log.Info("Duplicate group marked")
			s.auditGroup(ctx, audit.ActionGroupMarked, scopeKey, group, "")
			continue
		}

		if !isGroupFailure(err) {
			return nil, err
		}

		serviceErr, _ := errors.AsServiceError(err)
		result.FailedGroups = append(result.FailedGroups, models.FailedGroup{
			MasterID:     group.MasterID,
			DuplicateIDs: group.DuplicateIDs,
			Code:         string(serviceErr.Code),
			Message:      serviceErr.Message,
		})
		log.WithError(err).Warn("Duplicate group rejected")
		s.auditGroup(ctx, audit.ActionGroupRejected, scopeKey, group, string(serviceErr.Code))
	}

	return result, nil
}

// loadGroupMembers reads every referenced transaction of the scope at once
func (s *Service) loadGroupMembers(ctx context.Context, scopeKey string, groups []models.MarkGroup) (map[string]*models.TransactionRecord, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, group := range groups {
		for _, id := range group.IDs() {
			if id == "" {
				return nil, errors.ValidationError(errors.CodeMissingField, "transactionId", id, nil)
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	rows, err := s.store.Transactions().GetByIDs(ctx, scopeKey, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.TransactionRecord, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, errors.NotFoundError("transaction", id)
		}
	}
	return byID, nil
}

// markGroup relates every duplicate to its master the way detection does and
// writes the links. A duplicate without a qualifying pair to the master is
// accepted through a chain of qualifying pairs within the group. The master
// itself is never modified.
func (s *Service) markGroup(ctx context.Context, scopeKey string, group models.MarkGroup, byID map[string]*models.TransactionRecord) error {
	master := byID[group.MasterID]

	var members []*models.TransactionRecord
	for _, id := range group.DuplicateIDs {
		if id != group.MasterID {
			members = append(members, byID[id])
		}
	}
	rels := s.matcher.RelateGroup(master, members)

	links := make([]models.DuplicateLink, 0, len(group.DuplicateIDs))
	next := 0
	for _, id := range group.DuplicateIDs {
		link := models.DuplicateLink{TransactionID: id, MasterID: group.MasterID}
		if id != group.MasterID {
			rel := rels[next]
			next++
			if !rel.Reached {
				return errors.ValidationError(errors.CodeNotSimilar, "duplicateIds", id, nil).
					WithContext("master_id", group.MasterID)
			}
			link.Confidence = rel.Score.Confidence
			link.MatchType = rel.Score.MatchType
		}
		links = append(links, link)
	}
	return s.store.Transactions().MarkGroup(ctx, scopeKey, group.MasterID, links)
}

// isGroupFailure tells whether err rejects only the group at hand
func isGroupFailure(err error) bool {
	switch errors.CategoryOf(err) {
	case errors.CategoryValidation, errors.CategoryConflict, errors.CategoryNotFound:
		return true
	}
	return false
}

func (s *Service) auditGroup(ctx context.Context, action audit.Action, scopeKey string, group models.MarkGroup, code string) {
	event := audit.NewEvent(action, scopeKey, "").
		With("master_id", group.MasterID).
		With("duplicates", strconv.Itoa(len(group.DuplicateIDs)))
	event.Detail = code
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.WithError(err).Warn("Audit event dropped")
	}
}
