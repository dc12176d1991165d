// Package memory is an in-process implementation of store.Store.
// A single mutex serializes writers, so every conditional write and every
// group mark is trivially atomic. Records are copied on the way in and out.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/internal/store"
	"statement-ingest-service/pkg/errors"
)

// Store keeps statements and transactions in maps guarded by one lock
type Store struct {
	mu           sync.RWMutex
	statements   map[string]*models.StatementRecord
	transactions map[string]*models.TransactionRecord
	byStatement  map[string][]string
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		statements:   make(map[string]*models.StatementRecord),
		transactions: make(map[string]*models.TransactionRecord),
		byStatement:  make(map[string][]string),
	}
}

// Statements returns the statement repository
func (s *Store) Statements() store.StatementRepository {
	return &statementRepo{s: s}
}

// Transactions returns the transaction repository
func (s *Store) Transactions() store.TransactionRepository {
	return &transactionRepo{s: s}
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

type statementRepo struct {
	s *Store
}

func (r *statementRepo) Create(ctx context.Context, stmt *models.StatementRecord) error {
	if stmt == nil || stmt.ID == "" {
		return errors.ValidationError(errors.CodeMissingField, "id", nil, nil)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.statements[stmt.ID]; exists {
		return errors.ConflictError(errors.CodeAlreadyExists, "statement", stmt.ID)
	}
	for _, existing := range r.s.statements {
		if existing.ScopeKey == stmt.ScopeKey && existing.ContentHash == stmt.ContentHash {
			return errors.ConflictError(errors.CodeAlreadyExists, "statement", stmt.ContentHash).
				WithContext("existing_id", existing.ID)
		}
	}

	r.s.statements[stmt.ID] = stmt.Clone()
	return nil
}

func (r *statementRepo) Get(ctx context.Context, id string) (*models.StatementRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	stmt, ok := r.s.statements[id]
	if !ok {
		return nil, errors.NotFoundError("statement", id)
	}
	return stmt.Clone(), nil
}

func (r *statementRepo) FindByHash(ctx context.Context, scopeKey, contentHash string) (*models.StatementRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, stmt := range r.s.statements {
		if stmt.ScopeKey == scopeKey && stmt.ContentHash == contentHash {
			return stmt.Clone(), nil
		}
	}
	return nil, errors.NotFoundError("statement", contentHash)
}

func (r *statementRepo) ListByScope(ctx context.Context, scopeKey string) ([]*models.StatementRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	result := make([]*models.StatementRecord, 0)
	for _, stmt := range r.s.statements {
		if stmt.ScopeKey == scopeKey {
			result = append(result, stmt.Clone())
		}
	}
	sortStatements(result)
	return result, nil
}

func (r *statementRepo) TransitionToProcessing(ctx context.Context, id string, now time.Time) (*models.StatementRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stmt, ok := r.s.statements[id]
	if !ok {
		return nil, errors.NotFoundError("statement", id)
	}
	if stmt.Status == models.StatusProcessing {
		return nil, errors.InvalidStateError(errors.CodeAlreadyProcessing, id, string(stmt.Status))
	}

	started := now
	stmt.Status = models.StatusProcessing
	stmt.ProcessingStartedAt = &started
	stmt.UpdatedAt = now
	return stmt.Clone(), nil
}

func (r *statementRepo) CompleteParsing(ctx context.Context, id string, txs []*models.TransactionRecord, now time.Time) (*models.StatementRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stmt, err := r.s.processingStatement(id)
	if err != nil {
		return nil, err
	}

	incoming := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if tx.ID == "" {
			return nil, errors.ValidationError(errors.CodeMissingField, "transaction.id", nil, nil)
		}
		existing, taken := r.s.transactions[tx.ID]
		if incoming[tx.ID] || (taken && existing.StatementID != id) {
			return nil, errors.ConflictError(errors.CodeAlreadyExists, "transaction", tx.ID)
		}
		incoming[tx.ID] = true
	}

	r.s.removeTransactions(id)

	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		stored := tx.Clone()
		stored.StatementID = id
		stored.ScopeKey = stmt.ScopeKey
		stored.WorkspaceID = stmt.WorkspaceID
		stored.ClearDuplicateLink()
		r.s.transactions[stored.ID] = stored
		ids = append(ids, stored.ID)
	}
	r.s.byStatement[id] = ids

	stmt.Status = models.StatusParsed
	stmt.ErrorDetail = ""
	stmt.TransactionCount = len(txs)
	stmt.ProcessingStartedAt = nil
	stmt.UpdatedAt = now
	return stmt.Clone(), nil
}

func (r *statementRepo) FailParsing(ctx context.Context, id string, detail string, now time.Time) (*models.StatementRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stmt, err := r.s.processingStatement(id)
	if err != nil {
		return nil, err
	}

	stmt.Status = models.StatusError
	stmt.ErrorDetail = detail
	stmt.ProcessingStartedAt = nil
	stmt.UpdatedAt = now
	return stmt.Clone(), nil
}

func (r *statementRepo) Delete(ctx context.Context, id string) (*models.StatementRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stmt, ok := r.s.statements[id]
	if !ok {
		return nil, errors.NotFoundError("statement", id)
	}

	r.s.removeTransactions(id)
	delete(r.s.byStatement, id)
	delete(r.s.statements, id)
	return stmt.Clone(), nil
}

func (r *statementRepo) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]*models.StatementRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	result := make([]*models.StatementRecord, 0)
	for _, stmt := range r.s.statements {
		if stmt.Status != models.StatusProcessing || stmt.ProcessingStartedAt == nil {
			continue
		}
		if stmt.ProcessingStartedAt.Before(cutoff) {
			result = append(result, stmt.Clone())
		}
	}
	sortStatements(result)
	return result, nil
}

// processingStatement must be called with the write lock held
func (s *Store) processingStatement(id string) (*models.StatementRecord, error) {
	stmt, ok := s.statements[id]
	if !ok {
		return nil, errors.NotFoundError("statement", id)
	}
	if stmt.Status != models.StatusProcessing {
		return nil, errors.InvalidStateError(errors.CodeNotProcessing, id, string(stmt.Status))
	}
	return stmt, nil
}

// removeTransactions drops a statement's transactions and clears links that
// pointed at them. Must be called with the write lock held.
func (s *Store) removeTransactions(statementID string) {
	removed := make(map[string]bool)
	for _, txID := range s.byStatement[statementID] {
		removed[txID] = true
		delete(s.transactions, txID)
	}
	if len(removed) == 0 {
		return
	}
	for _, tx := range s.transactions {
		if tx.IsDuplicate() && removed[*tx.DuplicateOfID] {
			tx.ClearDuplicateLink()
		}
	}
	s.byStatement[statementID] = nil
}

type transactionRepo struct {
	s *Store
}

func (r *transactionRepo) ListByStatement(ctx context.Context, statementID string) ([]*models.TransactionRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	result := make([]*models.TransactionRecord, 0, len(r.s.byStatement[statementID]))
	for _, txID := range r.s.byStatement[statementID] {
		if tx, ok := r.s.transactions[txID]; ok {
			result = append(result, tx.Clone())
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].RowNumber != result[j].RowNumber {
			return result[i].RowNumber < result[j].RowNumber
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (r *transactionRepo) ListByScope(ctx context.Context, scopeKey string) ([]*models.TransactionRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	result := make([]*models.TransactionRecord, 0)
	for _, tx := range r.s.transactions {
		if tx.ScopeKey == scopeKey {
			result = append(result, tx.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *transactionRepo) GetByIDs(ctx context.Context, scopeKey string, ids []string) ([]*models.TransactionRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	seen := make(map[string]bool, len(ids))
	result := make([]*models.TransactionRecord, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if tx, ok := r.s.transactions[id]; ok && tx.ScopeKey == scopeKey {
			result = append(result, tx.Clone())
		}
	}
	return result, nil
}

func (r *transactionRepo) MarkGroup(ctx context.Context, scopeKey, masterID string, links []models.DuplicateLink) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rows := make(map[string]*models.TransactionRecord, len(links)+1)
	for _, id := range append([]string{masterID}, store.LinkIDs(links)...) {
		if tx, ok := r.s.transactions[id]; ok && tx.ScopeKey == scopeKey {
			rows[id] = tx
		}
	}

	linked := make(map[string]bool, len(links))
	for _, link := range links {
		linked[link.TransactionID] = true
	}
	referenced := make(map[string]bool)
	for _, tx := range r.s.transactions {
		if tx.IsDuplicate() && linked[*tx.DuplicateOfID] {
			referenced[*tx.DuplicateOfID] = true
		}
	}

	if err := store.CheckGroup(masterID, links, rows, referenced); err != nil {
		return err
	}

	for _, link := range links {
		tx := rows[link.TransactionID]
		master := masterID
		confidence := link.Confidence
		matchType := link.MatchType
		tx.DuplicateOfID = &master
		tx.DuplicateConfidence = &confidence
		tx.DuplicateMatchType = &matchType
	}
	return nil
}

func sortStatements(stmts []*models.StatementRecord) {
	sort.Slice(stmts, func(i, j int) bool {
		if !stmts[i].CreatedAt.Equal(stmts[j].CreatedAt) {
			return stmts[i].CreatedAt.Before(stmts[j].CreatedAt)
		}
		return stmts[i].ID < stmts[j].ID
	})
}

var _ store.Store = (*Store)(nil)
