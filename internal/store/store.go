// Package store defines the persistence contract for statements and their
// transactions.
//
// Implementations must honour the same semantics, verified by the shared
// contract suite in package storetest:
//
//   - Statement content hashes are unique per scope key; a violating Create
//     fails with a CategoryConflict error.
//   - Status transitions into and out of processing are conditional writes
//     whose affected row count is checked, so concurrent callers observe at
//     most one winner.
//   - Replacing or deleting transactions clears every duplicate link that
//     pointed at them inside the same storage transaction.
//   - MarkGroup re-verifies the no-chain invariant under a lock and writes all
//     links of a group or none of them.
//
// Every error returned is a *errors.ServiceError.
package store

import (
	"context"
	"time"

	"statement-ingest-service/internal/models"
)

// StatementRepository persists statement records and their lifecycle
type StatementRepository interface {
	// Create inserts a new statement in status uploaded
	Create(ctx context.Context, stmt *models.StatementRecord) error

	// Get returns the statement or a CategoryNotFound error
	Get(ctx context.Context, id string) (*models.StatementRecord, error)

	// FindByHash returns the statement with the given content hash in scope,
	// or a CategoryNotFound error
	FindByHash(ctx context.Context, scopeKey, contentHash string) (*models.StatementRecord, error)

	// ListByScope returns all statements of a scope ordered by creation time
	ListByScope(ctx context.Context, scopeKey string) ([]*models.StatementRecord, error)

	// TransitionToProcessing moves any non-processing statement to processing.
	// It fails with CodeAlreadyProcessing when another caller won.
	TransitionToProcessing(ctx context.Context, id string, now time.Time) (*models.StatementRecord, error)

	// CompleteParsing replaces the statement's transactions and marks it
	// parsed. It fails with CodeNotProcessing unless the statement is processing.
	CompleteParsing(ctx context.Context, id string, txs []*models.TransactionRecord, now time.Time) (*models.StatementRecord, error)

	// FailParsing marks a processing statement as errored. Previously parsed
	// transactions are kept.
	FailParsing(ctx context.Context, id string, detail string, now time.Time) (*models.StatementRecord, error)

	// Delete removes the statement and its transactions and returns the
	// removed record
	Delete(ctx context.Context, id string) (*models.StatementRecord, error)

	// ListStaleProcessing returns processing statements started before cutoff
	ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]*models.StatementRecord, error)
}

// TransactionRepository reads transactions and persists duplicate links
type TransactionRepository interface {
	// ListByStatement returns the statement's transactions in row order
	ListByStatement(ctx context.Context, statementID string) ([]*models.TransactionRecord, error)

	// ListByScope returns every transaction of a scope
	ListByScope(ctx context.Context, scopeKey string) ([]*models.TransactionRecord, error)

	// GetByIDs returns the transactions of the scope whose id is listed.
	// Unknown or out-of-scope ids are silently omitted.
	GetByIDs(ctx context.Context, scopeKey string, ids []string) ([]*models.TransactionRecord, error)

	// MarkGroup links every duplicate to masterID atomically
	MarkGroup(ctx context.Context, scopeKey, masterID string, links []models.DuplicateLink) error
}

// Store bundles the repositories of one backend
type Store interface {
	Statements() StatementRepository
	Transactions() TransactionRepository
	Close() error
}
