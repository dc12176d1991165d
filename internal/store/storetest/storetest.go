// Package storetest is the behavioural contract every store.Store
// implementation must satisfy. Backends call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/internal/store"
	"statement-ingest-service/pkg/errors"
)

// Factory returns a fresh, empty store for one subtest
type Factory func(t *testing.T) store.Store

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

const (
	scopeA = "workspace:ws-a"
	scopeB = "owner:user-b"
)

// Run executes the contract suite
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"HashUniquePerScope", testHashUniquePerScope},
		{"ListByScope", testListByScope},
		{"TransitionToProcessing", testTransitionToProcessing},
		{"ConcurrentTransition", testConcurrentTransition},
		{"CompleteParsingReplaces", testCompleteParsingReplaces},
		{"CompleteParsingRequiresProcessing", testCompleteParsingRequiresProcessing},
		{"FailParsingKeepsTransactions", testFailParsingKeepsTransactions},
		{"Delete", testDelete},
		{"ReplaceClearsIncomingLinks", testReplaceClearsIncomingLinks},
		{"ListStaleProcessing", testListStaleProcessing},
		{"GetByIDsScoped", testGetByIDsScoped},
		{"MarkGroup", testMarkGroup},
		{"MarkGroupRejectsChains", testMarkGroupRejectsChains},
		{"MarkGroupAtomic", testMarkGroupAtomic},
		{"ConcurrentMarkGroup", testConcurrentMarkGroup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func newStatement(scopeKey, hash string, createdAt time.Time) *models.StatementRecord {
	return &models.StatementRecord{
		ID:          uuid.NewString(),
		WorkspaceID: "ws-a",
		ScopeKey:    scopeKey,
		ContentHash: hash,
		FileName:    hash + ".csv",
		FileType:    models.FileTypeCSV,
		FileRef:     "statements/" + hash,
		FileSize:    42,
		Status:      models.StatusUploaded,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func newTransaction(row int, counterparty string, debit int64) *models.TransactionRecord {
	return &models.TransactionRecord{
		ID:                     uuid.NewString(),
		RowNumber:              row,
		TransactionDate:        baseTime.Truncate(24 * time.Hour),
		CounterpartyName:       counterparty,
		NormalizedCounterparty: counterparty,
		Debit:                  debit,
		PaymentPurpose:         "invoice",
		CreatedAt:              baseTime.Add(time.Duration(row) * time.Second),
	}
}

func createStatement(t *testing.T, s store.Store, scopeKey, hash string) *models.StatementRecord {
	t.Helper()
	stmt := newStatement(scopeKey, hash, baseTime)
	require.NoError(t, s.Statements().Create(context.Background(), stmt))
	return stmt
}

// parsedStatement creates a statement and completes a parse with n transactions
func parsedStatement(t *testing.T, s store.Store, scopeKey, hash string, n int) (*models.StatementRecord, []*models.TransactionRecord) {
	t.Helper()
	ctx := context.Background()
	stmt := createStatement(t, s, scopeKey, hash)
	_, err := s.Statements().TransitionToProcessing(ctx, stmt.ID, baseTime)
	require.NoError(t, err)

	txs := make([]*models.TransactionRecord, n)
	for i := range txs {
		txs[i] = newTransaction(i+1, fmt.Sprintf("counterparty %d", i+1), int64(1000*(i+1)))
	}
	_, err = s.Statements().CompleteParsing(ctx, stmt.ID, txs, baseTime.Add(time.Minute))
	require.NoError(t, err)

	stored, err := s.Transactions().ListByStatement(ctx, stmt.ID)
	require.NoError(t, err)
	require.Len(t, stored, n)
	return stmt, stored
}

func link(masterID, id string) models.DuplicateLink {
	return models.DuplicateLink{TransactionID: id, MasterID: masterID, Confidence: 1, MatchType: models.MatchTypeExact}
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	stmt := createStatement(t, s, scopeA, "hash-1")

	got, err := s.Statements().Get(ctx, stmt.ID)
	require.NoError(t, err)
	assert.Equal(t, stmt.ID, got.ID)
	assert.Equal(t, models.StatusUploaded, got.Status)
	assert.Equal(t, "hash-1", got.ContentHash)
	assert.Equal(t, int64(42), got.FileSize)

	byHash, err := s.Statements().FindByHash(ctx, scopeA, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, stmt.ID, byHash.ID)

	_, err = s.Statements().Get(ctx, "missing")
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound), "got %v", err)

	_, err = s.Statements().FindByHash(ctx, scopeB, "hash-1")
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound), "got %v", err)
}

func testHashUniquePerScope(t *testing.T, s store.Store) {
	ctx := context.Background()
	createStatement(t, s, scopeA, "same")

	dup := newStatement(scopeA, "same", baseTime.Add(time.Second))
	dup.FileName = "renamed.csv"
	err := s.Statements().Create(ctx, dup)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict), "got %v", err)

	other := newStatement(scopeB, "same", baseTime)
	assert.NoError(t, s.Statements().Create(ctx, other))
}

func testListByScope(t *testing.T, s store.Store) {
	ctx := context.Background()
	late := newStatement(scopeA, "late", baseTime.Add(time.Hour))
	early := newStatement(scopeA, "early", baseTime)
	other := newStatement(scopeB, "other", baseTime)
	for _, stmt := range []*models.StatementRecord{late, early, other} {
		require.NoError(t, s.Statements().Create(ctx, stmt))
	}

	list, err := s.Statements().ListByScope(ctx, scopeA)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, early.ID, list[0].ID)
	assert.Equal(t, late.ID, list[1].ID)
}

func testTransitionToProcessing(t *testing.T, s store.Store) {
	ctx := context.Background()
	stmt := createStatement(t, s, scopeA, "h")

	got, err := s.Statements().TransitionToProcessing(ctx, stmt.ID, baseTime)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	require.NotNil(t, got.ProcessingStartedAt)

	_, err = s.Statements().TransitionToProcessing(ctx, stmt.ID, baseTime)
	assert.True(t, errors.HasCode(err, errors.CodeAlreadyProcessing), "got %v", err)

	_, err = s.Statements().TransitionToProcessing(ctx, "missing", baseTime)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound), "got %v", err)
}

func testConcurrentTransition(t *testing.T, s store.Store) {
	ctx := context.Background()
	stmt := createStatement(t, s, scopeA, "h")

	const workers = 8
	var wins, skipped int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Statements().TransitionToProcessing(ctx, stmt.ID, baseTime)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.HasCode(err, errors.CodeAlreadyProcessing):
				atomic.AddInt32(&skipped, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(workers-1), skipped)
}

func testCompleteParsingReplaces(t *testing.T, s store.Store) {
	ctx := context.Background()
	stmt, first := parsedStatement(t, s, scopeA, "h", 3)

	got, err := s.Statements().Get(ctx, stmt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusParsed, got.Status)
	assert.Equal(t, 3, got.TransactionCount)
	assert.Nil(t, got.ProcessingStartedAt)
	assert.Equal(t, scopeA, first[0].ScopeKey)
	assert.Equal(t, stmt.ID, first[0].StatementID)
	assert.Equal(t, 1, first[0].RowNumber)

	_, err = s.Statements().TransitionToProcessing(ctx, stmt.ID, baseTime.Add(time.Hour))
	require.NoError(t, err)
	replacement := []*models.TransactionRecord{newTransaction(1, "fresh", 500)}
	got, err = s.Statements().CompleteParsing(ctx, stmt.ID, replacement, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, got.TransactionCount)

	txs, err := s.Transactions().ListByStatement(ctx, stmt.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "fresh", txs[0].CounterpartyName)
	assert.Equal(t, int64(500), txs[0].Debit)
}

func testCompleteParsingRequiresProcessing(t *testing.T, s store.Store) {
	ctx := context.Background()
	stmt := createStatement(t, s, scopeA, "h")

	_, err := s.Statements().CompleteParsing(ctx, stmt.ID, nil, baseTime)
	assert.True(t, errors.HasCode(err, errors.CodeNotProcessing), "got %v", err)

	_, err = s.Statements().FailParsing(ctx, stmt.ID, "boom", baseTime)
	assert.True(t, errors.HasCode(err, errors.CodeNotProcessing), "got %v", err)

	_, err = s.Statements().CompleteParsing(ctx, "missing", nil, baseTime)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound), "got %v", err)
}

func testFailParsingKeepsTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	stmt, _ := parsedStatement(t, s, scopeA, "h", 2)

	_, err := s.Statements().TransitionToProcessing(ctx, stmt.ID, baseTime.Add(time.Hour))
	require.NoError(t, err)
	got, err := s.Statements().FailParsing(ctx, stmt.ID, "bad row 3", baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Equal(t, "bad row 3", got.ErrorDetail)

	txs, err := s.Transactions().ListByStatement(ctx, stmt.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	// a later successful parse clears the error detail
	_, err = s.Statements().TransitionToProcessing(ctx, stmt.ID, baseTime.Add(3*time.Hour))
	require.NoError(t, err)
	got, err = s.Statements().CompleteParsing(ctx, stmt.ID, nil, baseTime.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got.ErrorDetail)
	assert.Equal(t, 0, got.TransactionCount)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	stmt, _ := parsedStatement(t, s, scopeA, "h", 2)

	deleted, err := s.Statements().Delete(ctx, stmt.ID)
	require.NoError(t, err)
	assert.Equal(t, stmt.ID, deleted.ID)
	assert.Equal(t, stmt.FileRef, deleted.FileRef)

	txs, err := s.Transactions().ListByStatement(ctx, stmt.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)

	_, err = s.Statements().Delete(ctx, stmt.ID)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound), "got %v", err)

	// the hash is free again
	assert.NoError(t, s.Statements().Create(ctx, newStatement(scopeA, "h", baseTime)))
}

func testReplaceClearsIncomingLinks(t *testing.T, s store.Store) {
	ctx := context.Background()
	first, masters := parsedStatement(t, s, scopeA, "first", 1)
	_, dups := parsedStatement(t, s, scopeA, "second", 1)
	_, others := parsedStatement(t, s, scopeA, "third", 1)

	require.NoError(t, s.Transactions().MarkGroup(ctx, scopeA, masters[0].ID, []models.DuplicateLink{link(masters[0].ID, dups[0].ID)}))

	// reparsing the master's statement drops the master and the link into it
	_, err := s.Statements().TransitionToProcessing(ctx, first.ID, baseTime.Add(time.Hour))
	require.NoError(t, err)
	_, err = s.Statements().CompleteParsing(ctx, first.ID, []*models.TransactionRecord{newTransaction(1, "x", 1)}, baseTime.Add(time.Hour))
	require.NoError(t, err)

	got, err := s.Transactions().GetByIDs(ctx, scopeA, []string{dups[0].ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].IsDuplicate())
	assert.Nil(t, got[0].DuplicateConfidence)
	assert.Nil(t, got[0].DuplicateMatchType)

	// deleting a master's statement clears links the same way
	_, err = s.Statements().TransitionToProcessing(ctx, first.ID, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	_, err = s.Statements().FailParsing(ctx, first.ID, "x", baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	current, err := s.Transactions().ListByStatement(ctx, first.ID)
	require.NoError(t, err)
	require.NoError(t, s.Transactions().MarkGroup(ctx, scopeA, current[0].ID, []models.DuplicateLink{link(current[0].ID, others[0].ID)}))

	_, err = s.Statements().Delete(ctx, first.ID)
	require.NoError(t, err)
	got, err = s.Transactions().GetByIDs(ctx, scopeA, []string{others[0].ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].IsDuplicate())
}

func testListStaleProcessing(t *testing.T, s store.Store) {
	ctx := context.Background()
	stale := createStatement(t, s, scopeA, "stale")
	fresh := createStatement(t, s, scopeA, "fresh")
	createStatement(t, s, scopeA, "idle")

	_, err := s.Statements().TransitionToProcessing(ctx, stale.ID, baseTime)
	require.NoError(t, err)
	_, err = s.Statements().TransitionToProcessing(ctx, fresh.ID, baseTime.Add(time.Hour))
	require.NoError(t, err)

	list, err := s.Statements().ListStaleProcessing(ctx, baseTime.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, stale.ID, list[0].ID)
}

func testGetByIDsScoped(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, inA := parsedStatement(t, s, scopeA, "a", 2)
	_, inB := parsedStatement(t, s, scopeB, "b", 1)

	got, err := s.Transactions().GetByIDs(ctx, scopeA, []string{inA[1].ID, inB[0].ID, "missing", inA[0].ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, inA[1].ID, got[0].ID)
	assert.Equal(t, inA[0].ID, got[1].ID)

	all, err := s.Transactions().ListByScope(ctx, scopeB)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, inB[0].ID, all[0].ID)
}

func testMarkGroup(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, txs := parsedStatement(t, s, scopeA, "h", 3)
	master, dup := txs[0], txs[1]

	l := models.DuplicateLink{TransactionID: dup.ID, MasterID: master.ID, Confidence: 0.91, MatchType: models.MatchTypeHybrid}
	require.NoError(t, s.Transactions().MarkGroup(ctx, scopeA, master.ID, []models.DuplicateLink{l}))

	got, err := s.Transactions().GetByIDs(ctx, scopeA, []string{master.ID, dup.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got[0].IsDuplicate(), "master is never mutated")
	require.True(t, got[1].IsDuplicate())
	assert.Equal(t, master.ID, *got[1].DuplicateOfID)
	assert.InDelta(t, 0.91, *got[1].DuplicateConfidence, 1e-9)
	assert.Equal(t, models.MatchTypeHybrid, *got[1].DuplicateMatchType)

	// same master again is idempotent
	assert.NoError(t, s.Transactions().MarkGroup(ctx, scopeA, master.ID, []models.DuplicateLink{l}))

	// a different master conflicts
	err = s.Transactions().MarkGroup(ctx, scopeA, txs[2].ID, []models.DuplicateLink{link(txs[2].ID, dup.ID)})
	assert.True(t, errors.HasCode(err, errors.CodeAlreadyGrouped), "got %v", err)

	// out of scope ids are not found
	err = s.Transactions().MarkGroup(ctx, scopeB, master.ID, []models.DuplicateLink{link(master.ID, txs[2].ID)})
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound), "got %v", err)

	// self reference is rejected
	err = s.Transactions().MarkGroup(ctx, scopeA, master.ID, []models.DuplicateLink{link(master.ID, master.ID)})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation), "got %v", err)
}

func testMarkGroupRejectsChains(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, txs := parsedStatement(t, s, scopeA, "h", 3)
	a, b, c := txs[0], txs[1], txs[2]

	require.NoError(t, s.Transactions().MarkGroup(ctx, scopeA, a.ID, []models.DuplicateLink{link(a.ID, b.ID)}))

	// b is a duplicate and cannot become a master
	err := s.Transactions().MarkGroup(ctx, scopeA, b.ID, []models.DuplicateLink{link(b.ID, c.ID)})
	assert.True(t, errors.HasCode(err, errors.CodeAlreadyGrouped), "got %v", err)

	// a has duplicates and cannot become a duplicate
	err = s.Transactions().MarkGroup(ctx, scopeA, c.ID, []models.DuplicateLink{link(c.ID, a.ID)})
	assert.True(t, errors.HasCode(err, errors.CodeHasDuplicates), "got %v", err)
}

func testMarkGroupAtomic(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, txs := parsedStatement(t, s, scopeA, "h", 4)
	a, b, c, d := txs[0], txs[1], txs[2], txs[3]

	require.NoError(t, s.Transactions().MarkGroup(ctx, scopeA, d.ID, []models.DuplicateLink{link(d.ID, c.ID)}))

	err := s.Transactions().MarkGroup(ctx, scopeA, a.ID, []models.DuplicateLink{link(a.ID, b.ID), link(a.ID, c.ID)})
	require.Error(t, err)

	got, err := s.Transactions().GetByIDs(ctx, scopeA, []string{b.ID, c.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got[0].IsDuplicate(), "nothing of a failed group is written")
	assert.Equal(t, d.ID, *got[1].DuplicateOfID)
}

func testConcurrentMarkGroup(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, txs := parsedStatement(t, s, scopeA, "h", 3)
	a, b, c := txs[0], txs[1], txs[2]

	groups := []struct {
		master string
		dup    string
	}{
		{a.ID, b.ID},
		{c.ID, a.ID},
	}

	var ok, conflicts int32
	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		go func(master, dup string) {
			defer wg.Done()
			err := s.Transactions().MarkGroup(ctx, scopeA, master, []models.DuplicateLink{link(master, dup)})
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.IsCategory(err, errors.CategoryConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(g.master, g.dup)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok, "exactly one of two chaining groups may win")
	assert.Equal(t, int32(1), conflicts)

	all, err := s.Transactions().ListByScope(ctx, scopeA)
	require.NoError(t, err)
	pointedAt := make(map[string]bool)
	for _, tx := range all {
		if tx.IsDuplicate() {
			pointedAt[*tx.DuplicateOfID] = true
		}
	}
	for _, tx := range all {
		if tx.IsDuplicate() {
			assert.False(t, pointedAt[tx.ID], "chain through %s", tx.ID)
		}
	}
}
