package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statement-ingest-service/internal/audit"
	"statement-ingest-service/internal/filestore"
	"statement-ingest-service/internal/models"
	"statement-ingest-service/internal/registry"
	"statement-ingest-service/internal/reprocess"
	"statement-ingest-service/internal/store/memory"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

const (
	januaryCSV = "date,counterparty,amount,purpose\n" +
		"2024-01-05,ACME Corp,-150.00,Invoice 17\n" +
		"2024-01-07,Globex,-20.00,Lunch\n" +
		"2024-01-09,Initech,300.00,Refund\n"

	januaryCopyCSV = "Date;Payee;Amount;Details\n" +
		"05.01.2024;ACME Corp;-150,00;Invoice 17\n" +
		"05.01.2024;ACME Corp.;-150,00;Invoice 17\n" +
		"20.02.2024;Umbrella;-45,00;Fees\n"

	brokenCSV = "date,amount\n2024-01-05,-1\n"

	// each line is one day after the previous, so the first and last only
	// match through the middle one
	rentChainCSV = "date,counterparty,amount,purpose\n" +
		"2024-01-01,ACME LLC,-1000.00,Rent\n" +
		"2024-01-02,ACME LLC,-1000.00,Rent\n" +
		"2024-01-03,ACME LLC,-1000.00,Rent\n"
)

var (
	owner     = models.Scope{OwnerID: "u1"}
	otherUser = models.Scope{OwnerID: "u2"}
)

type fixture struct {
	svc   *Service
	store *memory.Store
	files *filestore.AferoStore
	audit *audit.Recorder
}

func newFixture(t *testing.T, mutate func(*Config), opts ...Option) *fixture {
	t.Helper()
	config := DefaultConfig()
	if mutate != nil {
		mutate(config)
	}

	f := &fixture{
		store: memory.New(),
		files: filestore.NewMemory(logger.Discard()),
		audit: audit.NewRecorder(),
	}
	svc, err := New(f.store, f.files, f.audit, config, logger.Discard(), opts...)
	require.NoError(t, err)
	f.svc = svc
	t.Cleanup(svc.Wait)
	return f
}

func (f *fixture) submit(t *testing.T, scope models.Scope, content, name string) *models.StatementRecord {
	t.Helper()
	stmt, err := f.svc.SubmitStatement(context.Background(), scope, []byte(content), models.StatementMeta{FileName: name})
	require.NoError(t, err)
	f.svc.Wait()
	return stmt
}

func (f *fixture) transactions(t *testing.T, id string) []*models.TransactionRecord {
	t.Helper()
	got, err := f.svc.GetStatement(context.Background(), id, owner)
	require.NoError(t, err)
	return got.Transactions
}

// blockingParser holds every run until released
type blockingParser struct {
	started chan string
	release chan struct{}
	inner   CandidateParser
}

func newBlockingParser(inner CandidateParser) *blockingParser {
	return &blockingParser{
		started: make(chan string, 16),
		release: make(chan struct{}),
		inner:   inner,
	}
}

func (p *blockingParser) Parse(ctx context.Context, ref string, fileType models.FileType) ([]models.RawCandidate, error) {
	p.started <- ref
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if p.inner == nil {
		return nil, nil
	}
	return p.inner.Parse(ctx, ref, fileType)
}

func TestSubmitAndProcess(t *testing.T) {
	f := newFixture(t, nil)
	stmt := f.submit(t, owner, januaryCSV, "january.csv")

	got, err := f.svc.GetStatement(context.Background(), stmt.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusParsed, got.Statement.Status)
	assert.Equal(t, 3, got.Statement.TransactionCount)
	require.Len(t, got.Transactions, 3)

	first := got.Transactions[0]
	assert.Equal(t, int64(15000), first.Debit)
	assert.Equal(t, "acme corp", first.NormalizedCounterparty)
	assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), first.TransactionDate)
	assert.Equal(t, int64(30000), got.Transactions[2].Credit)

	assert.Equal(t, []audit.Action{audit.ActionSubmitted, audit.ActionProcessing, audit.ActionParsed}, f.audit.Actions())
}

func TestSubmitSynchronous(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Processing.Async = false })

	stmt, err := f.svc.SubmitStatement(context.Background(), owner, []byte(januaryCSV), models.StatementMeta{FileName: "a.csv"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusParsed, stmt.Status, "synchronous submit returns the finished record")
}

func TestSubmitWithoutAutoProcess(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Processing.AutoProcess = false })
	stmt := f.submit(t, owner, januaryCSV, "a.csv")
	assert.Equal(t, models.StatusUploaded, stmt.Status)

	result, err := f.svc.ReprocessStatement(context.Background(), stmt.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, reprocess.OutcomeStarted, result.Outcome)
	f.svc.Wait()
	assert.Len(t, f.transactions(t, stmt.ID), 3)
}

func TestSubmitDuplicateContent(t *testing.T) {
	f := newFixture(t, nil)
	f.submit(t, owner, januaryCSV, "january.csv")

	_, err := f.svc.SubmitStatement(context.Background(), owner, []byte(januaryCSV), models.StatementMeta{FileName: "other-name.csv"})
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict), "got %v", err)

	// another owner may upload the same bytes
	_, err = f.svc.SubmitStatement(context.Background(), otherUser, []byte(januaryCSV), models.StatementMeta{FileName: "january.csv"})
	assert.NoError(t, err)
}

func TestParseFailureKeepsPreviousTransactions(t *testing.T) {
	f := newFixture(t, nil)
	stmt := f.submit(t, owner, januaryCSV, "a.csv")
	require.Len(t, f.transactions(t, stmt.ID), 3)

	// replace the stored file with content that cannot be parsed
	require.NoError(t, f.files.Save(context.Background(), stmt.FileRef, []byte(brokenCSV)))

	result, err := f.svc.ReprocessStatement(context.Background(), stmt.ID, owner)
	require.NoError(t, err)
	require.Equal(t, reprocess.OutcomeStarted, result.Outcome)
	f.svc.Wait()

	got, err := f.svc.GetStatement(context.Background(), stmt.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Statement.Status)
	assert.NotEmpty(t, got.Statement.ErrorDetail)
	assert.Len(t, got.Transactions, 3, "failed run keeps the last successful parse")
}

// failingParser rejects every file with the same error
type failingParser struct {
	err error
}

func (p failingParser) Parse(ctx context.Context, ref string, fileType models.FileType) ([]models.RawCandidate, error) {
	return nil, p.err
}

func TestParseErrorStoredVerbatim(t *testing.T) {
	parseErr := errors.ParseError(errors.CodeInvalidFormat, "a.csv", fmt.Errorf("export truncated at row 12")).
		WithSuggestion("download the statement again")
	f := newFixture(t, nil, WithParser(failingParser{err: parseErr}))
	stmt := f.submit(t, owner, januaryCSV, "a.csv")

	got, err := f.svc.GetStatement(context.Background(), stmt.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Statement.Status)
	assert.Equal(t, parseErr.Error(), got.Statement.ErrorDetail)
}

func TestInvalidRowFailsStrictParse(t *testing.T) {
	f := newFixture(t, nil)
	stmt := f.submit(t, owner, "date,payee,amount\n2024-01-05,A,-1\nnot a date,B,-2\n", "a.csv")

	got, err := f.svc.GetStatement(context.Background(), stmt.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Statement.Status)
	assert.Empty(t, got.Transactions)
}

func TestSkipInvalidRows(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Normalizer.SkipInvalidRows = true })
	stmt := f.submit(t, owner, "date,payee,amount\n2024-01-05,A,-1\nnot a date,B,-2\n", "a.csv")

	got, err := f.svc.GetStatement(context.Background(), stmt.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusParsed, got.Statement.Status)
	assert.Len(t, got.Transactions, 1)
}

func TestScopeIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	stmt := f.submit(t, owner, januaryCSV, "a.csv")

	_, err := f.svc.GetStatement(ctx, stmt.ID, otherUser)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound), "get: %v", err)

	_, err = f.svc.ReprocessStatement(ctx, stmt.ID, otherUser)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound), "reprocess: %v", err)

	err = f.svc.DeleteStatement(ctx, stmt.ID, otherUser)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound), "delete: %v", err)

	list, err := f.svc.ListStatements(ctx, otherUser)
	require.NoError(t, err)
	assert.Empty(t, list)

	groups, err := f.svc.DetectDuplicates(ctx, otherUser, 0.5)
	require.NoError(t, err)
	assert.Empty(t, groups)

	_, err = f.svc.ListStatements(ctx, models.Scope{})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestConcurrentReprocess(t *testing.T) {
	ctx := context.Background()
	parser := newBlockingParser(nil)
	f := newFixture(t, func(c *Config) { c.Processing.AutoProcess = false }, WithParser(parser))
	stmt := f.submit(t, owner, januaryCSV, "a.csv")

	var wg sync.WaitGroup
	outcomes := make(chan reprocess.Outcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.svc.ReprocessStatement(ctx, stmt.ID, owner)
			if assert.NoError(t, err) {
				outcomes <- result.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[reprocess.Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[reprocess.OutcomeStarted])
	assert.Equal(t, 1, counts[reprocess.OutcomeSkipped])

	close(parser.release)
	f.svc.Wait()

	got, err := f.svc.GetStatement(ctx, stmt.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusParsed, got.Statement.Status)
	assert.Contains(t, f.audit.Actions(), audit.ActionReprocessSkipped)
}

func TestDeleteStatement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	stmt := f.submit(t, owner, januaryCSV, "a.csv")

	require.NoError(t, f.svc.DeleteStatement(ctx, stmt.ID, owner))

	err := f.svc.DeleteStatement(ctx, stmt.ID, owner)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound), "second delete: %v", err)

	txs, err := f.store.Transactions().ListByScope(ctx, owner.Key())
	require.NoError(t, err)
	assert.Empty(t, txs)

	_, err = f.files.Read(ctx, stmt.FileRef)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
}

func TestProcessingTimeout(t *testing.T) {
	parser := newBlockingParser(nil)
	f := newFixture(t, func(c *Config) { c.Processing.Timeout = 20 * time.Millisecond }, WithParser(parser))
	stmt := f.submit(t, owner, januaryCSV, "a.csv")

	got, err := f.svc.GetStatement(context.Background(), stmt.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Statement.Status)
	assert.Equal(t, registry.TimeoutDetail, got.Statement.ErrorDetail)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSweepTimeouts(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	parser := newBlockingParser(nil)
	f := newFixture(t, func(c *Config) {
		c.Processing.Timeout = time.Hour
		c.Processing.StaleAfter = 2 * time.Hour
	}, WithParser(parser), WithRegistryOptions(registry.WithClock(clock.Now)))

	stmt, err := f.svc.SubmitStatement(ctx, owner, []byte(januaryCSV), models.StatementMeta{FileName: "a.csv"})
	require.NoError(t, err)
	<-parser.started

	swept, err := f.svc.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept, "fresh runs are not swept")

	clock.Advance(3 * time.Hour)
	swept, err = f.svc.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	close(parser.release)
	f.svc.Wait()

	got, err := f.svc.GetStatement(ctx, stmt.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Statement.Status, "a late run does not override the sweep")
	assert.Equal(t, registry.TimeoutDetail, got.Statement.ErrorDetail)
	assert.Contains(t, f.audit.Actions(), audit.ActionTimedOut)
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Processing.SweepInterval = time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.svc.RunSweeper(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestDetectDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.submit(t, owner, januaryCSV, "a.csv")
	b := f.submit(t, owner, januaryCopyCSV, "b.csv")

	for _, threshold := range []float64{0, -0.1, 1.5} {
		_, err := f.svc.DetectDuplicates(ctx, owner, threshold)
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation), "threshold %v: %v", threshold, err)
	}

	groups, err := f.svc.DetectDuplicates(ctx, owner, 0.85)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	group := groups[0]
	ids := append([]string{group.Master.ID}, group.MemberIDs()...)
	assert.ElementsMatch(t, []string{
		f.transactions(t, a.ID)[0].ID,
		f.transactions(t, b.ID)[0].ID,
		f.transactions(t, b.ID)[1].ID,
	}, ids)

	var exact int
	for _, m := range group.Members {
		if m.MatchType == models.MatchTypeExact {
			exact++
			assert.Equal(t, 1.0, m.Similarity)
		}
	}
	assert.GreaterOrEqual(t, exact, 1)

	again, err := f.svc.DetectDuplicates(ctx, owner, 0.85)
	require.NoError(t, err)
	assert.Equal(t, groups, again, "detection is read-only and repeatable")
}

func TestMarkDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.transactions(t, f.submit(t, owner, januaryCSV, "a.csv").ID)
	b := f.transactions(t, f.submit(t, owner, januaryCopyCSV, "b.csv").ID)

	acme, acmeCopy, acmeDot := a[0], b[0], b[1]
	globex := a[1]

	result, err := f.svc.MarkDuplicates(ctx, owner, []models.MarkGroup{
		{MasterID: acme.ID, DuplicateIDs: []string{acmeCopy.ID}},
		{MasterID: acmeDot.ID, DuplicateIDs: []string{acmeCopy.ID}},
		{MasterID: acmeDot.ID, DuplicateIDs: []string{globex.ID}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.MarkedCount)
	require.Len(t, result.FailedGroups, 2)
	assert.Equal(t, string(errors.CodeAlreadyGrouped), result.FailedGroups[0].Code)
	assert.Equal(t, string(errors.CodeNotSimilar), result.FailedGroups[1].Code)

	rows, err := f.store.Transactions().GetByIDs(ctx, owner.Key(), []string{acme.ID, acmeCopy.ID, globex.ID})
	require.NoError(t, err)
	assert.False(t, rows[0].IsDuplicate(), "master is never modified")
	require.True(t, rows[1].IsDuplicate())
	assert.Equal(t, acme.ID, *rows[1].DuplicateOfID)
	assert.Equal(t, models.MatchTypeExact, *rows[1].DuplicateMatchType)
	assert.Equal(t, 1.0, *rows[1].DuplicateConfidence)
	assert.False(t, rows[2].IsDuplicate())

	// marking the same group again is an idempotent success
	result, err = f.svc.MarkDuplicates(ctx, owner, []models.MarkGroup{
		{MasterID: acme.ID, DuplicateIDs: []string{acmeCopy.ID}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.MarkedCount)
	assert.Empty(t, result.FailedGroups)

	// a duplicate cannot become a master
	result, err = f.svc.MarkDuplicates(ctx, owner, []models.MarkGroup{
		{MasterID: acmeCopy.ID, DuplicateIDs: []string{acmeDot.ID}},
	})
	require.NoError(t, err)
	require.Len(t, result.FailedGroups, 1)
	assert.Equal(t, string(errors.CodeAlreadyGrouped), result.FailedGroups[0].Code)

	assert.Contains(t, f.audit.Actions(), audit.ActionGroupMarked)
	assert.Contains(t, f.audit.Actions(), audit.ActionGroupRejected)
}

func TestMarkDetectedGroups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.submit(t, owner, rentChainCSV, "rent.csv")

	groups, err := f.svc.DetectDuplicates(ctx, owner, 0.6)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Members, 2)

	group := groups[0]
	transitive := group.Members[1]
	require.True(t, transitive.Transitive, "the last line only matches through the middle one")

	result, err := f.svc.MarkDuplicates(ctx, owner, []models.MarkGroup{
		{MasterID: group.Master.ID, DuplicateIDs: group.MemberIDs()},
	})
	require.NoError(t, err)
	assert.Empty(t, result.FailedGroups)
	assert.Equal(t, 2, result.MarkedCount)

	rows, err := f.store.Transactions().GetByIDs(ctx, owner.Key(), group.MemberIDs())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	byID := map[string]*models.TransactionRecord{rows[0].ID: rows[0], rows[1].ID: rows[1]}
	for _, m := range group.Members {
		row := byID[m.Transaction.ID]
		require.True(t, row.IsDuplicate())
		assert.Equal(t, group.Master.ID, *row.DuplicateOfID)
		assert.Equal(t, m.MatchType, *row.DuplicateMatchType)
		assert.InDelta(t, m.Similarity, *row.DuplicateConfidence, 1e-9)
	}

	// a member unrelated to the rest of the group still fails it
	other := f.transactions(t, f.submit(t, owner, januaryCSV, "a.csv").ID)
	result, err = f.svc.MarkDuplicates(ctx, owner, []models.MarkGroup{
		{MasterID: other[0].ID, DuplicateIDs: []string{other[1].ID, other[2].ID}},
	})
	require.NoError(t, err)
	require.Len(t, result.FailedGroups, 1)
	assert.Equal(t, string(errors.CodeNotSimilar), result.FailedGroups[0].Code)
}

func TestMarkDuplicatesMissingID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.transactions(t, f.submit(t, owner, januaryCSV, "a.csv").ID)
	b := f.transactions(t, f.submit(t, owner, januaryCopyCSV, "b.csv").ID)

	_, err := f.svc.MarkDuplicates(ctx, owner, []models.MarkGroup{
		{MasterID: a[0].ID, DuplicateIDs: []string{b[0].ID}},
		{MasterID: a[0].ID, DuplicateIDs: []string{"no-such-id"}},
	})
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound), "got %v", err)

	rows, err := f.store.Transactions().GetByIDs(ctx, owner.Key(), []string{b[0].ID})
	require.NoError(t, err)
	assert.False(t, rows[0].IsDuplicate(), "nothing is written when an id is missing")

	// ids of another scope are reported the same way
	_, err = f.svc.MarkDuplicates(ctx, otherUser, []models.MarkGroup{
		{MasterID: a[0].ID, DuplicateIDs: []string{b[0].ID}},
	})
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound), "got %v", err)

	_, err = f.svc.MarkDuplicates(ctx, owner, nil)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestReprocessClearsLinksToReplacedTransactions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	stmtA := f.submit(t, owner, januaryCSV, "a.csv")
	a := f.transactions(t, stmtA.ID)
	b := f.transactions(t, f.submit(t, owner, januaryCopyCSV, "b.csv").ID)

	_, err := f.svc.MarkDuplicates(ctx, owner, []models.MarkGroup{
		{MasterID: a[0].ID, DuplicateIDs: []string{b[0].ID}},
	})
	require.NoError(t, err)

	_, err = f.svc.ReprocessStatement(ctx, stmtA.ID, owner)
	require.NoError(t, err)
	f.svc.Wait()

	rows, err := f.store.Transactions().GetByIDs(ctx, owner.Key(), []string{b[0].ID})
	require.NoError(t, err)
	assert.False(t, rows[0].IsDuplicate(), "link to a replaced master is cleared")
}

func TestNewValidatesConfig(t *testing.T) {
	config := DefaultConfig()
	config.Processing.Timeout = 0
	_, err := New(memory.New(), filestore.NewMemory(logger.Discard()), nil, config, logger.Discard())
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	config = DefaultConfig()
	config.Matching.DefaultThreshold = 2
	_, err = New(memory.New(), filestore.NewMemory(logger.Discard()), nil, config, logger.Discard())
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
