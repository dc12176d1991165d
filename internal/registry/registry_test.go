package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"statement-ingest-service/internal/audit"
	"statement-ingest-service/internal/filestore"
	"statement-ingest-service/internal/models"
	"statement-ingest-service/internal/store/memory"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

const sampleCSV = "date,payee,amount\n2024-01-05,ACME,-10.00\n"

type fixture struct {
	registry *Registry
	store    *memory.Store
	files    *filestore.AferoStore
	audit    *audit.Recorder
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T, config *Config) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		files: filestore.NewMemory(logger.Discard()),
		audit: audit.NewRecorder(),
		clock: &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	reg, err := New(f.store.Statements(), f.files, f.audit, config, logger.Discard(), WithClock(f.clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.registry = reg
	return f
}

func (f *fixture) submit(t *testing.T, scope models.Scope, content, name string) *models.StatementRecord {
	t.Helper()
	record, err := f.registry.Submit(context.Background(), scope, []byte(content), models.StatementMeta{FileName: name})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return record
}

var owner = models.Scope{OwnerID: "u1"}

func TestSubmit(t *testing.T) {
	f := newFixture(t, nil)
	record := f.submit(t, owner, sampleCSV, "january.csv")

	if record.Status != models.StatusUploaded {
		t.Errorf("Status = %s, want uploaded", record.Status)
	}
	if record.FileType != models.FileTypeCSV {
		t.Errorf("FileType = %s, want csv", record.FileType)
	}
	if record.ScopeKey != "owner:u1" {
		t.Errorf("ScopeKey = %s", record.ScopeKey)
	}
	if record.FileSize != int64(len(sampleCSV)) {
		t.Errorf("FileSize = %d", record.FileSize)
	}

	content, err := f.files.Read(context.Background(), record.FileRef)
	if err != nil {
		t.Fatalf("stored file: %v", err)
	}
	if string(content) != sampleCSV {
		t.Errorf("stored content mismatch: %q", content)
	}

	if got := f.audit.Actions(); len(got) != 1 || got[0] != audit.ActionSubmitted {
		t.Errorf("audit actions = %v", got)
	}
}

func TestSubmitDuplicateContent(t *testing.T) {
	f := newFixture(t, nil)
	first := f.submit(t, owner, sampleCSV, "a.csv")

	_, err := f.registry.Submit(context.Background(), owner, []byte(sampleCSV), models.StatementMeta{FileName: "renamed.csv"})
	if !errors.HasCode(err, errors.CodeAlreadyExists) {
		t.Fatalf("expected already_exists conflict, got %v", err)
	}
	if serviceErr, ok := errors.AsServiceError(err); !ok || serviceErr.Context["existing_id"] != first.ID {
		t.Errorf("conflict should name the existing statement, got %v", err)
	}

	// same bytes in another scope are independent
	other := f.submit(t, models.Scope{WorkspaceID: "w1", OwnerID: "u1"}, sampleCSV, "a.csv")
	if other.ScopeKey != "workspace:w1" {
		t.Errorf("workspace scope key = %s", other.ScopeKey)
	}

	// the first record's file is untouched
	if _, err := f.files.Read(context.Background(), first.FileRef); err != nil {
		t.Errorf("file of first upload missing: %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name     string
		scope    models.Scope
		content  string
		meta     models.StatementMeta
		wantCode errors.ErrorCode
	}{
		{"no scope", models.Scope{}, sampleCSV, models.StatementMeta{FileName: "a.csv"}, errors.CodeMissingField},
		{"empty content", owner, "", models.StatementMeta{FileName: "a.csv"}, errors.CodeMissingField},
		{"no file name", owner, sampleCSV, models.StatementMeta{FileName: "  "}, errors.CodeMissingField},
		{"unsupported extension", owner, sampleCSV, models.StatementMeta{FileName: "a.pdf"}, errors.CodeUnsupportedType},
		{"unsupported declared type", owner, sampleCSV, models.StatementMeta{FileName: "a.csv", FileType: "pdf"}, errors.CodeUnsupportedType},
		{"too large", owner, sampleCSV + sampleCSV, models.StatementMeta{FileName: "a.csv"}, errors.CodeOutOfRange},
	}

	f := newFixture(t, &Config{MaxFileSize: int64(len(sampleCSV))})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.registry.Submit(context.Background(), tt.scope, []byte(tt.content), tt.meta)
			if !errors.IsCategory(err, errors.CategoryValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !errors.HasCode(err, tt.wantCode) {
				t.Errorf("code = %s, want %s", errors.CodeOf(err), tt.wantCode)
			}
		})
	}
}

func TestSubmitDeclaredTypeWins(t *testing.T) {
	f := newFixture(t, nil)
	record, err := f.registry.Submit(context.Background(), owner, []byte("PK"), models.StatementMeta{FileName: "export", FileType: "XLSX"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if record.FileType != models.FileTypeXLSX {
		t.Errorf("FileType = %s, want xlsx", record.FileType)
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	record := f.submit(t, owner, sampleCSV, "a.csv")

	processing, err := f.registry.StartProcessing(ctx, record.ID)
	if err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}
	if processing.Status != models.StatusProcessing || processing.ProcessingStartedAt == nil {
		t.Errorf("unexpected processing record %+v", processing)
	}

	_, err = f.registry.StartProcessing(ctx, record.ID)
	if !errors.HasCode(err, errors.CodeAlreadyProcessing) {
		t.Errorf("second start should report already_processing, got %v", err)
	}

	txs := []*models.TransactionRecord{{
		RowNumber:       2,
		TransactionDate: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		Debit:           1000,
	}}
	parsed, err := f.registry.CompleteParsing(ctx, record.ID, txs)
	if err != nil {
		t.Fatalf("CompleteParsing: %v", err)
	}
	if parsed.Status != models.StatusParsed || parsed.TransactionCount != 1 {
		t.Errorf("unexpected parsed record %+v", parsed)
	}
	if txs[0].ID == "" || txs[0].CreatedAt.IsZero() {
		t.Error("CompleteParsing should assign id and creation time")
	}

	stored, err := f.store.Transactions().ListByStatement(ctx, record.ID)
	if err != nil || len(stored) != 1 || stored[0].ScopeKey != "owner:u1" {
		t.Fatalf("stored transactions = %+v, %v", stored, err)
	}

	if _, err := f.registry.CompleteParsing(ctx, record.ID, nil); !errors.HasCode(err, errors.CodeNotProcessing) {
		t.Errorf("completing a parsed statement should fail with not_processing, got %v", err)
	}

	if _, err := f.registry.StartProcessing(ctx, record.ID); err != nil {
		t.Fatalf("reprocess start: %v", err)
	}
	failed, err := f.registry.FailParsing(ctx, record.ID, "row 2: invalid date")
	if err != nil {
		t.Fatalf("FailParsing: %v", err)
	}
	if failed.Status != models.StatusError || failed.ErrorDetail != "row 2: invalid date" {
		t.Errorf("unexpected failed record %+v", failed)
	}

	kept, _ := f.store.Transactions().ListByStatement(ctx, record.ID)
	if len(kept) != 1 {
		t.Errorf("failure must keep previously parsed transactions, got %d", len(kept))
	}

	want := []audit.Action{
		audit.ActionSubmitted,
		audit.ActionProcessing,
		audit.ActionParsed,
		audit.ActionProcessing,
		audit.ActionFailed,
	}
	got := f.audit.Actions()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("audit actions = %v, want %v", got, want)
	}
}

func TestStartProcessingUnknown(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.registry.StartProcessing(context.Background(), "missing")
	if !errors.IsCategory(err, errors.CategoryNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestConcurrentStartProcessing(t *testing.T) {
	f := newFixture(t, nil)
	record := f.submit(t, owner, sampleCSV, "a.csv")

	const callers = 10
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.registry.StartProcessing(context.Background(), record.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	won, skipped := 0, 0
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.HasCode(err, errors.CodeAlreadyProcessing):
			skipped++
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if won != 1 || skipped != callers-1 {
		t.Errorf("won=%d skipped=%d, want exactly one winner", won, skipped)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	record := f.submit(t, owner, sampleCSV, "a.csv")

	if err := f.registry.Delete(ctx, record.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.registry.Get(ctx, record.ID); !errors.IsCategory(err, errors.CategoryNotFound) {
		t.Errorf("deleted statement still readable: %v", err)
	}
	if _, err := f.files.Read(ctx, record.FileRef); !errors.IsCategory(err, errors.CategoryNotFound) {
		t.Errorf("file should be removed, got %v", err)
	}
	if err := f.registry.Delete(ctx, record.ID); !errors.IsCategory(err, errors.CategoryNotFound) {
		t.Errorf("second delete should be not found, got %v", err)
	}

	// content can be uploaded again after deletion
	f.submit(t, owner, sampleCSV, "a.csv")
}

type brokenDeletes struct {
	filestore.FileStore
}

func (brokenDeletes) Delete(ctx context.Context, ref string) error {
	return errors.StorageError(errors.CodeFileStore, "delete", fmt.Errorf("bucket unavailable"))
}

func TestDeleteFileFailureIsAudited(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	rec := audit.NewRecorder()
	reg, err := New(st.Statements(), brokenDeletes{filestore.NewMemory(logger.Discard())}, rec, nil, logger.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	record, err := reg.Submit(ctx, owner, []byte(sampleCSV), models.StatementMeta{FileName: "a.csv"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := reg.Delete(ctx, record.ID); err != nil {
		t.Fatalf("Delete should succeed once records are gone, got %v", err)
	}

	got := rec.Actions()
	if len(got) != 3 || got[1] != audit.ActionFileDeleteFailed || got[2] != audit.ActionDeleted {
		t.Errorf("audit actions = %v", got)
	}
}

func TestListStaleProcessing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	old := f.submit(t, owner, sampleCSV, "old.csv")
	if _, err := f.registry.StartProcessing(ctx, old.ID); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}

	f.clock.Advance(10 * time.Minute)
	fresh := f.submit(t, owner, sampleCSV+"2024-01-06,X,1\n", "fresh.csv")
	if _, err := f.registry.StartProcessing(ctx, fresh.ID); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}

	stale, err := f.registry.ListStaleProcessing(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ListStaleProcessing: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Errorf("stale = %v, want only %s", stale, old.ID)
	}

	if _, err := f.registry.FailParsing(ctx, old.ID, TimeoutDetail); err != nil {
		t.Fatalf("FailParsing: %v", err)
	}
	last := f.audit.Events()[len(f.audit.Events())-1]
	if last.Action != audit.ActionTimedOut || last.Detail != TimeoutDetail {
		t.Errorf("last audit event = %+v", last)
	}
}
