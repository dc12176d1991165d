// Package registry owns the lifecycle of uploaded statements.
//
// A statement is created in status uploaded and moves between the states
//
//	uploaded   -> processing
//	processing -> parsed | error
//	parsed     -> processing (reprocess)
//	error      -> processing (reprocess)
//
// Every transition is a conditional write in the store, so two callers racing
// to start processing observe exactly one winner. The loser receives an
// InvalidState error with code already_processing.
package registry

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"statement-ingest-service/internal/audit"
	"statement-ingest-service/internal/filestore"
	"statement-ingest-service/internal/hasher"
	"statement-ingest-service/internal/models"
	"statement-ingest-service/internal/store"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

// Config holds registry limits
type Config struct {
	// MaxFileSize rejects larger uploads; zero disables the check
	MaxFileSize int64 `mapstructure:"max_file_size" json:"max_file_size"`
}

// DefaultConfig allows uploads up to 50 MiB
func DefaultConfig() *Config {
	return &Config{MaxFileSize: 50 << 20}
}

// Validate checks the registry configuration
func (c *Config) Validate() error {
	if c.MaxFileSize < 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "processing.max_file_size", c.MaxFileSize, nil)
	}
	return nil
}

// Option customizes a Registry
type Option func(*Registry)

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator replaces the id source
func WithIDGenerator(newID func() string) Option {
	return func(r *Registry) { r.newID = newID }
}

// Registry manages statement records and their stored files
type Registry struct {
	statements store.StatementRepository
	files      filestore.FileStore
	audit      audit.Sink
	config     *Config
	now        func() time.Time
	newID      func() string
	logger     logger.Logger
}

// New creates a Registry. A nil sink discards audit events.
func New(statements store.StatementRepository, files filestore.FileStore, sink audit.Sink, config *Config, log logger.Logger, opts ...Option) (*Registry, error) {
	if statements == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "statements", nil, nil)
	}
	if files == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "files", nil, nil)
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	r := &Registry{
		statements: statements,
		files:      files,
		audit:      sink,
		config:     config,
		now:        defaultNow,
		newID:      uuid.NewString,
		logger:     log.WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Timestamps are kept at microsecond precision so they survive a round trip
// through postgres unchanged.
func defaultNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Submit registers a new statement. Identical content already registered in
// the same scope is rejected with a conflict, whatever the file name.
func (r *Registry) Submit(ctx context.Context, scope models.Scope, content []byte, meta models.StatementMeta) (*models.StatementRecord, error) {
	fileType, err := r.validateSubmission(scope, content, meta)
	if err != nil {
		return nil, err
	}

	scopeKey := scope.Key()
	hash := hasher.Hash(content)
	log := r.logger.WithFields(logger.Fields{
		"scope":        scopeKey,
		"content_hash": hash,
		"file_name":    meta.FileName,
	})

	existing, err := r.statements.FindByHash(ctx, scopeKey, hash)
	switch {
	case err == nil:
		log.WithField("existing_id", existing.ID).Info("Duplicate upload rejected")
		return nil, errors.ConflictError(errors.CodeAlreadyExists, "statement", hash).
			WithContext("existing_id", existing.ID)
	case !errors.IsCategory(err, errors.CategoryNotFound):
		return nil, err
	}

	ref := filestore.NewRef(scopeKey, hash, meta.FileName)
	if err := r.files.Save(ctx, ref, content); err != nil {
		return nil, err
	}

	now := r.now()
	record := &models.StatementRecord{
		ID:          r.newID(),
		WorkspaceID: strings.TrimSpace(scope.WorkspaceID),
		OwnerID:     strings.TrimSpace(scope.OwnerID),
		ScopeKey:    scopeKey,
		ContentHash: hash,
		FileName:    strings.TrimSpace(meta.FileName),
		FileType:    fileType,
		FileRef:     ref,
		FileSize:    int64(len(content)),
		Status:      models.StatusUploaded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.statements.Create(ctx, record); err != nil {
		if errors.IsCategory(err, errors.CategoryConflict) {
			r.discardRacedFile(ctx, scopeKey, hash, ref, log)
		}
		return nil, err
	}

	log.WithField("statement_id", record.ID).Info("Statement submitted")
	r.record(ctx, audit.ActionSubmitted, record, "")
	return record.Clone(), nil
}

func (r *Registry) validateSubmission(scope models.Scope, content []byte, meta models.StatementMeta) (models.FileType, error) {
	if err := scope.Validate(); err != nil {
		return "", errors.ValidationError(errors.CodeMissingField, "scope", scope.String(), err)
	}
	if len(content) == 0 {
		return "", errors.ValidationError(errors.CodeMissingField, "content", 0, nil).
			WithSuggestion("upload a non-empty statement file")
	}
	if strings.TrimSpace(meta.FileName) == "" {
		return "", errors.ValidationError(errors.CodeMissingField, "fileName", meta.FileName, nil)
	}
	if r.config.MaxFileSize > 0 && int64(len(content)) > r.config.MaxFileSize {
		return "", errors.ValidationError(errors.CodeOutOfRange, "content", len(content), nil).
			WithContext("max_file_size", r.config.MaxFileSize)
	}

	typeName := meta.FileType
	if strings.TrimSpace(typeName) == "" {
		typeName = filepath.Ext(meta.FileName)
	}
	fileType, err := models.ParseFileType(typeName)
	if err != nil {
		return "", errors.ValidationError(errors.CodeUnsupportedType, "fileType", typeName, err).
			WithSuggestion("upload a .csv or .xlsx statement")
	}
	return fileType, nil
}

// discardRacedFile removes the file saved by a submission that lost the
// create race, unless the winning record references the same object.
func (r *Registry) discardRacedFile(ctx context.Context, scopeKey, hash, ref string, log logger.Logger) {
	if winner, err := r.statements.FindByHash(ctx, scopeKey, hash); err == nil && winner.FileRef == ref {
		return
	}
	if err := r.files.Delete(ctx, ref); err != nil && !errors.IsCategory(err, errors.CategoryNotFound) {
		log.WithError(err).WithField("file_ref", ref).Warn("Failed to remove file of rejected upload")
	}
}

// Get returns a statement by id
func (r *Registry) Get(ctx context.Context, id string) (*models.StatementRecord, error) {
	return r.statements.Get(ctx, id)
}

// ListByScope returns the statements of a scope in creation order
func (r *Registry) ListByScope(ctx context.Context, scope models.Scope) ([]*models.StatementRecord, error) {
	return r.statements.ListByScope(ctx, scope.Key())
}

// StartProcessing moves a statement to processing. A statement that is
// already processing yields CodeAlreadyProcessing.
func (r *Registry) StartProcessing(ctx context.Context, id string) (*models.StatementRecord, error) {
	record, err := r.statements.TransitionToProcessing(ctx, id, r.now())
	if err != nil {
		return nil, err
	}
	r.logger.WithField("statement_id", id).Debug("Statement processing started")
	r.record(ctx, audit.ActionProcessing, record, "")
	return record, nil
}

// CompleteParsing stores the parsed transactions, replacing the previous
// set, and marks the statement parsed. Ids and creation times are assigned
// here.
func (r *Registry) CompleteParsing(ctx context.Context, id string, txs []*models.TransactionRecord) (*models.StatementRecord, error) {
	now := r.now()
	for _, tx := range txs {
		if tx.ID == "" {
			tx.ID = r.newID()
		}
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = now
		}
	}

	record, err := r.statements.CompleteParsing(ctx, id, txs, now)
	if err != nil {
		return nil, err
	}

	r.logger.WithFields(logger.Fields{
		"statement_id": id,
		"transactions": len(txs),
	}).Info("Statement parsed")
	event := audit.NewEvent(audit.ActionParsed, record.ScopeKey, record.ID)
	event.Status = string(record.Status)
	r.emit(ctx, event.With("transactions", strconv.Itoa(len(txs))))
	return record, nil
}

// FailParsing marks a processing statement as errored with detail
func (r *Registry) FailParsing(ctx context.Context, id string, detail string) (*models.StatementRecord, error) {
	record, err := r.statements.FailParsing(ctx, id, detail, r.now())
	if err != nil {
		return nil, err
	}

	action := audit.ActionFailed
	if detail == TimeoutDetail {
		action = audit.ActionTimedOut
	}
	r.logger.WithFields(logger.Fields{
		"statement_id": id,
		"detail":       detail,
	}).Warn("Statement processing failed")
	r.record(ctx, action, record, detail)
	return record, nil
}

// TimeoutDetail is the error detail of statements failed by the sweeper
const TimeoutDetail = "timeout"

// ListStaleProcessing returns statements processing for longer than olderThan
func (r *Registry) ListStaleProcessing(ctx context.Context, olderThan time.Duration) ([]*models.StatementRecord, error) {
	return r.statements.ListStaleProcessing(ctx, r.now().Add(-olderThan))
}

// Delete removes the statement, its transactions and its file. Once the
// records are gone a failing file delete is only logged and audited.
func (r *Registry) Delete(ctx context.Context, id string) error {
	record, err := r.statements.Delete(ctx, id)
	if err != nil {
		return err
	}

	log := r.logger.WithFields(logger.Fields{
		"statement_id": id,
		"file_ref":     record.FileRef,
	})

	if err := r.files.Delete(ctx, record.FileRef); err != nil && !errors.IsCategory(err, errors.CategoryNotFound) {
		log.WithError(err).Error("Statement file could not be deleted")
		r.record(ctx, audit.ActionFileDeleteFailed, record, errors.Describe(err))
	}

	log.Info("Statement deleted")
	r.record(ctx, audit.ActionDeleted, record, "")
	return nil
}

// Audit records an event about record through the registry's sink
func (r *Registry) Audit(ctx context.Context, action audit.Action, record *models.StatementRecord, detail string) {
	r.record(ctx, action, record, detail)
}

func (r *Registry) record(ctx context.Context, action audit.Action, record *models.StatementRecord, detail string) {
	event := audit.NewEvent(action, record.ScopeKey, record.ID)
	event.Status = string(record.Status)
	event.Detail = detail
	r.emit(ctx, event)
}

func (r *Registry) emit(ctx context.Context, event audit.Event) {
	if err := r.audit.Record(ctx, event); err != nil {
		r.logger.WithError(err).WithField("action", string(event.Action)).Warn("Audit event dropped")
	}
}
