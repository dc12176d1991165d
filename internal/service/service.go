// Package service is the facade over statement ingestion and duplicate
// management. It ties together the registry, the parse runner, the
// reprocessing coordinator, the sweeper and the duplicate detection engine,
// and confines every read and write to the caller's scope.
//
// Example usage:
//
//	svc, err := service.New(st, files, sink, service.DefaultConfig(), log)
//	stmt, err := svc.SubmitStatement(ctx, scope, content, models.StatementMeta{FileName: "jan.csv"})
//	svc.Wait()
//	groups, err := svc.DetectDuplicates(ctx, scope, 0.85)
package service

import (
	"context"

	"statement-ingest-service/internal/audit"
	"statement-ingest-service/internal/filestore"
	"statement-ingest-service/internal/matcher"
	"statement-ingest-service/internal/models"
	"statement-ingest-service/internal/normalizer"
	"statement-ingest-service/internal/parsers"
	"statement-ingest-service/internal/registry"
	"statement-ingest-service/internal/reprocess"
	"statement-ingest-service/internal/store"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

// Service exposes the statement operations
type Service struct {
	store       store.Store
	registry    *registry.Registry
	runner      *runner
	coordinator *reprocess.Coordinator
	sweeper     *Sweeper
	matcher     *matcher.MatchingEngine
	audit       audit.Sink
	config      *Config
	logger      logger.Logger
}

// Option customizes a Service
type Option func(*options)

type options struct {
	parser   CandidateParser
	registry []registry.Option
}

// WithParser replaces the parser dispatcher built from configuration
func WithParser(parser CandidateParser) Option {
	return func(o *options) { o.parser = parser }
}

// WithRegistryOptions passes options to the registry
func WithRegistryOptions(opts ...registry.Option) Option {
	return func(o *options) { o.registry = append(o.registry, opts...) }
}

// New builds the service and its components. A nil sink discards audit events.
func New(st store.Store, files filestore.FileStore, sink audit.Sink, config *Config, log logger.Logger, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "store", nil, nil)
	}
	if config == nil {
		config = DefaultConfig()
	}
	config = config.withDefaults()
	if err := config.Processing.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	reg, err := registry.New(st.Statements(), files, sink,
		&registry.Config{MaxFileSize: config.Processing.MaxFileSize}, log, o.registry...)
	if err != nil {
		return nil, err
	}

	norm, err := normalizer.New(config.Normalizer, log)
	if err != nil {
		return nil, err
	}

	engine, err := matcher.NewMatchingEngine(config.Matching, log)
	if err != nil {
		return nil, err
	}

	parser := o.parser
	if parser == nil {
		dispatcher, err := parsers.NewDispatcher(files, config.Parsers, log)
		if err != nil {
			return nil, err
		}
		parser = dispatcher
	}

	run := &runner{
		registry:   reg,
		parser:     parser,
		normalizer: norm,
		timeout:    config.Processing.Timeout,
		async:      config.Processing.Async,
		logger:     log.WithComponent("parse_runner"),
	}

	svc := &Service{
		store:       st,
		registry:    reg,
		runner:      run,
		coordinator: reprocess.New(reg, run, log),
		sweeper:     NewSweeper(reg, config.Processing.StaleAfter, log),
		matcher:     engine,
		audit:       sink,
		config:      config,
		logger:      log.WithComponent("service"),
	}

	svc.logger.WithFields(logger.Fields{
		"async":        config.Processing.Async,
		"auto_process": config.Processing.AutoProcess,
		"matching":     config.Matching.String(),
	}).Debug("Statement service created")
	return svc, nil
}

// Config returns the active configuration
func (s *Service) Config() *Config {
	return s.config
}

// SubmitStatement registers an upload and, with AutoProcess, starts parsing it
func (s *Service) SubmitStatement(ctx context.Context, scope models.Scope, content []byte, meta models.StatementMeta) (*models.StatementRecord, error) {
	stmt, err := s.registry.Submit(ctx, scope, content, meta)
	if err != nil {
		return nil, err
	}
	if !s.config.Processing.AutoProcess {
		return stmt, nil
	}

	result, err := s.coordinator.Reprocess(ctx, stmt.ID)
	if err != nil {
		// the upload is stored; it stays uploaded until reprocessed
		s.logger.WithError(err).WithField("statement_id", stmt.ID).Warn("Could not start processing after submit")
		return stmt, nil
	}
	if s.config.Processing.Async {
		return result.Statement, nil
	}
	return s.registry.Get(ctx, stmt.ID)
}

// GetStatement returns a statement with the transactions of its last
// successful parse. Statements outside scope are reported as not found.
func (s *Service) GetStatement(ctx context.Context, id string, scope models.Scope) (*models.StatementWithTransactions, error) {
	stmt, err := s.scopedStatement(ctx, id, scope)
	if err != nil {
		return nil, err
	}
	txs, err := s.store.Transactions().ListByStatement(ctx, stmt.ID)
	if err != nil {
		return nil, err
	}
	return &models.StatementWithTransactions{Statement: stmt, Transactions: txs}, nil
}

// ListStatements returns the statements of a scope in creation order
func (s *Service) ListStatements(ctx context.Context, scope models.Scope) ([]*models.StatementRecord, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	return s.registry.ListByScope(ctx, scope)
}

// ReprocessStatement restarts parsing. A statement that is already processing
// is reported with OutcomeSkipped rather than an error.
func (s *Service) ReprocessStatement(ctx context.Context, id string, scope models.Scope) (*reprocess.Result, error) {
	if _, err := s.scopedStatement(ctx, id, scope); err != nil {
		return nil, err
	}
	result, err := s.coordinator.Reprocess(ctx, id)
	if err != nil {
		return nil, err
	}
	if result.Outcome == reprocess.OutcomeStarted && !s.config.Processing.Async {
		stmt, err := s.registry.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		result.Statement = stmt
	}
	return result, nil
}

// DeleteStatement removes a statement, its transactions and its file
func (s *Service) DeleteStatement(ctx context.Context, id string, scope models.Scope) error {
	if _, err := s.scopedStatement(ctx, id, scope); err != nil {
		return err
	}
	return s.registry.Delete(ctx, id)
}

// SweepTimeouts fails statements stuck in processing and returns how many
func (s *Service) SweepTimeouts(ctx context.Context) (int, error) {
	return s.sweeper.SweepOnce(ctx)
}

// RunSweeper sweeps at the configured interval until ctx is cancelled
func (s *Service) RunSweeper(ctx context.Context) error {
	return s.sweeper.Run(ctx, s.config.Processing.SweepInterval)
}

// Wait blocks until background parsing runs have finished
func (s *Service) Wait() {
	s.runner.Wait()
}

func (s *Service) scopedStatement(ctx context.Context, id string, scope models.Scope) (*models.StatementRecord, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	stmt, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !stmt.InScope(scope) {
		return nil, errors.NotFoundError("statement", id)
	}
	return stmt, nil
}

func validateScope(scope models.Scope) error {
	if err := scope.Validate(); err != nil {
		return errors.ValidationError(errors.CodeMissingField, "scope", scope.String(), err)
	}
	return nil
}
