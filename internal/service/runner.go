package service

import (
	"context"
	"sync"
	"time"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/internal/normalizer"
	"statement-ingest-service/internal/registry"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

// finalizeTimeout bounds the write that records a failed run, which must
// happen even when the run's own deadline has passed
const finalizeTimeout = 10 * time.Second

// CandidateParser extracts raw candidates from a stored statement file
type CandidateParser interface {
	Parse(ctx context.Context, ref string, fileType models.FileType) ([]models.RawCandidate, error)
}

// runner executes parsing runs for statements already moved to processing
type runner struct {
	registry   *registry.Registry
	parser     CandidateParser
	normalizer *normalizer.Normalizer
	timeout    time.Duration
	async      bool
	wg         sync.WaitGroup
	logger     logger.Logger
}

// Process parses stmt in the background, or inline when async is off. The
// run is detached from ctx cancellation and bounded by the processing timeout.
func (r *runner) Process(ctx context.Context, stmt *models.StatementRecord) {
	parent := context.WithoutCancel(ctx)
	if !r.async {
		r.run(parent, stmt)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(parent, stmt)
	}()
}

// Wait blocks until every background run has finished
func (r *runner) Wait() {
	r.wg.Wait()
}

func (r *runner) run(parent context.Context, stmt *models.StatementRecord) {
	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	log := r.logger.WithFields(logger.Fields{
		"statement_id": stmt.ID,
		"file_ref":     stmt.FileRef,
		"file_type":    string(stmt.FileType),
	})

	err := logger.TimedOperation("parse_statement", log, func() error {
		return r.parse(ctx, stmt, log)
	})
	if err == nil {
		return
	}

	// parser failures are stored as reported
	detail := err.Error()
	if !errors.IsCategory(err, errors.CategoryParse) {
		detail = errors.Describe(err)
	}
	if ctx.Err() != nil {
		detail = registry.TimeoutDetail
	}
	r.fail(parent, stmt.ID, detail, log)
}

func (r *runner) parse(ctx context.Context, stmt *models.StatementRecord, log logger.Logger) error {
	candidates, err := r.parser.Parse(ctx, stmt.FileRef, stmt.FileType)
	if err != nil {
		return err
	}

	result, err := r.normalizer.NormalizeAll(candidates)
	if err != nil {
		return err
	}
	if len(result.Skipped) > 0 {
		log.WithField("skipped_rows", len(result.Skipped)).Warn("Invalid rows skipped")
	}

	if ctx.Err() != nil {
		return errors.TimeoutError("parse_statement", stmt.ID)
	}

	_, err = r.registry.CompleteParsing(ctx, stmt.ID, result.Transactions)
	if errors.HasCode(err, errors.CodeNotProcessing) {
		// the sweeper or a delete got there first
		log.WithError(err).Warn("Statement left processing before the run finished")
		return nil
	}
	return err
}

func (r *runner) fail(parent context.Context, id, detail string, log logger.Logger) {
	ctx, cancel := context.WithTimeout(parent, finalizeTimeout)
	defer cancel()

	_, err := r.registry.FailParsing(ctx, id, detail)
	switch {
	case err == nil:
	case errors.HasCode(err, errors.CodeNotProcessing), errors.IsCategory(err, errors.CategoryNotFound):
		log.WithError(err).Debug("Statement no longer processing, failure not recorded")
	default:
		log.WithError(err).Error("Failed to record parse failure")
	}
}
