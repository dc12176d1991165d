// Package reprocess restarts parsing of a statement. It holds no lock of its
// own: the registry's conditional transition to processing decides which of
// several concurrent callers starts the work.
package reprocess

import (
	"context"

	"statement-ingest-service/internal/audit"
	"statement-ingest-service/internal/models"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

// Outcome tells whether a reprocess request started parsing
type Outcome string

const (
	OutcomeStarted Outcome = "started"
	// OutcomeSkipped means the statement was already processing; it is not an error
	OutcomeSkipped Outcome = "skipped"
)

// Result is the outcome of a reprocess request and the statement as observed
type Result struct {
	Statement *models.StatementRecord `json:"statement"`
	Outcome   Outcome                 `json:"outcome"`
}

// Lifecycle is the part of the registry the coordinator drives
type Lifecycle interface {
	Get(ctx context.Context, id string) (*models.StatementRecord, error)
	StartProcessing(ctx context.Context, id string) (*models.StatementRecord, error)
	Audit(ctx context.Context, action audit.Action, record *models.StatementRecord, detail string)
}

// Runner parses a statement that has been moved to processing
type Runner interface {
	Process(ctx context.Context, stmt *models.StatementRecord)
}

// Coordinator starts parsing runs
type Coordinator struct {
	lifecycle Lifecycle
	runner    Runner
	logger    logger.Logger
}

// New creates a Coordinator
func New(lifecycle Lifecycle, runner Runner, log logger.Logger) *Coordinator {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Coordinator{
		lifecycle: lifecycle,
		runner:    runner,
		logger:    log.WithComponent("reprocess"),
	}
}

// Reprocess moves the statement to processing and hands it to the runner.
// When another caller already started processing, the current record is
// returned with OutcomeSkipped.
func (c *Coordinator) Reprocess(ctx context.Context, id string) (*Result, error) {
	log := c.logger.WithField("statement_id", id)

	stmt, err := c.lifecycle.StartProcessing(ctx, id)
	if errors.HasCode(err, errors.CodeAlreadyProcessing) {
		current, getErr := c.lifecycle.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		log.Info("Statement already processing, reprocess skipped")
		c.lifecycle.Audit(ctx, audit.ActionReprocessSkipped, current, "")
		return &Result{Statement: current, Outcome: OutcomeSkipped}, nil
	}
	if err != nil {
		return nil, err
	}

	log.Debug("Handing statement to parse runner")
	c.runner.Process(ctx, stmt)
	return &Result{Statement: stmt, Outcome: OutcomeStarted}, nil
}
