package service

import (
	"context"
	"time"

	"statement-ingest-service/internal/registry"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

// Sweeper fails statements stuck in processing, for instance after a crash
// interrupted their run
type Sweeper struct {
	registry   *registry.Registry
	staleAfter time.Duration
	logger     logger.Logger
}

// NewSweeper creates a sweeper failing statements processing for longer than staleAfter
func NewSweeper(reg *registry.Registry, staleAfter time.Duration, log logger.Logger) *Sweeper {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Sweeper{registry: reg, staleAfter: staleAfter, logger: log.WithComponent("sweeper")}
}

// SweepOnce fails every stale statement with detail "timeout" and returns how
// many were failed. A statement that finished in the meantime is skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	stale, err := s.registry.ListStaleProcessing(ctx, s.staleAfter)
	if err != nil {
		return 0, err
	}

	swept := 0
	var firstErr error
	for _, stmt := range stale {
		_, err := s.registry.FailParsing(ctx, stmt.ID, registry.TimeoutDetail)
		switch {
		case err == nil:
			swept++
		case errors.HasCode(err, errors.CodeNotProcessing), errors.IsCategory(err, errors.CategoryNotFound):
		default:
			s.logger.WithError(err).WithField("statement_id", stmt.ID).Error("Failed to time out statement")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if swept > 0 {
		s.logger.WithFields(logger.Fields{
			"swept":       swept,
			"stale_after": s.staleAfter.String(),
		}).Warn("Timed out stale statements")
	}
	return swept, firstErr
}

// Run sweeps every interval until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.WithField("interval", interval.String()).Info("Sweeper started")
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Warn("Sweep pass failed")
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
