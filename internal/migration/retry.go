package migration

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/deskbridge/deskbridge/internal/ledger"
	"github.com/deskbridge/deskbridge/internal/logger"
	"github.com/deskbridge/deskbridge/internal/observability/metrics"
)

// RetryResult summarizes one retry-failed pass.
type RetryResult struct {
	Retried   int `json:"retried"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Comments  int `json:"comments"`
	// Missing counts failed entries whose ticket no longer exists in the
	// legacy store. Their ledger rows are kept.
	Missing int `json:"missing"`
}

// RetryFailed re-runs every failed ticket through the per-record path. The
// failed ledger rows of a chunk are deleted in the same transaction that
// reprocesses it, so a rolled back chunk keeps its failed rows. Calling it
// repeatedly is safe.
func (o *Orchestrator) RetryFailed(ctx context.Context) (*RetryResult, error) {
	if o.IsRunning() {
		return nil, ErrAlreadyRunning
	}
	ok, err := o.locker.TryLock(ctx, LockKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	defer func() {
		if err := o.locker.Unlock(context.Background(), LockKey); err != nil {
			o.logger.Warn("failed to release run lock", logger.Error(err))
		}
	}()

	start := time.Now()
	failed, err := o.ledger.Failed(ctx, ledger.DomainTickets)
	if err != nil {
		return nil, err
	}
	result := &RetryResult{Retried: len(failed)}
	if len(failed) == 0 {
		return result, nil
	}

	ids, err := o.mapper.BuildMapping(ctx)
	if err != nil {
		return nil, err
	}

	for chunkStart := 0; chunkStart < len(failed); chunkStart += o.batchSize {
		chunk := failed[chunkStart:min(chunkStart+o.batchSize, len(failed))]
		legacyIDs := make([]int64, len(chunk))
		for i := range chunk {
			legacyIDs[i] = chunk[i].LegacyID
		}

		tickets, err := o.source.TicketsByIDs(ctx, legacyIDs)
		if err != nil {
			return result, err
		}
		result.Missing += len(legacyIDs) - len(tickets)
		if len(tickets) == 0 {
			continue
		}

		var res BatchResult
		err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := o.ledger.WithTx(tx).DeleteFailed(ctx, ledger.DomainTickets, ticketIDs(tickets)); err != nil {
				return err
			}
			var err error
			res, err = o.processor.Process(ctx, tx, tickets, ids)
			return err
		})
		if err != nil {
			o.logger.Error("retry chunk rolled back", logger.Int("size", len(tickets)), logger.Error(err))
			result.Failed += len(tickets)
			o.recordRetries(metrics.OutcomeFailed, len(tickets))
			continue
		}

		result.Processed += res.Processed
		result.Skipped += res.Skipped
		result.Failed += res.Failed
		result.Comments += res.Comments
		o.recordRetries(metrics.OutcomeCompleted, res.Processed)
		o.recordRetries(metrics.OutcomeSkipped, res.Skipped)
		o.recordRetries(metrics.OutcomeFailed, res.Failed)
	}

	o.logger.Info("retry of failed tickets finished",
		logger.Int("retried", result.Retried),
		logger.Int("processed", result.Processed),
		logger.Int("failed", result.Failed),
		logger.Int("missing", result.Missing),
		logger.Duration("duration", time.Since(start)))
	return result, nil
}

func (o *Orchestrator) recordRetries(outcome string, n int) {
	if o.metrics == nil {
		return
	}
	for range n {
		o.metrics.RecordRetry(outcome)
	}
}
