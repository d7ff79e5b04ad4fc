package scheduler

import (
	"context"

	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	"go.uber.org/zap"
)

// EventRetentionJob prunes payment event records older than the retention
// window in batches. Ledger rows are never touched; their unique source
// event id keeps blocking double grants after a record is gone.
func (s *Scheduler) EventRetentionJob(ctx context.Context) error {
	ctx, run, finish := s.beginRun(ctx, JobEventRetention, s.cfg.BatchSize)
	defer finish()
	if s.cfg.EventRetention <= 0 {
		return nil
	}

	cutoff := s.clock.Now().Add(-s.cfg.EventRetention)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		deleted, err := s.pruner.PruneBefore(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			s.metrics.IncBatchDeferred(JobEventRetention, obsmetrics.ClassifySchedulerJobReason(err))
			s.runFailed(ctx, run, "scheduler.retention.failed", err,
				zap.Time("cutoff", cutoff),
			)
			return err
		}
		run.add(int(deleted))
		s.metrics.AddBatchProcessed(JobEventRetention, "payment_events", int(deleted))
		if deleted < int64(s.cfg.BatchSize) {
			return nil
		}
	}
}
