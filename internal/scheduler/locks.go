package scheduler

import (
	"context"
	"time"

	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	"go.uber.org/zap"
)

const leaseKeyPrefix = "creditflow:scheduler:lease:"

// leaser is satisfied by ratelimit.Locker.
type leaser interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// withLease runs fn only while this replica holds the job lease. Without a
// configured lease store every replica runs the job. A lease store error
// also runs the job: both jobs are safe to repeat.
func (s *Scheduler) withLease(ctx context.Context, job string, fn func(context.Context) error) error {
	if s.lease == nil {
		return fn(ctx)
	}

	key := leaseKeyPrefix + job
	token, acquired, err := s.lease.TryLock(ctx, key, s.cfg.LeaseTTL)
	if err != nil {
		s.log.Warn("scheduler lease unavailable, running unguarded",
			zap.String("job", job),
			zap.Error(err),
		)
		return fn(ctx)
	}
	if !acquired {
		s.metrics.IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonLeaseHeld)
		s.log.Debug("scheduler lease held elsewhere", zap.String("job", job))
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.lease.Release(releaseCtx, key, token); err != nil {
			s.log.Warn("scheduler lease release failed", zap.String("job", job), zap.Error(err))
		}
	}()
	return fn(ctx)
}
