package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditflow/internal/clock"
	idempotencydomain "github.com/smallbiznis/creditflow/internal/idempotency/domain"
	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	"github.com/smallbiznis/creditflow/internal/ratelimit"
	reconciliationdomain "github.com/smallbiznis/creditflow/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobReconciliation = "reconciliation"
	JobEventRetention = "event_retention"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Auditor     reconciliationdomain.Service
	Idempotency idempotencydomain.Service
	Locker      *ratelimit.Locker            `optional:"true"`
	Metrics     *obsmetrics.SchedulerMetrics `optional:"true"`
	Config      Config                       `optional:"true"`
}

// eventPruner is the part of the idempotency store the retention job needs.
type eventPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	auditor reconciliationdomain.Service
	pruner  eventPruner
	lease   leaser
	metrics *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Auditor == nil || p.Idempotency == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		genID:   p.GenID,
		clock:   p.Clock,
		auditor: p.Auditor,
		pruner:  p.Idempotency,
		metrics: p.Metrics,
	}
	if s.metrics == nil {
		s.metrics = obsmetrics.Scheduler()
	}
	if p.Locker != nil {
		s.lease = p.Locker
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, finish := s.beginRun(ctx, name, batchSize)
	log := s.logger(ctx).With(zap.String("job", name))
	s.metrics.IncJobRun(name)

	err := s.withLease(ctx, name, fn)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err != nil && run.failures == 0 {
		run.failures++
	}
	finish()
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout; the next tick picks the work up again.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobReconciliation, s.isJobEnabled(JobReconciliation), func(ctx context.Context) error {
			return s.runJob(ctx, JobReconciliation, s.cfg.BatchSize, s.cfg.JobTimeout, s.ReconciliationJob)
		}},
		{JobEventRetention, s.cfg.EventRetention > 0 && s.isJobEnabled(JobEventRetention), func(ctx context.Context) error {
			return s.runJob(ctx, JobEventRetention, s.cfg.BatchSize, s.cfg.JobTimeout, s.EventRetentionJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty means every job runs (single binary mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ReconciliationJob runs one audit pass over every account.
func (s *Scheduler) ReconciliationJob(ctx context.Context) error {
	ctx, run, finish := s.beginRun(ctx, JobReconciliation, s.cfg.BatchSize)
	defer finish()

	report, err := s.auditor.Audit(ctx, reconciliationdomain.AuditRequest{Deep: s.cfg.DeepAudit})
	if err != nil {
		s.runFailed(ctx, run, "scheduler.reconciliation.failed", err)
		return err
	}

	run.add(report.AccountsChecked)
	s.metrics.AddBatchProcessed(JobReconciliation, "accounts", report.AccountsChecked)
	if !report.Clean() {
		s.logger(ctx).Warn("scheduler.reconciliation.mismatches",
			zap.String("report_id", report.ID),
			zap.Int("mismatches", len(report.Mismatches)),
		)
	}
	return nil
}
