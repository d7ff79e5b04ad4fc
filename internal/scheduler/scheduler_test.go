package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditflow/internal/clock"
	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	"github.com/smallbiznis/creditflow/internal/ratelimit"
	reconciliationdomain "github.com/smallbiznis/creditflow/internal/reconciliation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAuditor struct {
	mu    sync.Mutex
	calls []reconciliationdomain.AuditRequest
	err   error
}

func (f *fakeAuditor) Audit(_ context.Context, req reconciliationdomain.AuditRequest) (*reconciliationdomain.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &reconciliationdomain.Report{ID: "01TEST", AccountsChecked: 3}, nil
}

func (f *fakeAuditor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePruner struct {
	batches []int64
	cutoffs []time.Time
	err     error
}

func (f *fakePruner) PruneBefore(_ context.Context, cutoff time.Time, _ int) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	if f.err != nil {
		return 0, f.err
	}
	if len(f.batches) == 0 {
		return 0, nil
	}
	n := f.batches[0]
	f.batches = f.batches[1:]
	return n, nil
}

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, cfg Config, auditor *fakeAuditor, pruner *fakePruner) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return &Scheduler{
		log:     zap.NewNop(),
		cfg:     cfg.withDefaults(),
		genID:   node,
		clock:   clock.NewFakeClock(testNow),
		auditor: auditor,
		pruner:  pruner,
		metrics: obsmetrics.Scheduler(),
	}
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	s := newTestScheduler(t, Config{}, &fakeAuditor{}, &fakePruner{})
	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "creditflow",
		"env":     "test",
		"job":     "timeout_job",
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "creditflow_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "creditflow",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "creditflow_scheduler_job_errors_total", errorLabels))
}

func TestRunJobWrapsHardErrors(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	auditor := &fakeAuditor{err: errors.New("boom")}
	s := newTestScheduler(t, Config{EnabledJobs: []string{JobReconciliation}}, auditor, &fakePruner{})

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "reconciliation: boom")
	assert.Equal(t, 1, auditor.count())
}

func TestReconciliationJobPassesDeepFlag(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	auditor := &fakeAuditor{}
	s := newTestScheduler(t, Config{DeepAudit: true}, auditor, &fakePruner{})

	require.NoError(t, s.RunOnce(context.Background()))
	require.Equal(t, 1, auditor.count())
	assert.True(t, auditor.calls[0].Deep)
	assert.Empty(t, auditor.calls[0].AccountIDs)

	processed := map[string]string{
		"service":  "creditflow",
		"env":      "test",
		"job":      JobReconciliation,
		"resource": "accounts",
	}
	assert.Equal(t, float64(3), getCounterValue(t, registry, "creditflow_scheduler_batch_processed_total", processed))
}

func TestEventRetentionPrunesInBatches(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	pruner := &fakePruner{batches: []int64{2, 2, 1}}
	s := newTestScheduler(t, Config{BatchSize: 2, EventRetention: 30 * 24 * time.Hour}, &fakeAuditor{}, pruner)

	require.NoError(t, s.runJob(context.Background(), JobEventRetention, 2, time.Second, s.EventRetentionJob))
	require.Len(t, pruner.cutoffs, 3)
	assert.Equal(t, testNow.Add(-30*24*time.Hour), pruner.cutoffs[0])

	processed := map[string]string{
		"service":  "creditflow",
		"env":      "test",
		"job":      JobEventRetention,
		"resource": "payment_events",
	}
	assert.Equal(t, float64(5), getCounterValue(t, registry, "creditflow_scheduler_batch_processed_total", processed))
}

func TestRunOnceSkipsRetentionWhenDisabled(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	pruner := &fakePruner{}
	auditor := &fakeAuditor{}
	s := newTestScheduler(t, Config{}, auditor, pruner)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, auditor.count())
	assert.Empty(t, pruner.cutoffs)
}

func TestRunOnceHonoursJobLease(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	auditor := &fakeAuditor{}
	s := newTestScheduler(t, Config{EnabledJobs: []string{JobReconciliation}}, auditor, &fakePruner{})
	s.lease = ratelimit.NewLocker(client)

	key := leaseKeyPrefix + JobReconciliation
	require.NoError(t, srv.Set(key, "other-replica"))

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 0, auditor.count())

	deferred := map[string]string{
		"service": "creditflow",
		"env":     "test",
		"job":     JobReconciliation,
		"reason":  obsmetrics.SchedulerBatchDeferredReasonLeaseHeld,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "creditflow_scheduler_batch_deferred_total", deferred))

	got, err := srv.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "other-replica", got)

	srv.Del(key)
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, auditor.count())
	assert.False(t, srv.Exists(key))
}

func TestIsJobEnabled(t *testing.T) {
	s := &Scheduler{}
	assert.True(t, s.isJobEnabled(JobReconciliation))

	s.cfg.EnabledJobs = []string{"Reconciliation"}
	assert.True(t, s.isJobEnabled(JobReconciliation))
	assert.False(t, s.isJobEnabled(JobEventRetention))
}

func TestProvideConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 5*time.Minute, cfg.RunInterval)
	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, cfg.JobTimeout+30*time.Second, cfg.LeaseTTL)
	assert.Zero(t, cfg.EventRetention)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "creditflow",
		Environment: "test",
	})
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
