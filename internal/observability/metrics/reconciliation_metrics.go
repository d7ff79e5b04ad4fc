package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ReconciliationMetrics reports ledger audit results.
type ReconciliationMetrics struct {
	runs            *prometheus.CounterVec
	accountsChecked prometheus.Counter
	mismatches      *prometheus.CounterVec
	lastMismatches  prometheus.Gauge
}

var (
	reconciliationMetricsOnce sync.Once
	reconciliationMetrics     *ReconciliationMetrics
)

// Reconciliation returns the singleton reconciliation metrics registry.
func Reconciliation() *ReconciliationMetrics {
	return ReconciliationWithConfig(Config{})
}

func ReconciliationWithConfig(cfg Config) *ReconciliationMetrics {
	reconciliationMetricsOnce.Do(func() {
		reconciliationMetrics = newReconciliationMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return reconciliationMetrics
}

// ResetReconciliationMetricsForTest resets the singleton for tests.
func ResetReconciliationMetricsForTest() {
	reconciliationMetricsOnce = sync.Once{}
	reconciliationMetrics = nil
}

// NewReconciliationMetrics registers a fresh set on registerer. Used where the
// singleton would collide, such as tests with private registries.
func NewReconciliationMetrics(registerer prometheus.Registerer, cfg Config) *ReconciliationMetrics {
	return newReconciliationMetrics(registerer, cfg)
}

func newReconciliationMetrics(registerer prometheus.Registerer, cfg Config) *ReconciliationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditflow_reconciliation_runs_total",
		Help:        "Reconciliation passes by result.",
		ConstLabels: labels,
	}, []string{"result"})
	accountsChecked := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "creditflow_reconciliation_accounts_checked_total",
		Help:        "Credit accounts compared against their transaction history.",
		ConstLabels: labels,
	})
	mismatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditflow_reconciliation_mismatches_total",
		Help:        "Ledger invariant violations by kind.",
		ConstLabels: labels,
	}, []string{"kind"})
	lastMismatches := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "creditflow_reconciliation_last_mismatches",
		Help:        "Mismatches found by the most recent reconciliation pass.",
		ConstLabels: labels,
	})

	registerer.MustRegister(runs, accountsChecked, mismatches, lastMismatches)

	return &ReconciliationMetrics{
		runs:            runs,
		accountsChecked: accountsChecked,
		mismatches:      mismatches,
		lastMismatches:  lastMismatches,
	}
}

// ObserveRun records the outcome of one pass.
func (m *ReconciliationMetrics) ObserveRun(checked, mismatched int, err error) {
	if m == nil {
		return
	}
	result := "clean"
	switch {
	case err != nil:
		result = "error"
	case mismatched > 0:
		result = "mismatch"
	}
	m.runs.WithLabelValues(result).Inc()
	if checked > 0 {
		m.accountsChecked.Add(float64(checked))
	}
	if err == nil {
		m.lastMismatches.Set(float64(mismatched))
	}
}

// IncMismatch counts one violation of the given kind.
func (m *ReconciliationMetrics) IncMismatch(kind string) {
	if m == nil {
		return
	}
	m.mismatches.WithLabelValues(kind).Inc()
}
