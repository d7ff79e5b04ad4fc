package service

import (
	"context"

	obslogger "github.com/smallbiznis/creditflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	reconciliationdomain "github.com/smallbiznis/creditflow/internal/reconciliation/domain"
	"go.uber.org/zap"
)

// AlertSink logs each violation at error level and counts it by kind.
type AlertSink struct {
	log     *zap.Logger
	metrics *obsmetrics.ReconciliationMetrics
}

func NewAlertSink(log *zap.Logger, metrics *obsmetrics.ReconciliationMetrics) *AlertSink {
	return &AlertSink{log: log, metrics: metrics}
}

func (a *AlertSink) Alert(ctx context.Context, reportID string, m reconciliationdomain.Mismatch) {
	fields := []zap.Field{
		zap.String("report_id", reportID),
		zap.String("account_id", m.AccountID.String()),
		zap.String("kind", string(m.Kind)),
		zap.Int64("expected", m.Expected),
		zap.Int64("actual", m.Actual),
	}
	if m.TransactionID != nil {
		fields = append(fields, zap.String("transaction_id", m.TransactionID.String()))
	}
	obslogger.WithContext(ctx, a.log).Error("ledger.invariant_violation", fields...)
	a.metrics.IncMismatch(string(m.Kind))
}
