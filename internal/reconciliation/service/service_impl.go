package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/creditflow/internal/clock"
	"github.com/smallbiznis/creditflow/internal/config"
	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	reconciliationdomain "github.com/smallbiznis/creditflow/internal/reconciliation/domain"
	"github.com/smallbiznis/creditflow/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	defaultBatchSize   = 500
	defaultConcurrency = 4
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Cfg     config.Config
	Clock   clock.Clock
	Repo    reconciliationdomain.Repository
	Sink    reconciliationdomain.AlertSink      `optional:"true"`
	Metrics *obsmetrics.ReconciliationMetrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	repo        reconciliationdomain.Repository
	sink        reconciliationdomain.AlertSink
	metrics     *obsmetrics.ReconciliationMetrics
	batchSize   int
	concurrency int
}

func NewService(p Params) reconciliationdomain.Service {
	log := p.Log.Named("reconciliation.service")
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Reconciliation()
	}
	sink := p.Sink
	if sink == nil {
		sink = NewAlertSink(log, metrics)
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	batchSize := p.Cfg.Reconciliation.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	concurrency := p.Cfg.Reconciliation.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Service{
		db:          p.DB,
		log:         log,
		clock:       clk,
		repo:        p.Repo,
		sink:        sink,
		metrics:     metrics,
		batchSize:   batchSize,
		concurrency: concurrency,
	}
}

// Audit compares every selected account with its transaction history. It
// only reads; violations are reported to the alert sink and in the report.
func (s *Service) Audit(ctx context.Context, req reconciliationdomain.AuditRequest) (*reconciliationdomain.Report, error) {
	for _, id := range req.AccountIDs {
		if id == 0 {
			return nil, reconciliationdomain.ErrInvalidRequest
		}
	}

	report := &reconciliationdomain.Report{
		ID:         ulid.Make().String(),
		Deep:       req.Deep,
		StartedAt:  s.clock.Now(),
		Mismatches: []reconciliationdomain.Mismatch{},
	}
	if correlation.FromContext(ctx) == "" {
		ctx, _ = correlation.ForRun(ctx, report.ID)
	}
	log := s.log.With(zap.String("report_id", report.ID), zap.Bool("deep", req.Deep))

	var err error
	if len(req.AccountIDs) > 0 {
		err = s.auditAccounts(ctx, report, req)
	} else {
		err = s.auditAll(ctx, report, req.Deep)
	}
	report.FinishedAt = s.clock.Now()
	s.metrics.ObserveRun(report.AccountsChecked, len(report.Mismatches), err)
	if err != nil {
		log.Warn("reconciliation aborted",
			zap.Int("accounts_checked", report.AccountsChecked),
			zap.Error(err),
		)
		return nil, err
	}

	sort.SliceStable(report.Mismatches, func(i, j int) bool {
		return report.Mismatches[i].AccountID < report.Mismatches[j].AccountID
	})
	for _, m := range report.Mismatches {
		s.sink.Alert(ctx, report.ID, m)
	}

	log.Info("reconciliation finished",
		zap.Int("accounts_checked", report.AccountsChecked),
		zap.Int("mismatches", len(report.Mismatches)),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

func (s *Service) auditAll(ctx context.Context, report *reconciliationdomain.Report, deep bool) error {
	var afterID snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := s.repo.ListBalanceSums(ctx, s.db, afterID, s.batchSize)
		if err != nil {
			return fmt.Errorf("list balance sums: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := s.checkBatch(ctx, report, rows, deep); err != nil {
			return err
		}
		afterID = rows[len(rows)-1].AccountID
		if len(rows) < s.batchSize {
			return nil
		}
	}
}

func (s *Service) auditAccounts(ctx context.Context, report *reconciliationdomain.Report, req reconciliationdomain.AuditRequest) error {
	ids := uniqueIDs(req.AccountIDs)
	for start := 0; start < len(ids); start += s.batchSize {
		end := min(start+s.batchSize, len(ids))
		rows, err := s.repo.BalanceSumsFor(ctx, s.db, ids[start:end])
		if err != nil {
			return fmt.Errorf("balance sums: %w", err)
		}
		if err := s.checkBatch(ctx, report, rows, req.Deep); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) checkBatch(ctx context.Context, report *reconciliationdomain.Report, rows []reconciliationdomain.BalanceSum, deep bool) error {
	report.AccountsChecked += len(rows)
	for _, row := range rows {
		if row.Balance != row.LedgerSum {
			report.Mismatches = append(report.Mismatches, reconciliationdomain.Mismatch{
				AccountID: row.AccountID,
				Kind:      reconciliationdomain.KindBalanceSum,
				Expected:  row.LedgerSum,
				Actual:    row.Balance,
			})
		}
	}
	if !deep {
		return nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, row := range rows {
		g.Go(func() error {
			chain, err := s.repo.ListChain(gctx, s.db, row.AccountID)
			if err != nil {
				return fmt.Errorf("list chain %s: %w", row.AccountID, err)
			}
			found := walkChain(row.AccountID, chain)
			if len(found) == 0 {
				return nil
			}
			mu.Lock()
			report.Mismatches = append(report.Mismatches, found...)
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// walkChain replays deltas in version order. After a break the running sum
// resyncs to the stored balance_after so each discontinuity is reported once.
// The tail is compared with the balance read alongside the chain, not with
// the batch snapshot, which may predate later commits.
func walkChain(accountID snowflake.ID, chain []reconciliationdomain.ChainRow) []reconciliationdomain.Mismatch {
	var (
		found   []reconciliationdomain.Mismatch
		running int64
	)
	for _, row := range chain {
		txnID := row.ID
		running += row.Delta
		if row.BalanceAfter < 0 {
			found = append(found, reconciliationdomain.Mismatch{
				AccountID:     accountID,
				Kind:          reconciliationdomain.KindNegativeBalance,
				TransactionID: &txnID,
				Expected:      0,
				Actual:        row.BalanceAfter,
			})
		}
		if row.BalanceAfter != running {
			found = append(found, reconciliationdomain.Mismatch{
				AccountID:     accountID,
				Kind:          reconciliationdomain.KindChainBreak,
				TransactionID: &txnID,
				Expected:      running,
				Actual:        row.BalanceAfter,
			})
			running = row.BalanceAfter
		}
	}
	if len(chain) > 0 {
		last := chain[len(chain)-1]
		if last.BalanceAfter != last.AccountBalance {
			txnID := last.ID
			found = append(found, reconciliationdomain.Mismatch{
				AccountID:     accountID,
				Kind:          reconciliationdomain.KindChainTail,
				TransactionID: &txnID,
				Expected:      last.BalanceAfter,
				Actual:        last.AccountBalance,
			})
		}
	}
	return found
}

func uniqueIDs(ids []snowflake.ID) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
