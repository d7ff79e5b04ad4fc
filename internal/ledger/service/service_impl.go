package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/smallbiznis/creditflow/internal/config"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	obslogger "github.com/smallbiznis/creditflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	"github.com/smallbiznis/creditflow/pkg/db"
	"github.com/smallbiznis/creditflow/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       ledgerdomain.Repository
	Tuning     *config.LedgerTuningHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       ledgerdomain.Repository
	tuning     *config.LedgerTuningHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		tuning:     p.Tuning,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateAccount(ctx context.Context, req ledgerdomain.CreateAccountRequest) (*ledgerdomain.CreditAccount, error) {
	limit := s.tuning.Get().FreeQuotaLimit
	if req.FreeQuotaLimit != nil {
		limit = *req.FreeQuotaLimit
	}
	if limit < 0 {
		return nil, ledgerdomain.ErrInvalidQuota
	}

	id := req.ID
	if id == 0 {
		id = s.genID.Generate()
	}

	now := time.Now().UTC()
	account := &ledgerdomain.CreditAccount{
		ID:             id,
		FreeQuotaLimit: limit,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.InsertAccount(ctx, s.db, account); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, ledgerdomain.ErrAccountExists
		}
		return nil, err
	}

	s.log.Info("credit account created",
		zap.String("account_id", id.String()),
		zap.Int64("free_quota_limit", limit),
	)
	return account, nil
}

func (s *Service) GetAccount(ctx context.Context, id snowflake.ID) (*ledgerdomain.CreditAccount, error) {
	if id == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	account, err := s.repo.FindAccount(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ledgerdomain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) Add(ctx context.Context, req ledgerdomain.AddRequest) (*ledgerdomain.Result, error) {
	if req.Amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if !req.Reason.Valid() || req.Reason == ledgerdomain.ReasonConsumption {
		return nil, ledgerdomain.ErrInvalidReason
	}

	return s.Mutate(ctx, req.AccountID, func(ctx context.Context, tx *gorm.DB, account ledgerdomain.CreditAccount) (ledgerdomain.Mutation, error) {
		return ledgerdomain.Mutation{
			Delta:         req.Amount,
			Reason:        req.Reason,
			SourceEventID: req.SourceEventID,
		}, nil
	})
}

func (s *Service) Deduct(ctx context.Context, req ledgerdomain.DeductRequest) (*ledgerdomain.Result, error) {
	if req.Amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if req.Reason != ledgerdomain.ReasonConsumption && req.Reason != ledgerdomain.ReasonRefundReversal {
		return nil, ledgerdomain.ErrInvalidReason
	}

	return s.Mutate(ctx, req.AccountID, func(ctx context.Context, tx *gorm.DB, account ledgerdomain.CreditAccount) (ledgerdomain.Mutation, error) {
		if account.Balance < req.Amount {
			return ledgerdomain.Mutation{}, ledgerdomain.ErrInsufficientCredits
		}
		return ledgerdomain.Mutation{
			Delta:  -req.Amount,
			Reason: req.Reason,
		}, nil
	})
}

// Mutate runs fn under optimistic concurrency control and escalates to a
// row lock once the optimistic attempts are exhausted.
func (s *Service) Mutate(ctx context.Context, accountID snowflake.ID, fn ledgerdomain.MutateFunc) (*ledgerdomain.Result, error) {
	if accountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	if fn == nil {
		return nil, errors.New("ledger: nil mutate func")
	}

	log := obslogger.WithContext(ctx, s.log).With(zap.String("account_id", accountID.String()))
	tuning := s.tuning.Get()

	policy := retrypolicy.NewBuilder[*ledgerdomain.Result]().
		HandleErrors(ledgerdomain.ErrVersionConflict).
		WithMaxAttempts(tuning.MaxOCCAttempts).
		WithBackoff(tuning.OCCBaseDelay(), tuning.OCCMaxDelay()).
		WithJitterFactor(0.5).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[*ledgerdomain.Result]) {
			s.obsMetrics.RecordOCCConflict(ctx)
			log.Debug("ledger version conflict, retrying", zap.Int("attempt", e.Attempts()))
		}).
		Build()

	attempts := 0
	result, err := failsafe.With[*ledgerdomain.Result](policy).
		WithContext(ctx).
		GetWithExecution(func(exec failsafe.Execution[*ledgerdomain.Result]) (*ledgerdomain.Result, error) {
			attempts = exec.Attempts()
			return s.mutateOptimistic(exec.Context(), accountID, fn)
		})
	if err == nil {
		result.Attempts = attempts
		s.recordMutation(ctx, result)
		return result, nil
	}
	if !errors.Is(err, ledgerdomain.ErrVersionConflict) {
		return nil, err
	}

	s.obsMetrics.RecordOCCConflict(ctx)
	s.obsMetrics.RecordLockEscalation(ctx)
	log.Warn("ledger optimistic attempts exhausted, escalating to row lock",
		zap.Int("attempts", attempts),
		zap.Duration("lock_timeout", tuning.LockTimeout()),
	)

	result, err = s.mutatePessimistic(ctx, accountID, fn, tuning.LockTimeout())
	if err != nil {
		return nil, err
	}
	result.Attempts = attempts + 1
	result.Escalated = true
	s.recordMutation(ctx, result)
	return result, nil
}

func (s *Service) mutateOptimistic(ctx context.Context, accountID snowflake.ID, fn ledgerdomain.MutateFunc) (*ledgerdomain.Result, error) {
	var result *ledgerdomain.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.repo.FindAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		res, err := s.applyMutation(ctx, tx, account, fn)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) mutatePessimistic(ctx context.Context, accountID snowflake.ID, fn ledgerdomain.MutateFunc, timeout time.Duration) (*ledgerdomain.Result, error) {
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result *ledgerdomain.Result
	err := s.db.WithContext(lockCtx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}

		account, err := s.repo.LockAccount(lockCtx, tx, accountID)
		if err != nil {
			return err
		}
		res, err := s.applyMutation(lockCtx, tx, account, fn)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || db.IsLockTimeoutErr(err) {
			return nil, ledgerdomain.ErrLockTimeout
		}
		return nil, err
	}
	return result, nil
}

// applyMutation validates the computed change against the snapshot and
// performs the versioned write plus the transaction insert.
func (s *Service) applyMutation(ctx context.Context, tx *gorm.DB, account *ledgerdomain.CreditAccount, fn ledgerdomain.MutateFunc) (*ledgerdomain.Result, error) {
	if account == nil {
		return nil, ledgerdomain.ErrAccountNotFound
	}
	if !account.Active {
		return nil, ledgerdomain.ErrAccountInactive
	}

	mutation, err := fn(ctx, tx, *account)
	if err != nil {
		return nil, err
	}
	if mutation.IsNoop() {
		return &ledgerdomain.Result{Account: *account}, nil
	}
	if mutation.Delta != 0 && !mutation.Reason.Valid() {
		return nil, ledgerdomain.ErrInvalidReason
	}

	if mutation.Delta > 0 && account.Balance > math.MaxInt64-mutation.Delta {
		return nil, ledgerdomain.ErrBalanceOverflow
	}
	balance := account.Balance + mutation.Delta
	if balance < 0 {
		return nil, ledgerdomain.ErrInsufficientCredits
	}
	quotaUsed := account.FreeQuotaUsed + mutation.QuotaDelta
	if quotaUsed < 0 || quotaUsed > account.FreeQuotaLimit {
		return nil, ledgerdomain.ErrFreeQuotaExceeded
	}

	now := time.Now().UTC()
	ok, err := s.repo.UpdateBalance(ctx, tx, ledgerdomain.BalanceUpdate{
		AccountID:       account.ID,
		ExpectedVersion: account.Version,
		Balance:         balance,
		FreeQuotaUsed:   quotaUsed,
		UpdatedAt:       now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ledgerdomain.ErrVersionConflict
	}

	updated := *account
	updated.Balance = balance
	updated.FreeQuotaUsed = quotaUsed
	updated.Version = account.Version + 1
	updated.UpdatedAt = now

	result := &ledgerdomain.Result{Account: updated}
	if mutation.Delta == 0 {
		return result, nil
	}

	txnID := mutation.TransactionID
	if txnID == 0 {
		txnID = s.genID.Generate()
	}
	txn := &ledgerdomain.CreditTransaction{
		ID:             txnID,
		AccountID:      account.ID,
		AccountVersion: updated.Version,
		Delta:          mutation.Delta,
		BalanceAfter:   balance,
		Reason:         mutation.Reason,
		SourceEventID:  mutation.SourceEventID,
		CreatedAt:      now,
	}
	if err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
		if db.IsDuplicateKeyErr(err) {
			if mutation.SourceEventID != nil {
				return nil, ledgerdomain.ErrDuplicateSourceEvent
			}
			return nil, ledgerdomain.ErrVersionConflict
		}
		return nil, err
	}
	result.Transaction = txn
	return result, nil
}

func (s *Service) recordMutation(ctx context.Context, result *ledgerdomain.Result) {
	if result == nil || result.Transaction == nil {
		return
	}
	s.obsMetrics.RecordLedgerMutation(ctx, string(result.Transaction.Reason), result.Escalated)
	obslogger.WithContext(ctx, s.log).Info("ledger mutation committed",
		zap.String("account_id", result.Account.ID.String()),
		zap.String("transaction_id", result.Transaction.ID.String()),
		zap.String("reason", string(result.Transaction.Reason)),
		zap.Int64("delta", result.Transaction.Delta),
		zap.Int64("balance_after", result.Transaction.BalanceAfter),
		zap.Int64("version", result.Account.Version),
		zap.Int("attempts", result.Attempts),
		zap.Bool("escalated", result.Escalated),
	)
}

func (s *Service) ListTransactions(ctx context.Context, req ledgerdomain.ListTransactionsRequest) (ledgerdomain.ListTransactionsResponse, error) {
	if req.AccountID == 0 {
		return ledgerdomain.ListTransactionsResponse{}, ledgerdomain.ErrInvalidAccount
	}

	var beforeID *snowflake.ID
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return ledgerdomain.ListTransactionsResponse{}, err
		}
		parsed, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return ledgerdomain.ListTransactionsResponse{}, pagination.ErrInvalidPageToken
		}
		id := snowflake.ID(parsed)
		beforeID = &id
	}

	limit := req.Limit()
	items, err := s.repo.ListTransactions(ctx, s.db, req.AccountID, beforeID, limit+1)
	if err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}

	page, info := pagination.BuildCursorPageInfo(items, limit, func(t *ledgerdomain.CreditTransaction) string {
		return t.ID.String()
	})
	if page == nil {
		page = []*ledgerdomain.CreditTransaction{}
	}
	return ledgerdomain.ListTransactionsResponse{
		Transactions: page,
		PageInfo:     *info,
	}, nil
}
