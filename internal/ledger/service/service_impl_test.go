package service_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditflow/internal/config"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/creditflow/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/creditflow/internal/ledger/service"
	"github.com/smallbiznis/creditflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	return testutil.OpenSQLite(t)
}

func newLedger(t *testing.T, db *gorm.DB, maxAttempts int) ledgerdomain.Service {
	t.Helper()

	return ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.Node(t),
		Repo:  ledgerrepo.Provide(),
		Tuning: config.NewStaticLedgerTuning(config.LedgerTuning{
			FreeQuotaLimit: 3,
			MaxOCCAttempts: maxAttempts,
			OCCBaseDelayMS: 1,
			OCCMaxDelayMS:  2,
			LockTimeoutMS:  2000,
		}),
	})
}

func ptr[T any](v T) *T { return &v }

func sumDeltas(t *testing.T, db *gorm.DB, accountID snowflake.ID) int64 {
	t.Helper()
	var sum int64
	require.NoError(t, db.Raw(`SELECT COALESCE(SUM(delta), 0) FROM credit_transactions WHERE account_id = ?`, accountID).Scan(&sum).Error)
	return sum
}

func TestCreateAccountUsesConfiguredQuota(t *testing.T) {
	ctx := context.Background()
	svc := newLedger(t, setupTestDB(t), 5)

	account, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.Balance)
	assert.Equal(t, int64(3), account.FreeQuotaLimit)
	assert.True(t, account.Active)

	_, err = svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{ID: account.ID})
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountExists)

	custom, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{FreeQuotaLimit: ptr(int64(10))})
	require.NoError(t, err)
	assert.Equal(t, int64(10), custom.FreeQuotaLimit)
}

func TestAddAndDeduct(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newLedger(t, db, 5)

	account, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{})
	require.NoError(t, err)

	added, err := svc.Add(ctx, ledgerdomain.AddRequest{
		AccountID:     account.ID,
		Amount:        100,
		Reason:        ledgerdomain.ReasonPurchaseGrant,
		SourceEventID: ptr("evt_1"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), added.Account.Balance)
	assert.Equal(t, int64(1), added.Account.Version)
	require.NotNil(t, added.Transaction)
	assert.Equal(t, int64(100), added.Transaction.BalanceAfter)
	assert.Equal(t, 1, added.Attempts)
	assert.False(t, added.Escalated)

	deducted, err := svc.Deduct(ctx, ledgerdomain.DeductRequest{AccountID: account.ID, Amount: 30, Reason: ledgerdomain.ReasonConsumption})
	require.NoError(t, err)
	assert.Equal(t, int64(70), deducted.Account.Balance)
	assert.Equal(t, int64(-30), deducted.Transaction.Delta)

	stored, err := svc.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), stored.Balance)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, stored.Balance, sumDeltas(t, db, account.ID))
}

func TestDeductNeverDrivesBalanceNegative(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newLedger(t, db, 5)

	account, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{})
	require.NoError(t, err)
	_, err = svc.Add(ctx, ledgerdomain.AddRequest{AccountID: account.ID, Amount: 5, Reason: ledgerdomain.ReasonFreeAllocation})
	require.NoError(t, err)

	_, err = svc.Deduct(ctx, ledgerdomain.DeductRequest{AccountID: account.ID, Amount: 6, Reason: ledgerdomain.ReasonConsumption})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	_, err = svc.Mutate(ctx, account.ID, func(ctx context.Context, tx *gorm.DB, acc ledgerdomain.CreditAccount) (ledgerdomain.Mutation, error) {
		return ledgerdomain.Mutation{Delta: -10, Reason: ledgerdomain.ReasonConsumption}, nil
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	stored, err := svc.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stored.Balance)
	assert.Equal(t, int64(1), stored.Version)
}

func TestAddRejectsBalanceOverflow(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newLedger(t, db, 5)

	account, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{})
	require.NoError(t, err)
	_, err = svc.Add(ctx, ledgerdomain.AddRequest{AccountID: account.ID, Amount: math.MaxInt64, Reason: ledgerdomain.ReasonPurchaseGrant})
	require.NoError(t, err)

	_, err = svc.Add(ctx, ledgerdomain.AddRequest{AccountID: account.ID, Amount: 1, Reason: ledgerdomain.ReasonPurchaseGrant})
	assert.ErrorIs(t, err, ledgerdomain.ErrBalanceOverflow)
	assert.NotErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	stored, err := svc.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), stored.Balance)
	assert.Equal(t, int64(1), stored.Version)
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	svc := newLedger(t, setupTestDB(t), 5)

	_, err := svc.Add(ctx, ledgerdomain.AddRequest{AccountID: 1, Amount: 0, Reason: ledgerdomain.ReasonPurchaseGrant})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	_, err = svc.Add(ctx, ledgerdomain.AddRequest{AccountID: 1, Amount: 5, Reason: ledgerdomain.ReasonConsumption})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidReason)

	_, err = svc.Add(ctx, ledgerdomain.AddRequest{AccountID: 424242, Amount: 5, Reason: ledgerdomain.ReasonPurchaseGrant})
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)

	_, err = svc.Mutate(ctx, 0, nil)
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAccount)
}

func TestDuplicateSourceEventIsRejected(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newLedger(t, db, 5)

	account, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{})
	require.NoError(t, err)

	req := ledgerdomain.AddRequest{AccountID: account.ID, Amount: 100, Reason: ledgerdomain.ReasonPurchaseGrant, SourceEventID: ptr("evt_dup")}
	_, err = svc.Add(ctx, req)
	require.NoError(t, err)
	_, err = svc.Add(ctx, req)
	assert.ErrorIs(t, err, ledgerdomain.ErrDuplicateSourceEvent)

	stored, err := svc.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), stored.Balance)
}

func TestMutateRetriesOnVersionConflict(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newLedger(t, db, 5)

	account, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{})
	require.NoError(t, err)

	var calls atomic.Int32
	result, err := svc.Mutate(ctx, account.ID, func(ctx context.Context, tx *gorm.DB, acc ledgerdomain.CreditAccount) (ledgerdomain.Mutation, error) {
		if calls.Add(1) <= 2 {
			// A concurrent writer commits between our read and our write.
			if err := tx.Exec(`UPDATE credit_accounts SET version = version + 1 WHERE id = ?`, acc.ID).Error; err != nil {
				return ledgerdomain.Mutation{}, err
			}
		}
		return ledgerdomain.Mutation{Delta: 10, Reason: ledgerdomain.ReasonFreeAllocation}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, result.Attempts)
	assert.False(t, result.Escalated)
	assert.Equal(t, int64(10), result.Account.Balance)

	var count int64
	require.NoError(t, db.Model(&ledgerdomain.CreditTransaction{}).Where("account_id = ?", account.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestMutateEscalatesToRowLockAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newLedger(t, db, 3)

	account, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{})
	require.NoError(t, err)

	var calls atomic.Int32
	result, err := svc.Mutate(ctx, account.ID, func(ctx context.Context, tx *gorm.DB, acc ledgerdomain.CreditAccount) (ledgerdomain.Mutation, error) {
		if calls.Add(1) <= 3 {
			if err := tx.Exec(`UPDATE credit_accounts SET version = version + 1 WHERE id = ?`, acc.ID).Error; err != nil {
				return ledgerdomain.Mutation{}, err
			}
		}
		return ledgerdomain.Mutation{Delta: 7, Reason: ledgerdomain.ReasonFreeAllocation}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 4, result.Attempts)
	assert.True(t, result.Escalated)
	assert.Equal(t, int64(7), result.Account.Balance)
	assert.Equal(t, int64(7), sumDeltas(t, db, account.ID))
}

func TestMutateFuncErrorRollsBackSideWrites(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newLedger(t, db, 5)

	account, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = svc.Mutate(ctx, account.ID, func(ctx context.Context, tx *gorm.DB, acc ledgerdomain.CreditAccount) (ledgerdomain.Mutation, error) {
		if err := tx.Exec(`UPDATE credit_accounts SET free_quota_limit = 99 WHERE id = ?`, acc.ID).Error; err != nil {
			return ledgerdomain.Mutation{}, err
		}
		return ledgerdomain.Mutation{}, boom
	})
	assert.ErrorIs(t, err, boom)

	stored, err := svc.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.FreeQuotaLimit)
}

func TestConcurrentDeductsPreserveInvariant(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newLedger(t, db, 5)

	account, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{})
	require.NoError(t, err)
	_, err = svc.Add(ctx, ledgerdomain.AddRequest{AccountID: account.ID, Amount: 10, Reason: ledgerdomain.ReasonPurchaseGrant})
	require.NoError(t, err)

	var (
		wg           sync.WaitGroup
		succeeded    atomic.Int32
		insufficient atomic.Int32
	)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Deduct(ctx, ledgerdomain.DeductRequest{AccountID: account.ID, Amount: 1, Reason: ledgerdomain.ReasonConsumption})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), succeeded.Load())
	assert.Equal(t, int32(5), insufficient.Load())

	stored, err := svc.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.Balance)
	assert.Equal(t, int64(0), sumDeltas(t, db, account.ID))
}

func TestListTransactionsPaginates(t *testing.T) {
	ctx := context.Background()
	svc := newLedger(t, setupTestDB(t), 5)

	account, err := svc.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := svc.Add(ctx, ledgerdomain.AddRequest{AccountID: account.ID, Amount: int64(i + 1), Reason: ledgerdomain.ReasonFreeAllocation})
		require.NoError(t, err)
	}

	req := ledgerdomain.ListTransactionsRequest{AccountID: account.ID}
	req.PageSize = 3
	first, err := svc.ListTransactions(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.Transactions, 3)
	assert.True(t, first.PageInfo.HasMore)
	assert.Equal(t, int64(5), first.Transactions[0].Delta)

	req.PageToken = first.PageInfo.NextPageToken
	second, err := svc.ListTransactions(ctx, req)
	require.NoError(t, err)
	require.Len(t, second.Transactions, 2)
	assert.False(t, second.PageInfo.HasMore)
	assert.Equal(t, int64(1), second.Transactions[1].Delta)
}
