package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditflow/pkg/db/pagination"
	"gorm.io/gorm"
)

// Mutation is the change a MutateFunc asks the ledger to apply.
// TransactionID, when set, is used for the ledger row instead of a fresh id.
type Mutation struct {
	Delta         int64
	QuotaDelta    int64
	Reason        Reason
	SourceEventID *string
	TransactionID snowflake.ID
}

// IsNoop reports a mutation that leaves the account row untouched.
// The surrounding transaction still commits.
func (m Mutation) IsNoop() bool {
	return m.Delta == 0 && m.QuotaDelta == 0
}

// MutateFunc computes a mutation from a snapshot of the account. It runs inside
// the ledger transaction and may be invoked more than once, so every write it
// performs through tx must be safe to repeat.
type MutateFunc func(ctx context.Context, tx *gorm.DB, account CreditAccount) (Mutation, error)

// Result describes a committed mutation.
type Result struct {
	Account     CreditAccount
	Transaction *CreditTransaction
	Attempts    int
	Escalated   bool
}

type CreateAccountRequest struct {
	ID             snowflake.ID
	FreeQuotaLimit *int64
}

type AddRequest struct {
	AccountID     snowflake.ID
	Amount        int64
	Reason        Reason
	SourceEventID *string
}

type DeductRequest struct {
	AccountID snowflake.ID
	Amount    int64
	Reason    Reason
}

type ListTransactionsRequest struct {
	AccountID snowflake.ID
	pagination.Pagination
}

type ListTransactionsResponse struct {
	Transactions []*CreditTransaction `json:"transactions"`
	PageInfo     pagination.PageInfo  `json:"page_info"`
}

type Service interface {
	CreateAccount(ctx context.Context, req CreateAccountRequest) (*CreditAccount, error)
	GetAccount(ctx context.Context, id snowflake.ID) (*CreditAccount, error)
	Add(ctx context.Context, req AddRequest) (*Result, error)
	Deduct(ctx context.Context, req DeductRequest) (*Result, error)
	Mutate(ctx context.Context, accountID snowflake.ID, fn MutateFunc) (*Result, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
}

type Repository interface {
	InsertAccount(ctx context.Context, db *gorm.DB, account *CreditAccount) error
	FindAccount(ctx context.Context, db *gorm.DB, id snowflake.ID) (*CreditAccount, error)
	LockAccount(ctx context.Context, db *gorm.DB, id snowflake.ID) (*CreditAccount, error)
	UpdateBalance(ctx context.Context, db *gorm.DB, update BalanceUpdate) (bool, error)
	InsertTransaction(ctx context.Context, db *gorm.DB, txn *CreditTransaction) error
	ListTransactions(ctx context.Context, db *gorm.DB, accountID snowflake.ID, beforeID *snowflake.ID, limit int) ([]*CreditTransaction, error)
}

// BalanceUpdate is a compare-and-set on the account version.
type BalanceUpdate struct {
	AccountID       snowflake.ID
	ExpectedVersion int64
	Balance         int64
	FreeQuotaUsed   int64
	UpdatedAt       time.Time
}
