package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var ErrInvalidRequest = errors.New("invalid_audit_request")

// MismatchKind names the ledger invariant that did not hold.
type MismatchKind string

const (
	// KindBalanceSum: stored balance differs from the sum of transaction deltas.
	KindBalanceSum MismatchKind = "balance_sum"
	// KindChainBreak: a balance_after does not follow from the previous row.
	KindChainBreak MismatchKind = "chain_break"
	// KindNegativeBalance: a transaction left the account below zero.
	KindNegativeBalance MismatchKind = "negative_balance"
	// KindChainTail: the last balance_after differs from the stored balance.
	KindChainTail MismatchKind = "chain_tail"
)

type Mismatch struct {
	AccountID     snowflake.ID  `json:"account_id"`
	Kind          MismatchKind  `json:"kind"`
	TransactionID *snowflake.ID `json:"transaction_id,omitempty"`
	Expected      int64         `json:"expected"`
	Actual        int64         `json:"actual"`
}

type AuditRequest struct {
	// AccountIDs limits the audit; empty means every account.
	AccountIDs []snowflake.ID
	Deep       bool
}

type Report struct {
	ID              string     `json:"id"`
	Deep            bool       `json:"deep"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      time.Time  `json:"finished_at"`
	AccountsChecked int        `json:"accounts_checked"`
	Mismatches      []Mismatch `json:"mismatches"`
}

func (r *Report) Clean() bool {
	return len(r.Mismatches) == 0
}

// BalanceSum is one account's stored balance next to its ledger sum, read
// in a single statement.
type BalanceSum struct {
	AccountID    snowflake.ID
	Balance      int64
	LedgerSum    int64
	Transactions int64
}

// ChainRow is the part of a transaction the deep check walks.
// AccountBalance is read by the same statement as the row so the tail check
// never compares two different snapshots.
type ChainRow struct {
	ID             snowflake.ID
	AccountVersion int64
	Delta          int64
	BalanceAfter   int64
	AccountBalance int64
}

// AlertSink receives invariant violations. Nothing is corrected automatically.
type AlertSink interface {
	Alert(ctx context.Context, reportID string, mismatch Mismatch)
}

type Service interface {
	Audit(ctx context.Context, req AuditRequest) (*Report, error)
}

type Repository interface {
	ListBalanceSums(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]BalanceSum, error)
	BalanceSumsFor(ctx context.Context, db *gorm.DB, accountIDs []snowflake.ID) ([]BalanceSum, error)
	ListChain(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]ChainRow, error)
}
