package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Reason classifies why a balance changed.
type Reason string

const (
	ReasonPurchaseGrant  Reason = "purchase_grant"
	ReasonFreeAllocation Reason = "free_allocation"
	ReasonConsumption    Reason = "consumption"
	ReasonRefundReversal Reason = "refund_reversal"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonPurchaseGrant, ReasonFreeAllocation, ReasonConsumption, ReasonRefundReversal:
		return true
	default:
		return false
	}
}

// CreditAccount holds the spendable balance and free quota of one user.
// Only the ledger writes Balance, Version and FreeQuotaUsed.
type CreditAccount struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	Balance        int64        `json:"balance" gorm:"not null;default:0;check:chk_credit_accounts_balance,balance >= 0"`
	Version        int64        `json:"version" gorm:"not null;default:0"`
	FreeQuotaUsed  int64        `json:"free_quota_used" gorm:"not null;default:0"`
	FreeQuotaLimit int64        `json:"free_quota_limit" gorm:"not null;default:0"`
	Active         bool         `json:"active" gorm:"not null;default:true"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time    `json:"updated_at" gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// FreeQuotaRemaining never reports a negative value.
func (a CreditAccount) FreeQuotaRemaining() int64 {
	remaining := a.FreeQuotaLimit - a.FreeQuotaUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CreditTransaction is an append-only balance change. AccountVersion is the
// account version produced by the mutation and orders the chain per account.
type CreditTransaction struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	AccountID      snowflake.ID `json:"account_id" gorm:"not null;uniqueIndex:ux_credit_transactions_account_version,priority:1"`
	AccountVersion int64        `json:"account_version" gorm:"not null;uniqueIndex:ux_credit_transactions_account_version,priority:2"`
	Delta          int64        `json:"delta" gorm:"not null"`
	BalanceAfter   int64        `json:"balance_after" gorm:"not null"`
	Reason         Reason       `json:"reason" gorm:"type:text;not null"`
	SourceEventID  *string      `json:"source_event_id,omitempty" gorm:"type:text;uniqueIndex:ux_credit_transactions_source_event_id"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }
