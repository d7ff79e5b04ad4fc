package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var ErrInvalidUnits = errors.New("invalid_units")

type Status string

const (
	StatusOK                  Status = "ok"
	StatusInsufficientCredits Status = "insufficient_credits"
)

// ConsumeResult reports how a request was paid for. On insufficient
// credits nothing is charged and the balances are the ones observed.
type ConsumeResult struct {
	Status             Status       `json:"status"`
	AccountID          snowflake.ID `json:"account_id"`
	Units              int64        `json:"units"`
	FreeUnits          int64        `json:"free_units"`
	CreditUnits        int64        `json:"credit_units"`
	Balance            int64        `json:"balance"`
	FreeQuotaRemaining int64        `json:"free_quota_remaining"`
}

type Service interface {
	Consume(ctx context.Context, accountID snowflake.ID, units int64) (*ConsumeResult, error)
}
