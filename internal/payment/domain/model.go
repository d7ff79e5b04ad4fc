package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	idempotencydomain "github.com/smallbiznis/creditflow/internal/idempotency/domain"
	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
)

var (
	ErrInvalidEvent = errors.New("invalid_payment_event")
	// ErrDeferredRetry means nothing was recorded and the provider should
	// redeliver later.
	ErrDeferredRetry = errors.New("deferred_retry")
)

// ProcessResult is what the webhook caller acknowledges. Duplicate is set
// when the event had already been recorded by an earlier delivery.
type ProcessResult struct {
	Outcome       idempotencydomain.Outcome `json:"outcome"`
	Duplicate     bool                      `json:"duplicate"`
	Intent        string                    `json:"intent,omitempty"`
	AccountID     *snowflake.ID             `json:"account_id,omitempty"`
	TransactionID *snowflake.ID             `json:"transaction_id,omitempty"`
}

type Service interface {
	ProcessEvent(ctx context.Context, event *webhookdomain.ParsedEvent) (*ProcessResult, error)
}
