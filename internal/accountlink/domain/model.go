package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidLink  = errors.New("invalid_account_link")
	ErrLinkConflict = errors.New("account_link_conflict")
)

// AccountLink maps a provider customer onto a credit account.
type AccountLink struct {
	ID                 snowflake.ID `json:"id" gorm:"primaryKey"`
	Provider           string       `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_account_links_provider_customer,priority:1"`
	ProviderCustomerID string       `json:"provider_customer_id" gorm:"type:text;not null;uniqueIndex:ux_account_links_provider_customer,priority:2"`
	AccountID          snowflake.ID `json:"account_id" gorm:"not null;index"`
	CreatedAt          time.Time    `json:"created_at" gorm:"not null"`
}

func (AccountLink) TableName() string { return "account_links" }

type LinkRequest struct {
	Provider           string
	ProviderCustomerID string
	AccountID          snowflake.ID
}

type Service interface {
	// Link is idempotent for the same account and fails with
	// ErrLinkConflict when the customer already belongs to another account.
	Link(ctx context.Context, req LinkRequest) (*AccountLink, error)
	// LinkTx records the mapping inside an existing transaction and keeps
	// whatever mapping is already present.
	LinkTx(ctx context.Context, tx *gorm.DB, req LinkRequest) error
	Resolve(ctx context.Context, provider, customerID string) (snowflake.ID, bool, error)
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, provider, customerID string) (*AccountLink, error)
	InsertIgnore(ctx context.Context, db *gorm.DB, link *AccountLink) (bool, error)
}
