package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPastDue, StatusCanceled:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidTransition = errors.New("invalid_entitlement_transition")
	ErrNotFound          = errors.New("entitlement_not_found")
)

// Entitlement is the subscription state of an account. LastEventAt is the
// provider timestamp of the event that produced the current status.
type Entitlement struct {
	AccountID   snowflake.ID `json:"account_id" gorm:"primaryKey;autoIncrement:false"`
	Status      Status       `json:"status" gorm:"type:text;not null"`
	LastEventAt time.Time    `json:"last_event_at" gorm:"not null"`
	LastEventID string       `json:"last_event_id" gorm:"type:text;not null"`
	UpdatedAt   time.Time    `json:"updated_at" gorm:"not null"`
}

func (Entitlement) TableName() string { return "entitlements" }

type Transition struct {
	AccountID snowflake.ID
	Status    Status
	EventAt   time.Time
	EventID   string
}

// Validate checks the transition is complete. Ordering against the stored
// state is enforced by the conditional update, not here.
func (t Transition) Validate() error {
	if t.AccountID == 0 || !t.Status.Valid() || t.EventAt.IsZero() {
		return ErrInvalidTransition
	}
	return nil
}

type Service interface {
	// Apply writes t inside tx and reports false when it is not newer than
	// the stored state.
	Apply(ctx context.Context, tx *gorm.DB, t Transition) (bool, error)
	Get(ctx context.Context, accountID snowflake.ID) (*Entitlement, error)
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*Entitlement, error)
	InsertIgnore(ctx context.Context, db *gorm.DB, e *Entitlement) (bool, error)
	UpdateIfNewer(ctx context.Context, db *gorm.DB, e *Entitlement) (bool, error)
}
