package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Outcome is the terminal classification of an accepted provider event.
type Outcome string

const (
	OutcomeApplied            Outcome = "applied"
	OutcomeIgnoredUnsupported Outcome = "ignored_unsupported"
	OutcomeIgnoredStale       Outcome = "ignored_stale"
	OutcomeFailedPermanently  Outcome = "failed_permanently"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeApplied, OutcomeIgnoredUnsupported, OutcomeIgnoredStale, OutcomeFailedPermanently:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidRecord      = errors.New("invalid_event_record")
	ErrAlreadyProcessed   = errors.New("already_processed")
	ErrStorageUnavailable = errors.New("storage_unavailable")
	ErrNotFound           = errors.New("event_record_not_found")
)

// EventRecord marks a provider event as accepted. It is written in the same
// transaction as the effect it guards and is never updated afterwards.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event_id,priority:1"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event_id,priority:2"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Outcome         Outcome        `json:"outcome" gorm:"type:text;not null"`
	AccountID       *snowflake.ID  `json:"account_id,omitempty" gorm:"index"`
	TransactionID   *snowflake.ID  `json:"transaction_id,omitempty"`
	Payload         datatypes.JSON `json:"-"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null;index"`
}

func (EventRecord) TableName() string { return "payment_events" }

// Reservation reports whether the caller won the unique insert. Losers get
// the stored record.
type Reservation struct {
	Reserved bool
	Existing *EventRecord
}

type Service interface {
	Lookup(ctx context.Context, provider, eventID string) (*EventRecord, error)
	Reserve(ctx context.Context, tx *gorm.DB, record *EventRecord) (Reservation, error)
	SetOutcome(ctx context.Context, tx *gorm.DB, id snowflake.ID, outcome Outcome) error
	PruneBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, provider, eventID string) (*EventRecord, error)
	Insert(ctx context.Context, db *gorm.DB, record *EventRecord) (bool, error)
	UpdateOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome Outcome) (bool, error)
	DeleteReceivedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) (int64, error)
}
