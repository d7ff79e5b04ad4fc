package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	idempotencydomain "github.com/smallbiznis/creditflow/internal/idempotency/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() idempotencydomain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, provider, eventID string) (*idempotencydomain.EventRecord, error) {
	var record idempotencydomain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, outcome, account_id, transaction_id, received_at
		 FROM payment_events
		 WHERE provider = ? AND provider_event_id = ?`,
		provider,
		eventID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

// Insert returns false when another writer already holds the key.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *idempotencydomain.EventRecord) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) UpdateOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome idempotencydomain.Outcome) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE payment_events SET outcome = ? WHERE id = ?`,
		string(outcome),
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) DeleteReceivedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM payment_events
		 WHERE id IN (
			SELECT id FROM payment_events WHERE received_at < ? ORDER BY received_at LIMIT ?
		 )`,
		cutoff,
		limit,
	)
	return result.RowsAffected, result.Error
}
