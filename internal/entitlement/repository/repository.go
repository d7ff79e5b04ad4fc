package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/creditflow/internal/entitlement/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() entitlementdomain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*entitlementdomain.Entitlement, error) {
	var e entitlementdomain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT account_id, status, last_event_at, last_event_id, updated_at
		 FROM entitlements
		 WHERE account_id = ?`,
		accountID,
	).Scan(&e).Error
	if err != nil {
		return nil, err
	}
	if e.AccountID == 0 {
		return nil, nil
	}
	return &e, nil
}

func (r *repo) InsertIgnore(ctx context.Context, db *gorm.DB, e *entitlementdomain.Entitlement) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		Create(e)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// UpdateIfNewer is the monotonicity guard: the row only moves forward in event time.
func (r *repo) UpdateIfNewer(ctx context.Context, db *gorm.DB, e *entitlementdomain.Entitlement) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE entitlements
		 SET status = ?, last_event_at = ?, last_event_id = ?, updated_at = ?
		 WHERE account_id = ? AND last_event_at < ?`,
		string(e.Status),
		e.LastEventAt,
		e.LastEventID,
		e.UpdatedAt,
		e.AccountID,
		e.LastEventAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
