package repository

import (
	"context"

	accountlinkdomain "github.com/smallbiznis/creditflow/internal/accountlink/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() accountlinkdomain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, provider, customerID string) (*accountlinkdomain.AccountLink, error) {
	var link accountlinkdomain.AccountLink
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_customer_id, account_id, created_at
		 FROM account_links
		 WHERE provider = ? AND provider_customer_id = ?`,
		provider,
		customerID,
	).Scan(&link).Error
	if err != nil {
		return nil, err
	}
	if link.ID == 0 {
		return nil, nil
	}
	return &link, nil
}

func (r *repo) InsertIgnore(ctx context.Context, db *gorm.DB, link *accountlinkdomain.AccountLink) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_customer_id"}},
			DoNothing: true,
		}).
		Create(link)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
