package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) InsertAccount(ctx context.Context, db *gorm.DB, account *ledgerdomain.CreditAccount) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_accounts (
			id, balance, version, free_quota_used, free_quota_limit, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID,
		account.Balance,
		account.Version,
		account.FreeQuotaUsed,
		account.FreeQuotaLimit,
		account.Active,
		account.CreatedAt,
		account.UpdatedAt,
	).Error
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ledgerdomain.CreditAccount, error) {
	var account ledgerdomain.CreditAccount
	err := db.WithContext(ctx).Raw(
		`SELECT id, balance, version, free_quota_used, free_quota_limit, active, created_at, updated_at
		 FROM credit_accounts
		 WHERE id = ?`,
		id,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

// LockAccount takes a row lock on a single account. Dialects without row
// locks (sqlite) drop the clause and rely on their own write serialization.
func (r *repo) LockAccount(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ledgerdomain.CreditAccount, error) {
	var account ledgerdomain.CreditAccount
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repo) UpdateBalance(ctx context.Context, db *gorm.DB, update ledgerdomain.BalanceUpdate) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET balance = ?, free_quota_used = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		update.Balance,
		update.FreeQuotaUsed,
		update.UpdatedAt,
		update.AccountID,
		update.ExpectedVersion,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *ledgerdomain.CreditTransaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (
			id, account_id, account_version, delta, balance_after, reason, source_event_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.AccountID,
		txn.AccountVersion,
		txn.Delta,
		txn.BalanceAfter,
		string(txn.Reason),
		txn.SourceEventID,
		txn.CreatedAt,
	).Error
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, accountID snowflake.ID, beforeID *snowflake.ID, limit int) ([]*ledgerdomain.CreditTransaction, error) {
	query := db.WithContext(ctx).
		Model(&ledgerdomain.CreditTransaction{}).
		Where("account_id = ?", accountID)
	if beforeID != nil {
		query = query.Where("id < ?", *beforeID)
	}

	var items []*ledgerdomain.CreditTransaction
	if err := query.Order("id DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
