package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	reconciliationdomain "github.com/smallbiznis/creditflow/internal/reconciliation/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() reconciliationdomain.Repository {
	return &repo{}
}

const balanceSumSelect = `SELECT a.id AS account_id,
		a.balance AS balance,
		COALESCE(SUM(t.delta), 0) AS ledger_sum,
		COUNT(t.id) AS transactions
	 FROM credit_accounts a
	 LEFT JOIN credit_transactions t ON t.account_id = a.id`

func (r *repo) ListBalanceSums(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]reconciliationdomain.BalanceSum, error) {
	var rows []reconciliationdomain.BalanceSum
	err := db.WithContext(ctx).Raw(
		balanceSumSelect+`
		 WHERE a.id > ?
		 GROUP BY a.id, a.balance
		 ORDER BY a.id ASC
		 LIMIT ?`,
		afterID,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) BalanceSumsFor(ctx context.Context, db *gorm.DB, accountIDs []snowflake.ID) ([]reconciliationdomain.BalanceSum, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	var rows []reconciliationdomain.BalanceSum
	err := db.WithContext(ctx).Raw(
		balanceSumSelect+`
		 WHERE a.id IN ?
		 GROUP BY a.id, a.balance
		 ORDER BY a.id ASC`,
		accountIDs,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListChain(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]reconciliationdomain.ChainRow, error) {
	var rows []reconciliationdomain.ChainRow
	err := db.WithContext(ctx).Raw(
		`SELECT t.id, t.account_version, t.delta, t.balance_after, a.balance AS account_balance
		 FROM credit_transactions t
		 JOIN credit_accounts a ON a.id = t.account_id
		 WHERE t.account_id = ?
		 ORDER BY t.account_version ASC`,
		accountID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
