package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	obslogger "github.com/smallbiznis/creditflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/creditflow/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Ledger     ledgerdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	ledger     ledgerdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		log:        p.Log.Named("usage.service"),
		ledger:     p.Ledger,
		obsMetrics: p.ObsMetrics,
	}
}

// Consume charges units against the free quota first and the credit balance
// second, all or nothing, in a single ledger mutation.
func (s *Service) Consume(ctx context.Context, accountID snowflake.ID, units int64) (*usagedomain.ConsumeResult, error) {
	if units <= 0 {
		return nil, usagedomain.ErrInvalidUnits
	}

	var (
		freeUnits, creditUnits int64
		insufficient           bool
	)
	res, err := s.ledger.Mutate(ctx, accountID, func(ctx context.Context, _ *gorm.DB, account ledgerdomain.CreditAccount) (ledgerdomain.Mutation, error) {
		freeUnits = min(units, account.FreeQuotaRemaining())
		creditUnits = units - freeUnits
		insufficient = creditUnits > account.Balance
		if insufficient {
			return ledgerdomain.Mutation{}, nil
		}
		return ledgerdomain.Mutation{
			Delta:      -creditUnits,
			QuotaDelta: freeUnits,
			Reason:     ledgerdomain.ReasonConsumption,
		}, nil
	})
	if err != nil {
		s.obsMetrics.RecordUsageConsume(ctx, "error")
		return nil, err
	}

	result := &usagedomain.ConsumeResult{
		Status:             usagedomain.StatusOK,
		AccountID:          accountID,
		Units:              units,
		FreeUnits:          freeUnits,
		CreditUnits:        creditUnits,
		Balance:            res.Account.Balance,
		FreeQuotaRemaining: res.Account.FreeQuotaRemaining(),
	}
	log := obslogger.WithAccount(obslogger.WithContext(ctx, s.log), accountID.String())
	if insufficient {
		result.Status = usagedomain.StatusInsufficientCredits
		result.FreeUnits = 0
		result.CreditUnits = 0
		log.Info("usage rejected, insufficient credits",
			zap.Int64("units", units),
			zap.Int64("balance", res.Account.Balance),
			zap.Int64("free_quota_remaining", result.FreeQuotaRemaining),
		)
	} else {
		log.Debug("usage consumed",
			zap.Int64("free_units", freeUnits),
			zap.Int64("credit_units", creditUnits),
			zap.Int("attempts", res.Attempts),
		)
	}
	s.obsMetrics.RecordUsageConsume(ctx, string(result.Status))
	return result, nil
}
