package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/creditflow/internal/entitlement/domain"
	obslogger "github.com/smallbiznis/creditflow/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo entitlementdomain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo entitlementdomain.Repository
}

func NewService(p Params) entitlementdomain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("entitlement.service"),
		repo: p.Repo,
	}
}

func (s *Service) Apply(ctx context.Context, tx *gorm.DB, t entitlementdomain.Transition) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}

	row := &entitlementdomain.Entitlement{
		AccountID:   t.AccountID,
		Status:      t.Status,
		LastEventAt: t.EventAt.UTC(),
		LastEventID: t.EventID,
		UpdatedAt:   time.Now().UTC(),
	}

	inserted, err := s.repo.InsertIgnore(ctx, tx, row)
	if err != nil {
		return false, err
	}
	if inserted {
		s.logTransition(ctx, t, "created")
		return true, nil
	}

	updated, err := s.repo.UpdateIfNewer(ctx, tx, row)
	if err != nil {
		return false, err
	}
	if !updated {
		obslogger.WithContext(ctx, s.log).Info("stale entitlement transition ignored",
			zap.String("account_id", t.AccountID.String()),
			zap.String("status", string(t.Status)),
			zap.Time("event_at", t.EventAt),
		)
		return false, nil
	}
	s.logTransition(ctx, t, "updated")
	return true, nil
}

func (s *Service) Get(ctx context.Context, accountID snowflake.ID) (*entitlementdomain.Entitlement, error) {
	e, err := s.repo.Find(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, entitlementdomain.ErrNotFound
	}
	return e, nil
}

func (s *Service) logTransition(ctx context.Context, t entitlementdomain.Transition, action string) {
	obslogger.WithContext(ctx, s.log).Info("entitlement transition applied",
		zap.String("account_id", t.AccountID.String()),
		zap.String("status", string(t.Status)),
		zap.String("action", action),
	)
}
