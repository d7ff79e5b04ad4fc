package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountlinkdomain "github.com/smallbiznis/creditflow/internal/accountlink/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  accountlinkdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  accountlinkdomain.Repository
}

func NewService(p Params) accountlinkdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("accountlink.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Link(ctx context.Context, req accountlinkdomain.LinkRequest) (*accountlinkdomain.AccountLink, error) {
	link, err := s.newLink(req)
	if err != nil {
		return nil, err
	}

	var stored *accountlinkdomain.AccountLink
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertIgnore(ctx, tx, link)
		if err != nil {
			return err
		}
		if inserted {
			stored = link
			return nil
		}
		existing, err := s.repo.Find(ctx, tx, link.Provider, link.ProviderCustomerID)
		if err != nil {
			return err
		}
		if existing == nil || existing.AccountID != link.AccountID {
			return accountlinkdomain.ErrLinkConflict
		}
		stored = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("account link stored",
		zap.String("provider", stored.Provider),
		zap.String("account_id", stored.AccountID.String()),
	)
	return stored, nil
}

func (s *Service) LinkTx(ctx context.Context, tx *gorm.DB, req accountlinkdomain.LinkRequest) error {
	link, err := s.newLink(req)
	if err != nil {
		return err
	}
	_, err = s.repo.InsertIgnore(ctx, tx, link)
	return err
}

func (s *Service) Resolve(ctx context.Context, provider, customerID string) (snowflake.ID, bool, error) {
	provider = strings.TrimSpace(provider)
	customerID = strings.TrimSpace(customerID)
	if provider == "" || customerID == "" {
		return 0, false, nil
	}
	link, err := s.repo.Find(ctx, s.db, provider, customerID)
	if err != nil {
		return 0, false, err
	}
	if link == nil {
		return 0, false, nil
	}
	return link.AccountID, true, nil
}

func (s *Service) newLink(req accountlinkdomain.LinkRequest) (*accountlinkdomain.AccountLink, error) {
	provider := strings.TrimSpace(req.Provider)
	customerID := strings.TrimSpace(req.ProviderCustomerID)
	if provider == "" || customerID == "" || req.AccountID == 0 {
		return nil, accountlinkdomain.ErrInvalidLink
	}
	return &accountlinkdomain.AccountLink{
		ID:                 s.genID.Generate(),
		Provider:           provider,
		ProviderCustomerID: customerID,
		AccountID:          req.AccountID,
		CreatedAt:          time.Now().UTC(),
	}, nil
}
