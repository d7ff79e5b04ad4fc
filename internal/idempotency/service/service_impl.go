package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	idempotencydomain "github.com/smallbiznis/creditflow/internal/idempotency/domain"
	"github.com/smallbiznis/creditflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  idempotencydomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  idempotencydomain.Repository
}

func NewService(p Params) idempotencydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("idempotency.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Lookup(ctx context.Context, provider, eventID string) (*idempotencydomain.EventRecord, error) {
	provider = strings.TrimSpace(provider)
	eventID = strings.TrimSpace(eventID)
	if provider == "" || eventID == "" {
		return nil, idempotencydomain.ErrInvalidRecord
	}

	record, err := s.repo.Find(ctx, s.db, provider, eventID)
	if err != nil {
		return nil, classify(err)
	}
	return record, nil
}

// Reserve inserts the record inside tx. Only one concurrent caller per
// (provider, event id) observes Reserved=true.
func (s *Service) Reserve(ctx context.Context, tx *gorm.DB, record *idempotencydomain.EventRecord) (idempotencydomain.Reservation, error) {
	if tx == nil || record == nil {
		return idempotencydomain.Reservation{}, idempotencydomain.ErrInvalidRecord
	}
	record.Provider = strings.TrimSpace(record.Provider)
	record.ProviderEventID = strings.TrimSpace(record.ProviderEventID)
	if record.Provider == "" || record.ProviderEventID == "" || !record.Outcome.Valid() {
		return idempotencydomain.Reservation{}, idempotencydomain.ErrInvalidRecord
	}
	if record.ID == 0 {
		record.ID = s.genID.Generate()
	}
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = time.Now().UTC()
	}

	inserted, err := s.repo.Insert(ctx, tx, record)
	if err != nil {
		return idempotencydomain.Reservation{}, classify(err)
	}
	if inserted {
		return idempotencydomain.Reservation{Reserved: true}, nil
	}

	existing, err := s.repo.Find(ctx, tx, record.Provider, record.ProviderEventID)
	if err != nil {
		return idempotencydomain.Reservation{}, classify(err)
	}
	s.log.Debug("event already reserved",
		zap.String("provider", record.Provider),
		zap.String("event_id", record.ProviderEventID),
	)
	return idempotencydomain.Reservation{Reserved: false, Existing: existing}, nil
}

// SetOutcome must run in the transaction that reserved the record.
func (s *Service) SetOutcome(ctx context.Context, tx *gorm.DB, id snowflake.ID, outcome idempotencydomain.Outcome) error {
	if tx == nil || id == 0 || !outcome.Valid() {
		return idempotencydomain.ErrInvalidRecord
	}
	ok, err := s.repo.UpdateOutcome(ctx, tx, id, outcome)
	if err != nil {
		return classify(err)
	}
	if !ok {
		return idempotencydomain.ErrNotFound
	}
	return nil
}

func (s *Service) PruneBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	deleted, err := s.repo.DeleteReceivedBefore(ctx, s.db, cutoff.UTC(), limit)
	if err != nil {
		return 0, classify(err)
	}
	if deleted > 0 {
		s.log.Info("pruned payment event records",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return deleted, nil
}

func classify(err error) error {
	if db.IsTransientErr(err) {
		return fmt.Errorf("%w: %v", idempotencydomain.ErrStorageUnavailable, err)
	}
	return err
}
