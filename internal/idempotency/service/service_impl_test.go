package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	idempotencydomain "github.com/smallbiznis/creditflow/internal/idempotency/domain"
	idempotencyrepo "github.com/smallbiznis/creditflow/internal/idempotency/repository"
	idempotencyservice "github.com/smallbiznis/creditflow/internal/idempotency/service"
	"github.com/smallbiznis/creditflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newService(t *testing.T, db *gorm.DB) idempotencydomain.Service {
	t.Helper()
	return idempotencyservice.NewService(idempotencyservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.Node(t),
		Repo:  idempotencyrepo.Provide(),
	})
}

func reserve(t *testing.T, db *gorm.DB, svc idempotencydomain.Service, record *idempotencydomain.EventRecord) idempotencydomain.Reservation {
	t.Helper()
	var res idempotencydomain.Reservation
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = svc.Reserve(context.Background(), tx, record)
		return err
	})
	require.NoError(t, err)
	return res
}

func TestReserveIsFirstWriterWins(t *testing.T) {
	db := testutil.OpenSQLite(t)
	svc := newService(t, db)

	first := reserve(t, db, svc, &idempotencydomain.EventRecord{
		Provider:        "stripe",
		ProviderEventID: "evt_1",
		EventType:       "checkout.session.completed",
		Outcome:         idempotencydomain.OutcomeApplied,
	})
	assert.True(t, first.Reserved)

	second := reserve(t, db, svc, &idempotencydomain.EventRecord{
		Provider:        "stripe",
		ProviderEventID: "evt_1",
		EventType:       "checkout.session.completed",
		Outcome:         idempotencydomain.OutcomeIgnoredUnsupported,
	})
	assert.False(t, second.Reserved)
	require.NotNil(t, second.Existing)
	assert.Equal(t, idempotencydomain.OutcomeApplied, second.Existing.Outcome)

	found, err := svc.Lookup(context.Background(), "stripe", "evt_1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, idempotencydomain.OutcomeApplied, found.Outcome)

	missing, err := svc.Lookup(context.Background(), "stripe", "evt_2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReserveRolledBackWithEffect(t *testing.T) {
	db := testutil.OpenSQLite(t)
	svc := newService(t, db)
	boom := errors.New("effect failed")

	err := db.Transaction(func(tx *gorm.DB) error {
		res, err := svc.Reserve(context.Background(), tx, &idempotencydomain.EventRecord{
			Provider:        "stripe",
			ProviderEventID: "evt_rollback",
			EventType:       "invoice.paid",
			Outcome:         idempotencydomain.OutcomeApplied,
		})
		require.NoError(t, err)
		require.True(t, res.Reserved)
		return boom
	})
	require.ErrorIs(t, err, boom)

	found, err := svc.Lookup(context.Background(), "stripe", "evt_rollback")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestConcurrentReserveHasSingleWinner(t *testing.T) {
	db := testutil.OpenSQLite(t)
	svc := newService(t, db)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.Transaction(func(tx *gorm.DB) error {
				res, err := svc.Reserve(context.Background(), tx, &idempotencydomain.EventRecord{
					Provider:        "stripe",
					ProviderEventID: "evt_race",
					EventType:       "checkout.session.completed",
					Outcome:         idempotencydomain.OutcomeApplied,
				})
				if err != nil {
					return err
				}
				if res.Reserved {
					mu.Lock()
					winners++
					mu.Unlock()
				}
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestSetOutcome(t *testing.T) {
	db := testutil.OpenSQLite(t)
	svc := newService(t, db)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		record := &idempotencydomain.EventRecord{
			Provider:        "stripe",
			ProviderEventID: "evt_stale",
			EventType:       "customer.subscription.updated",
			Outcome:         idempotencydomain.OutcomeApplied,
		}
		if _, err := svc.Reserve(ctx, tx, record); err != nil {
			return err
		}
		return svc.SetOutcome(ctx, tx, record.ID, idempotencydomain.OutcomeIgnoredStale)
	})
	require.NoError(t, err)

	found, err := svc.Lookup(ctx, "stripe", "evt_stale")
	require.NoError(t, err)
	assert.Equal(t, idempotencydomain.OutcomeIgnoredStale, found.Outcome)

	err = svc.SetOutcome(ctx, db, 12345, idempotencydomain.OutcomeApplied)
	assert.ErrorIs(t, err, idempotencydomain.ErrNotFound)
	err = svc.SetOutcome(ctx, db, found.ID, idempotencydomain.Outcome("bogus"))
	assert.ErrorIs(t, err, idempotencydomain.ErrInvalidRecord)
}

func TestReserveValidation(t *testing.T) {
	db := testutil.OpenSQLite(t)
	svc := newService(t, db)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, db, &idempotencydomain.EventRecord{Provider: "stripe", Outcome: idempotencydomain.OutcomeApplied})
	assert.ErrorIs(t, err, idempotencydomain.ErrInvalidRecord)

	_, err = svc.Reserve(ctx, db, &idempotencydomain.EventRecord{Provider: "stripe", ProviderEventID: "evt_x"})
	assert.ErrorIs(t, err, idempotencydomain.ErrInvalidRecord)

	_, err = svc.Lookup(ctx, " ", "evt_x")
	assert.ErrorIs(t, err, idempotencydomain.ErrInvalidRecord)
}

func TestPruneBefore(t *testing.T) {
	db := testutil.OpenSQLite(t)
	svc := newService(t, db)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, age := range []time.Duration{72 * time.Hour, 48 * time.Hour, time.Hour} {
		reserve(t, db, svc, &idempotencydomain.EventRecord{
			Provider:        "stripe",
			ProviderEventID: []string{"evt_old_1", "evt_old_2", "evt_new"}[i],
			EventType:       "invoice.paid",
			Outcome:         idempotencydomain.OutcomeApplied,
			ReceivedAt:      now.Add(-age),
		})
	}

	deleted, err := svc.PruneBefore(ctx, now.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	kept, err := svc.Lookup(ctx, "stripe", "evt_new")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestLookupReportsStorageUnavailable(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)

	mock.ExpectQuery("FROM payment_events").
		WillReturnError(&pgconn.PgError{Code: "08006", Message: "connection failure"})

	svc := newService(t, db)
	_, err = svc.Lookup(context.Background(), "stripe", "evt_1")
	assert.ErrorIs(t, err, idempotencydomain.ErrStorageUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}
