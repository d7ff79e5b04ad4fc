package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountlinkdomain "github.com/smallbiznis/creditflow/internal/accountlink/domain"
	"github.com/smallbiznis/creditflow/internal/classifier"
	"github.com/smallbiznis/creditflow/internal/clock"
	"github.com/smallbiznis/creditflow/internal/config"
	entitlementdomain "github.com/smallbiznis/creditflow/internal/entitlement/domain"
	idempotencydomain "github.com/smallbiznis/creditflow/internal/idempotency/domain"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	obscontext "github.com/smallbiznis/creditflow/internal/observability/context"
	obslogger "github.com/smallbiznis/creditflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/creditflow/internal/payment/domain"
	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
	"github.com/smallbiznis/creditflow/pkg/db"
	"github.com/smallbiznis/creditflow/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Cfg          config.Config
	Clock        clock.Clock
	GenID        *snowflake.Node
	Classifier   classifier.Classifier
	Idempotency  idempotencydomain.Service
	Ledger       ledgerdomain.Service
	Entitlements entitlementdomain.Service
	Links        accountlinkdomain.Service
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	genID        *snowflake.Node
	timeout      time.Duration
	classifier   classifier.Classifier
	idempotency  idempotencydomain.Service
	ledger       ledgerdomain.Service
	entitlements entitlementdomain.Service
	links        accountlinkdomain.Service
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("payment.service"),
		clock:        clk,
		genID:        p.GenID,
		timeout:      p.Cfg.Webhook.ProcessTimeout,
		classifier:   p.Classifier,
		idempotency:  p.Idempotency,
		ledger:       p.Ledger,
		entitlements: p.Entitlements,
		links:        p.Links,
		obsMetrics:   p.ObsMetrics,
	}
}

// ProcessEvent applies a validated provider event at most once. The
// idempotency record and the effect it guards commit in one transaction.
func (s *Service) ProcessEvent(ctx context.Context, event *webhookdomain.ParsedEvent) (*paymentdomain.ProcessResult, error) {
	if event == nil || strings.TrimSpace(event.EventID) == "" || strings.TrimSpace(event.Provider) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx = obscontext.WithEventID(ctx, event.EventID)
	ctx, _ = correlation.ForEvent(ctx, event.Provider, event.EventID)

	result, err := s.process(ctx, event)
	s.record(ctx, event, result, err)
	return result, err
}

func (s *Service) process(ctx context.Context, event *webhookdomain.ParsedEvent) (*paymentdomain.ProcessResult, error) {
	existing, err := s.idempotency.Lookup(ctx, event.Provider, event.EventID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return duplicateResult(existing), nil
	}

	intent, err := s.classifier.Classify(ctx, event)
	if err != nil {
		if db.IsTransientErr(err) {
			return nil, fmt.Errorf("%w: %v", idempotencydomain.ErrStorageUnavailable, err)
		}
		return nil, err
	}

	var result *paymentdomain.ProcessResult
	switch in := intent.(type) {
	case classifier.DeferredRetry:
		return &paymentdomain.ProcessResult{Intent: in.Kind()}, fmt.Errorf("%w: customer %s is not linked", paymentdomain.ErrDeferredRetry, in.ProviderCustomerID)
	case classifier.Unsupported:
		outcome := idempotencydomain.OutcomeIgnoredUnsupported
		if in.Permanent {
			outcome = idempotencydomain.OutcomeFailedPermanently
		}
		result, err = s.recordOnly(ctx, event, outcome, nil)
	case classifier.GrantCredits:
		result, err = s.applyGrant(ctx, event, in)
	case classifier.RevokeCredits:
		result, err = s.applyRevoke(ctx, event, in)
	case classifier.ActivateEntitlement:
		result, err = s.applyEntitlement(ctx, event, in.AccountID, entitlementdomain.StatusActive, in.EventTimestamp, in.ProviderCustomerID)
	case classifier.MarkPaymentFailed:
		result, err = s.applyEntitlement(ctx, event, in.AccountID, entitlementdomain.StatusPastDue, in.EventTimestamp, "")
	case classifier.CancelEntitlement:
		result, err = s.applyEntitlement(ctx, event, in.AccountID, entitlementdomain.StatusCanceled, in.EventTimestamp, "")
	default:
		return nil, fmt.Errorf("unhandled intent %T", intent)
	}
	if err != nil {
		return nil, err
	}
	result.Intent = intent.Kind()
	return result, nil
}

func (s *Service) applyGrant(ctx context.Context, event *webhookdomain.ParsedEvent, in classifier.GrantCredits) (*paymentdomain.ProcessResult, error) {
	accountID := in.AccountID
	txnID := s.genID.Generate()
	sourceEventID := in.SourceEventID

	var existing *idempotencydomain.EventRecord
	_, err := s.ledger.Mutate(ctx, accountID, func(ctx context.Context, tx *gorm.DB, account ledgerdomain.CreditAccount) (ledgerdomain.Mutation, error) {
		record := s.newRecord(event, idempotencydomain.OutcomeApplied, &accountID, &txnID)
		reservation, err := s.idempotency.Reserve(ctx, tx, record)
		if err != nil {
			return ledgerdomain.Mutation{}, err
		}
		if !reservation.Reserved {
			existing = reservation.Existing
			return ledgerdomain.Mutation{}, idempotencydomain.ErrAlreadyProcessed
		}
		if err := s.linkCustomer(ctx, tx, event.Provider, in.ProviderCustomerID, accountID); err != nil {
			return ledgerdomain.Mutation{}, err
		}
		return ledgerdomain.Mutation{
			Delta:         in.Amount,
			Reason:        ledgerdomain.ReasonPurchaseGrant,
			SourceEventID: &sourceEventID,
			TransactionID: txnID,
		}, nil
	})
	if err != nil {
		return s.handleLedgerError(ctx, event, accountID, existing, err)
	}

	return &paymentdomain.ProcessResult{
		Outcome:       idempotencydomain.OutcomeApplied,
		AccountID:     &accountID,
		TransactionID: &txnID,
	}, nil
}

// applyRevoke reverses refunded credits, clamped to what is still spendable.
func (s *Service) applyRevoke(ctx context.Context, event *webhookdomain.ParsedEvent, in classifier.RevokeCredits) (*paymentdomain.ProcessResult, error) {
	accountID := in.AccountID
	txnID := s.genID.Generate()
	sourceEventID := in.SourceEventID

	var (
		existing *idempotencydomain.EventRecord
		outcome  idempotencydomain.Outcome
		revoked  int64
	)
	_, err := s.ledger.Mutate(ctx, accountID, func(ctx context.Context, tx *gorm.DB, account ledgerdomain.CreditAccount) (ledgerdomain.Mutation, error) {
		revoked = min(in.Amount, account.Balance)
		outcome = idempotencydomain.OutcomeApplied
		record := s.newRecord(event, outcome, &accountID, &txnID)
		if revoked <= 0 {
			outcome = idempotencydomain.OutcomeFailedPermanently
			record.Outcome = outcome
			record.TransactionID = nil
		}

		reservation, err := s.idempotency.Reserve(ctx, tx, record)
		if err != nil {
			return ledgerdomain.Mutation{}, err
		}
		if !reservation.Reserved {
			existing = reservation.Existing
			return ledgerdomain.Mutation{}, idempotencydomain.ErrAlreadyProcessed
		}
		if revoked <= 0 {
			return ledgerdomain.Mutation{}, nil
		}
		return ledgerdomain.Mutation{
			Delta:         -revoked,
			Reason:        ledgerdomain.ReasonRefundReversal,
			SourceEventID: &sourceEventID,
			TransactionID: txnID,
		}, nil
	})
	if err != nil {
		return s.handleLedgerError(ctx, event, accountID, existing, err)
	}

	log := obslogger.WithContext(ctx, s.log)
	if revoked < in.Amount {
		log.Warn("refund exceeds spendable balance, reversal clamped",
			zap.String("account_id", accountID.String()),
			zap.Int64("requested", in.Amount),
			zap.Int64("revoked", max(revoked, 0)),
		)
	}

	result := &paymentdomain.ProcessResult{Outcome: outcome, AccountID: &accountID}
	if outcome == idempotencydomain.OutcomeApplied {
		result.TransactionID = &txnID
	}
	return result, nil
}

func (s *Service) applyEntitlement(ctx context.Context, event *webhookdomain.ParsedEvent, accountID snowflake.ID, status entitlementdomain.Status, at time.Time, customerID string) (*paymentdomain.ProcessResult, error) {
	if _, err := s.ledger.GetAccount(ctx, accountID); err != nil {
		switch {
		case errors.Is(err, ledgerdomain.ErrAccountNotFound):
			return nil, fmt.Errorf("%w: account %s not found", paymentdomain.ErrDeferredRetry, accountID)
		case errors.Is(err, ledgerdomain.ErrInvalidAccount):
			return s.recordOnly(ctx, event, idempotencydomain.OutcomeFailedPermanently, &accountID)
		}
		return nil, err
	}

	var (
		existing *idempotencydomain.EventRecord
		outcome  = idempotencydomain.OutcomeApplied
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := s.newRecord(event, outcome, &accountID, nil)
		reservation, err := s.idempotency.Reserve(ctx, tx, record)
		if err != nil {
			return err
		}
		if !reservation.Reserved {
			existing = reservation.Existing
			return nil
		}
		if err := s.linkCustomer(ctx, tx, event.Provider, customerID, accountID); err != nil {
			return err
		}

		applied, err := s.entitlements.Apply(ctx, tx, entitlementdomain.Transition{
			AccountID: accountID,
			Status:    status,
			EventAt:   at,
			EventID:   event.EventID,
		})
		if err != nil {
			return err
		}
		if !applied {
			outcome = idempotencydomain.OutcomeIgnoredStale
			return s.idempotency.SetOutcome(ctx, tx, record.ID, outcome)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return duplicateResult(existing), nil
	}
	return &paymentdomain.ProcessResult{Outcome: outcome, AccountID: &accountID}, nil
}

// recordOnly stores an outcome that has no side effect.
func (s *Service) recordOnly(ctx context.Context, event *webhookdomain.ParsedEvent, outcome idempotencydomain.Outcome, accountID *snowflake.ID) (*paymentdomain.ProcessResult, error) {
	var reservation idempotencydomain.Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		reservation, err = s.idempotency.Reserve(ctx, tx, s.newRecord(event, outcome, accountID, nil))
		return err
	})
	if err != nil {
		return nil, err
	}
	if !reservation.Reserved {
		return duplicateResult(reservation.Existing), nil
	}
	return &paymentdomain.ProcessResult{Outcome: outcome, AccountID: accountID}, nil
}

func (s *Service) handleLedgerError(ctx context.Context, event *webhookdomain.ParsedEvent, accountID snowflake.ID, existing *idempotencydomain.EventRecord, err error) (*paymentdomain.ProcessResult, error) {
	switch {
	case errors.Is(err, idempotencydomain.ErrAlreadyProcessed):
		if existing == nil {
			existing, err = s.idempotency.Lookup(ctx, event.Provider, event.EventID)
			if err != nil {
				return nil, err
			}
			if existing == nil {
				return nil, idempotencydomain.ErrNotFound
			}
		}
		return duplicateResult(existing), nil

	case errors.Is(err, ledgerdomain.ErrDuplicateSourceEvent):
		// The record was pruned but the ledger row survived. Re-record the
		// event so later deliveries take the fast path.
		result, recErr := s.recordOnly(ctx, event, idempotencydomain.OutcomeApplied, &accountID)
		if recErr != nil {
			return nil, recErr
		}
		result.Duplicate = true
		return result, nil

	case errors.Is(err, ledgerdomain.ErrAccountNotFound):
		// The account row may not have committed yet. Nothing is recorded so
		// the provider redelivers.
		return nil, fmt.Errorf("%w: account %s not found", paymentdomain.ErrDeferredRetry, accountID)

	case errors.Is(err, ledgerdomain.ErrAccountInactive),
		errors.Is(err, ledgerdomain.ErrInvalidAccount),
		errors.Is(err, ledgerdomain.ErrBalanceOverflow):
		obslogger.WithContext(ctx, s.log).Warn("payment event targets unusable account",
			zap.String("account_id", accountID.String()),
			zap.Error(err),
		)
		return s.recordOnly(ctx, event, idempotencydomain.OutcomeFailedPermanently, &accountID)

	default:
		return nil, err
	}
}

func (s *Service) linkCustomer(ctx context.Context, tx *gorm.DB, provider, customerID string, accountID snowflake.ID) error {
	if strings.TrimSpace(customerID) == "" {
		return nil
	}
	return s.links.LinkTx(ctx, tx, accountlinkdomain.LinkRequest{
		Provider:           provider,
		ProviderCustomerID: customerID,
		AccountID:          accountID,
	})
}

func (s *Service) newRecord(event *webhookdomain.ParsedEvent, outcome idempotencydomain.Outcome, accountID, txnID *snowflake.ID) *idempotencydomain.EventRecord {
	var payload datatypes.JSON
	if len(event.Raw) > 0 {
		payload = datatypes.JSON(event.Raw)
	}
	return &idempotencydomain.EventRecord{
		Provider:        event.Provider,
		ProviderEventID: event.EventID,
		EventType:       event.EventType,
		Outcome:         outcome,
		AccountID:       accountID,
		TransactionID:   txnID,
		Payload:         payload,
		ReceivedAt:      s.clock.Now(),
	}
}

func (s *Service) record(ctx context.Context, event *webhookdomain.ParsedEvent, result *paymentdomain.ProcessResult, err error) {
	log := obslogger.WithEvent(obslogger.WithContext(ctx, s.log), event.EventID, event.EventType)

	outcome := "error"
	switch {
	case errors.Is(err, paymentdomain.ErrDeferredRetry):
		outcome = "deferred"
		log.Info("payment event deferred until its account resolves", zap.Error(err))
	case err != nil:
		log.Warn("payment event processing failed", zap.Error(err))
	case result.Duplicate:
		outcome = "duplicate"
		log.Info("duplicate payment event acknowledged", zap.String("outcome", string(result.Outcome)))
	default:
		outcome = string(result.Outcome)
		fields := []zap.Field{
			zap.String("outcome", outcome),
			zap.String("intent", result.Intent),
		}
		if result.AccountID != nil {
			fields = append(fields, zap.String("account_id", result.AccountID.String()))
		}
		if result.TransactionID != nil {
			fields = append(fields, zap.String("transaction_id", result.TransactionID.String()))
		}
		log.Info("payment event processed", fields...)
	}
	s.obsMetrics.RecordWebhookEvent(ctx, event.Provider, event.EventType, outcome)
}

func duplicateResult(record *idempotencydomain.EventRecord) *paymentdomain.ProcessResult {
	return &paymentdomain.ProcessResult{
		Outcome:       record.Outcome,
		Duplicate:     true,
		AccountID:     record.AccountID,
		TransactionID: record.TransactionID,
	}
}
