package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountlinkdomain "github.com/smallbiznis/creditflow/internal/accountlink/domain"
	obslogger "github.com/smallbiznis/creditflow/internal/observability/logger"
	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Stripe event types the classifier maps to intents.
const (
	EventCheckoutSessionCompleted    = "checkout.session.completed"
	EventInvoicePaid                 = "invoice.paid"
	EventInvoicePaymentFailed        = "invoice.payment_failed"
	EventCustomerSubscriptionUpdated = "customer.subscription.updated"
	EventCustomerSubscriptionDeleted = "customer.subscription.deleted"
	EventChargeRefunded              = "charge.refunded"
)

// Metadata keys the checkout service writes onto provider objects.
const (
	MetadataAccountID = "account_id"
	MetadataCredits   = "credits"
)

// MaxCreditsPerEvent bounds a single grant or refund. Larger values are
// treated as malformed metadata.
const MaxCreditsPerEvent int64 = 1_000_000_000_000

var ErrNilEvent = errors.New("nil_event")

type Classifier interface {
	Classify(ctx context.Context, event *webhookdomain.ParsedEvent) (Intent, error)
}

type Params struct {
	fx.In

	Log   *zap.Logger
	Links accountlinkdomain.Service
}

type Service struct {
	log   *zap.Logger
	links accountlinkdomain.Service
}

func NewService(p Params) Classifier {
	return &Service{
		log:   p.Log.Named("classifier"),
		links: p.Links,
	}
}

// Classify maps a parsed event to exactly one intent. The only error it
// returns is a failure to reach the account link store.
func (s *Service) Classify(ctx context.Context, event *webhookdomain.ParsedEvent) (Intent, error) {
	if event == nil || event.Event == nil || event.Event.Data == nil {
		return nil, ErrNilEvent
	}

	var (
		intent Intent
		err    error
	)
	raw := event.Event.Data.Raw
	switch event.EventType {
	case EventCheckoutSessionCompleted:
		intent, err = s.classifyCheckout(ctx, event, raw)
	case EventInvoicePaid, EventInvoicePaymentFailed:
		intent, err = s.classifyInvoice(ctx, event, raw)
	case EventCustomerSubscriptionUpdated, EventCustomerSubscriptionDeleted:
		intent, err = s.classifySubscription(ctx, event, raw)
	case EventChargeRefunded:
		intent, err = s.classifyRefund(ctx, event, raw)
	default:
		intent = Unsupported{EventType: event.EventType, Reason: "unhandled_event_type"}
	}
	if err != nil {
		return nil, err
	}

	obslogger.WithEvent(obslogger.WithContext(ctx, s.log), event.EventID, event.EventType).
		Debug("event classified", zap.String("intent", intent.Kind()))
	return intent, nil
}

type accountRef struct {
	accountID  snowflake.ID
	customerID string
}

// resolve finds the credit account for a provider object. Explicit metadata
// wins over client_reference_id, which wins over the stored customer link.
// A zero account with a nil intent means "found"; otherwise the returned
// intent must be used as-is.
func (s *Service) resolve(ctx context.Context, provider, eventType string, metadata map[string]string, clientReference, customerID string) (accountRef, Intent, error) {
	ref := accountRef{customerID: strings.TrimSpace(customerID)}

	for _, candidate := range []string{metadata[MetadataAccountID], clientReference} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		id, err := snowflake.ParseString(candidate)
		if err != nil || id <= 0 {
			return ref, Unsupported{EventType: eventType, Reason: "invalid_account_reference", Permanent: true}, nil
		}
		ref.accountID = id
		return ref, nil, nil
	}

	if ref.customerID == "" {
		return ref, Unsupported{EventType: eventType, Reason: "missing_account_reference", Permanent: true}, nil
	}

	id, ok, err := s.links.Resolve(ctx, provider, ref.customerID)
	if err != nil {
		return ref, nil, err
	}
	if !ok {
		return ref, DeferredRetry{EventType: eventType, ProviderCustomerID: ref.customerID}, nil
	}
	ref.accountID = id
	return ref, nil, nil
}

func decodeObject(raw json.RawMessage, out any) error {
	return json.Unmarshal(raw, out)
}
