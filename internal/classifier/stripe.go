package classifier

import (
	"context"
	"encoding/json"
	"math/bits"
	"strconv"
	"strings"
	"time"

	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
	stripe "github.com/stripe/stripe-go/v82"
)

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func eventTime(event *webhookdomain.ParsedEvent) time.Time {
	return event.CreatedAt
}

func (s *Service) classifyCheckout(ctx context.Context, event *webhookdomain.ParsedEvent, raw json.RawMessage) (Intent, error) {
	var session stripe.CheckoutSession
	if err := decodeObject(raw, &session); err != nil {
		return Unsupported{EventType: event.EventType, Reason: "invalid_checkout_session", Permanent: true}, nil
	}

	switch session.Mode {
	case stripe.CheckoutSessionModePayment:
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return Unsupported{EventType: event.EventType, Reason: "checkout_not_paid"}, nil
		}
		credits, ok := parseCredits(session.Metadata)
		if !ok {
			return Unsupported{EventType: event.EventType, Reason: "invalid_credits", Permanent: true}, nil
		}
		ref, fallback, err := s.resolve(ctx, event.Provider, event.EventType, session.Metadata, session.ClientReferenceID, customerID(session.Customer))
		if err != nil || fallback != nil {
			return fallback, err
		}
		return GrantCredits{
			AccountID:          ref.accountID,
			Amount:             credits,
			SourceEventID:      event.EventID,
			ProviderCustomerID: ref.customerID,
		}, nil

	case stripe.CheckoutSessionModeSubscription:
		if eventTime(event).IsZero() {
			return Unsupported{EventType: event.EventType, Reason: "missing_event_timestamp", Permanent: true}, nil
		}
		ref, fallback, err := s.resolve(ctx, event.Provider, event.EventType, session.Metadata, session.ClientReferenceID, customerID(session.Customer))
		if err != nil || fallback != nil {
			return fallback, err
		}
		return ActivateEntitlement{
			AccountID:          ref.accountID,
			EventTimestamp:     eventTime(event),
			ProviderCustomerID: ref.customerID,
		}, nil

	default:
		return Unsupported{EventType: event.EventType, Reason: "unhandled_checkout_mode"}, nil
	}
}

func (s *Service) classifyInvoice(ctx context.Context, event *webhookdomain.ParsedEvent, raw json.RawMessage) (Intent, error) {
	var invoice stripe.Invoice
	if err := decodeObject(raw, &invoice); err != nil {
		return Unsupported{EventType: event.EventType, Reason: "invalid_invoice", Permanent: true}, nil
	}
	if eventTime(event).IsZero() {
		return Unsupported{EventType: event.EventType, Reason: "missing_event_timestamp", Permanent: true}, nil
	}

	ref, fallback, err := s.resolve(ctx, event.Provider, event.EventType, invoice.Metadata, "", customerID(invoice.Customer))
	if err != nil || fallback != nil {
		return fallback, err
	}

	if event.EventType == EventInvoicePaymentFailed {
		return MarkPaymentFailed{AccountID: ref.accountID, EventTimestamp: eventTime(event)}, nil
	}
	return ActivateEntitlement{AccountID: ref.accountID, EventTimestamp: eventTime(event)}, nil
}

func (s *Service) classifySubscription(ctx context.Context, event *webhookdomain.ParsedEvent, raw json.RawMessage) (Intent, error) {
	var sub stripe.Subscription
	if err := decodeObject(raw, &sub); err != nil {
		return Unsupported{EventType: event.EventType, Reason: "invalid_subscription", Permanent: true}, nil
	}
	if eventTime(event).IsZero() {
		return Unsupported{EventType: event.EventType, Reason: "missing_event_timestamp", Permanent: true}, nil
	}

	target := subscriptionTarget(event.EventType, sub.Status)
	if target == "" {
		return Unsupported{EventType: event.EventType, Reason: "unhandled_subscription_status"}, nil
	}

	ref, fallback, err := s.resolve(ctx, event.Provider, event.EventType, sub.Metadata, "", customerID(sub.Customer))
	if err != nil || fallback != nil {
		return fallback, err
	}

	at := eventTime(event)
	switch target {
	case "active":
		return ActivateEntitlement{AccountID: ref.accountID, EventTimestamp: at}, nil
	case "past_due":
		return MarkPaymentFailed{AccountID: ref.accountID, EventTimestamp: at}, nil
	default:
		return CancelEntitlement{AccountID: ref.accountID, EventTimestamp: at}, nil
	}
}

func subscriptionTarget(eventType string, status stripe.SubscriptionStatus) string {
	if eventType == EventCustomerSubscriptionDeleted {
		return "canceled"
	}
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return "active"
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return "past_due"
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return "canceled"
	default:
		return ""
	}
}

// classifyRefund revokes the credits bought by the refunded share of a
// charge. amount_refunded is cumulative, so the share refunded by this event
// is taken from previous_attributes when stripe sends it.
func (s *Service) classifyRefund(ctx context.Context, event *webhookdomain.ParsedEvent, raw json.RawMessage) (Intent, error) {
	var charge stripe.Charge
	if err := decodeObject(raw, &charge); err != nil {
		return Unsupported{EventType: event.EventType, Reason: "invalid_charge", Permanent: true}, nil
	}

	credits, ok := parseCredits(charge.Metadata)
	if !ok {
		return Unsupported{EventType: event.EventType, Reason: "invalid_credits", Permanent: true}, nil
	}

	refunded := charge.AmountRefunded
	if prev, ok := previousAmount(event.Event.Data.PreviousAttributes, "amount_refunded"); ok {
		refunded -= prev
	}
	revoke := prorate(credits, refunded, charge.Amount)
	if revoke <= 0 {
		return Unsupported{EventType: event.EventType, Reason: "nothing_refunded", Permanent: true}, nil
	}

	ref, fallback, err := s.resolve(ctx, event.Provider, event.EventType, charge.Metadata, "", customerID(charge.Customer))
	if err != nil || fallback != nil {
		return fallback, err
	}
	return RevokeCredits{
		AccountID:     ref.accountID,
		Amount:        revoke,
		SourceEventID: event.EventID,
	}, nil
}

// prorate rounds down so a partial refund never revokes more than was paid for.
func prorate(credits, refunded, total int64) int64 {
	if refunded <= 0 {
		return 0
	}
	if total <= 0 || refunded >= total {
		return credits
	}
	hi, lo := bits.Mul64(uint64(credits), uint64(refunded))
	// refunded < total, so the quotient is below credits and cannot overflow.
	q, _ := bits.Div64(hi, lo, uint64(total))
	return int64(q)
}

func parseCredits(metadata map[string]string) (int64, bool) {
	raw := strings.TrimSpace(metadata[MetadataCredits])
	if raw == "" {
		return 0, false
	}
	credits, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || credits <= 0 || credits > MaxCreditsPerEvent {
		return 0, false
	}
	return credits, true
}

func previousAmount(attrs map[string]interface{}, key string) (int64, bool) {
	if attrs == nil {
		return 0, false
	}
	switch v := attrs[key].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
