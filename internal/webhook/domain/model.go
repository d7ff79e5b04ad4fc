package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
)

// Reject reasons. All of them are permanent: the provider must not retry.
var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrExpiredTimestamp = errors.New("expired_timestamp")
	ErrMalformedPayload = errors.New("malformed_payload")
)

const ProviderStripe = "stripe"

// ParsedEvent is an authentic, fresh and structurally valid provider event.
type ParsedEvent struct {
	Provider  string
	EventID   string
	EventType string
	CreatedAt time.Time
	Event     *stripe.Event
	Raw       []byte
}

// Verifier authenticates and decodes payloads for one provider.
type Verifier interface {
	Provider() string
	Verify(payload []byte, headers http.Header, now time.Time) error
	Parse(payload []byte) (*ParsedEvent, error)
}

type Receiver interface {
	Receive(ctx context.Context, payload []byte, headers http.Header) (*ParsedEvent, error)
}

// IsReject reports whether err is one of the permanent reject reasons.
func IsReject(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrExpiredTimestamp) ||
		errors.Is(err, ErrMalformedPayload)
}
