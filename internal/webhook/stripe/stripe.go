package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
	stripego "github.com/stripe/stripe-go/v82"
)

const SignatureHeader = "Stripe-Signature"

const DefaultTolerance = 300 * time.Second

type Verifier struct {
	secret    []byte
	tolerance time.Duration
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		secret:    []byte(strings.TrimSpace(secret)),
		tolerance: tolerance,
	}
}

func (v *Verifier) Provider() string {
	return webhookdomain.ProviderStripe
}

// Verify checks the v1 HMAC-SHA256 signature over "<t>.<payload>" and then
// requires t to lie within the tolerance of now, in either direction.
func (v *Verifier) Verify(payload []byte, headers http.Header, now time.Time) error {
	if len(v.secret) == 0 {
		return webhookdomain.ErrInvalidSignature
	}
	sigHeader := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHeader == "" {
		return webhookdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return webhookdomain.ErrInvalidSignature
	}

	expected := computeSignature(v.secret, timestamp, payload)
	matched := false
	for _, signature := range signatures {
		decoded, err := hex.DecodeString(signature)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			matched = true
			break
		}
	}
	if !matched {
		return webhookdomain.ErrInvalidSignature
	}

	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return webhookdomain.ErrInvalidSignature
	}
	skew := now.Sub(time.Unix(signedAt, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return webhookdomain.ErrExpiredTimestamp
	}
	return nil
}

// Parse decodes the payload into a stripe event. It must carry an id, a
// type and a data object.
func (v *Verifier) Parse(payload []byte) (*webhookdomain.ParsedEvent, error) {
	var event stripego.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, webhookdomain.ErrMalformedPayload
	}
	event.ID = strings.TrimSpace(event.ID)
	eventType := strings.TrimSpace(string(event.Type))
	if event.ID == "" || eventType == "" {
		return nil, webhookdomain.ErrMalformedPayload
	}
	if event.Data == nil || len(event.Data.Raw) == 0 || string(event.Data.Raw) == "null" {
		return nil, webhookdomain.ErrMalformedPayload
	}

	created := time.Time{}
	if event.Created > 0 {
		created = time.Unix(event.Created, 0).UTC()
	}

	return &webhookdomain.ParsedEvent{
		Provider:  webhookdomain.ProviderStripe,
		EventID:   event.ID,
		EventType: eventType,
		CreatedAt: created,
		Event:     &event,
		Raw:       payload,
	}, nil
}

func computeSignature(secret []byte, timestamp string, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature_header")
	}
	return timestamp, signatures, nil
}
