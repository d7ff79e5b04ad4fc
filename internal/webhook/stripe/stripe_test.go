package stripe

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test"

func signedHeader(secret string, payload []byte, at time.Time) http.Header {
	sig := hex.EncodeToString(webhook.ComputeSignature(at, payload, secret))
	h := http.Header{}
	h.Set(SignatureHeader, fmt.Sprintf("t=%d,v1=%s", at.Unix(), sig))
	return h
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","created":1767225600,"data":{"object":{"id":"cs_1"}}}`)
	now := time.Unix(1767225600, 0)
	v := NewVerifier(testSecret, 300*time.Second)

	tests := []struct {
		name    string
		headers http.Header
		payload []byte
		wantErr error
	}{
		{name: "valid", headers: signedHeader(testSecret, payload, now), payload: payload},
		{name: "clock skew ahead within tolerance", headers: signedHeader(testSecret, payload, now.Add(299*time.Second)), payload: payload},
		{name: "wrong secret", headers: signedHeader("whsec_other", payload, now), payload: payload, wantErr: webhookdomain.ErrInvalidSignature},
		{name: "tampered body", headers: signedHeader(testSecret, payload, now), payload: append([]byte(" "), payload...), wantErr: webhookdomain.ErrInvalidSignature},
		{name: "missing header", headers: http.Header{}, payload: payload, wantErr: webhookdomain.ErrInvalidSignature},
		{name: "too old", headers: signedHeader(testSecret, payload, now.Add(-301*time.Second)), payload: payload, wantErr: webhookdomain.ErrExpiredTimestamp},
		{name: "too far ahead", headers: signedHeader(testSecret, payload, now.Add(10*time.Minute)), payload: payload, wantErr: webhookdomain.ErrExpiredTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.payload, tt.headers, now)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifyAcceptsAnyMatchingV1(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Unix(1767225600, 0)
	good := hex.EncodeToString(webhook.ComputeSignature(now, payload, testSecret))

	h := http.Header{}
	h.Set(SignatureHeader, fmt.Sprintf("t=%d,v1=deadbeef,v0=ignored,v1=%s", now.Unix(), good))

	require.NoError(t, NewVerifier(testSecret, 0).Verify(payload, h, now))
}

func TestVerifyRejectsEmptySecret(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Unix(1767225600, 0)
	err := NewVerifier("", 0).Verify(payload, signedHeader("", payload, now), now)
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidSignature)
}

func TestParse(t *testing.T) {
	v := NewVerifier(testSecret, 0)

	event, err := v.Parse([]byte(`{"id":"evt_1","type":"invoice.paid","created":1767225600,"data":{"object":{"id":"in_1","customer":"cus_1"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "stripe", event.Provider)
	assert.Equal(t, "evt_1", event.EventID)
	assert.Equal(t, "invoice.paid", event.EventType)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), event.CreatedAt)
	require.NotNil(t, event.Event.Data)
	assert.Equal(t, "in_1", event.Event.Data.Object["id"])

	for name, payload := range map[string]string{
		"not json":     `{"id":`,
		"missing id":   `{"type":"invoice.paid","data":{"object":{}}}`,
		"missing type": `{"id":"evt_1","data":{"object":{}}}`,
		"missing data": `{"id":"evt_1","type":"invoice.paid"}`,
		"null object":  `{"id":"evt_1","type":"invoice.paid","data":{"object":null}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Parse([]byte(payload))
			assert.ErrorIs(t, err, webhookdomain.ErrMalformedPayload)
		})
	}
}
