package service_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/creditflow/internal/clock"
	"github.com/smallbiznis/creditflow/internal/config"
	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
	webhookservice "github.com/smallbiznis/creditflow/internal/webhook/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const secret = "whsec_receiver"

func newReceiver(t *testing.T, clk clock.Clock, log *zap.Logger) webhookdomain.Receiver {
	t.Helper()
	cfg := config.Config{Webhook: config.WebhookConfig{
		SigningSecret: secret,
		Tolerance:     300 * time.Second,
		MaxBodyBytes:  1024,
	}}
	return webhookservice.NewService(webhookservice.Params{Cfg: cfg, Log: log, Clock: clk})
}

func sign(payload []byte, at time.Time) http.Header {
	h := http.Header{}
	sig := hex.EncodeToString(webhook.ComputeSignature(at, payload, secret))
	h.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", at.Unix(), sig))
	return h
}

func TestReceiveAcceptsFreshAuthenticEvent(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	recv := newReceiver(t, clock.NewFakeClock(now), zap.NewNop())

	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","created":1769940000,"data":{"object":{"id":"cs_1"}}}`)
	event, err := recv.Receive(context.Background(), payload, sign(payload, now))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.EventID)
	assert.Equal(t, "checkout.session.completed", event.EventType)
	assert.Equal(t, payload, event.Raw)
}

func TestReceiveRejectsReplayedCapture(t *testing.T) {
	signedAt := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(signedAt)
	recv := newReceiver(t, clk, zap.NewNop())

	payload := []byte(`{"id":"evt_2","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`)
	headers := sign(payload, signedAt)

	_, err := recv.Receive(context.Background(), payload, headers)
	require.NoError(t, err)

	clk.Advance(6 * time.Minute)
	_, err = recv.Receive(context.Background(), payload, headers)
	assert.ErrorIs(t, err, webhookdomain.ErrExpiredTimestamp)
	assert.True(t, webhookdomain.IsReject(err))
}

func TestReceiveRejectsOversizedBody(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	recv := newReceiver(t, clock.NewFakeClock(now), zap.NewNop())

	payload := bytes.Repeat([]byte("a"), 2048)
	_, err := recv.Receive(context.Background(), payload, sign(payload, now))
	assert.ErrorIs(t, err, webhookdomain.ErrMalformedPayload)
}

func TestReceiveNeverLogsPayload(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	recv := newReceiver(t, clock.NewFakeClock(now), zap.New(core))

	payload := []byte(`{"id":"evt_3","type":"invoice.paid","data":{"object":{"customer_email":"secret@example.com"}}}`)
	headers := sign(payload, now)
	headers.Set("Stripe-Signature", headers.Get("Stripe-Signature")+"0")

	_, err := recv.Receive(context.Background(), payload, headers)
	require.ErrorIs(t, err, webhookdomain.ErrInvalidSignature)

	rejected := logs.FilterMessage("webhook rejected").All()
	require.Len(t, rejected, 1)
	assert.Equal(t, "invalid_signature", rejected[0].ContextMap()["reason"])
	for _, entry := range logs.All() {
		for _, value := range entry.ContextMap() {
			assert.NotContains(t, fmt.Sprint(value), "secret@example.com")
		}
	}
}
