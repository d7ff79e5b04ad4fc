package service

import (
	"context"
	"net/http"

	"github.com/smallbiznis/creditflow/internal/clock"
	"github.com/smallbiznis/creditflow/internal/config"
	obslogger "github.com/smallbiznis/creditflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
	webhookstripe "github.com/smallbiznis/creditflow/internal/webhook/stripe"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Clock      clock.Clock
	Verifier   webhookdomain.Verifier `optional:"true"`
	ObsMetrics *obsmetrics.Metrics    `optional:"true"`
}

type Service struct {
	log          *zap.Logger
	clock        clock.Clock
	verifier     webhookdomain.Verifier
	maxBodyBytes int64
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p Params) webhookdomain.Receiver {
	verifier := p.Verifier
	if verifier == nil {
		verifier = webhookstripe.NewVerifier(p.Cfg.Webhook.SigningSecret, p.Cfg.Webhook.Tolerance)
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	maxBody := p.Cfg.Webhook.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	if p.Cfg.Webhook.SigningSecret == "" {
		p.Log.Warn("webhook signing secret is empty, every delivery will be rejected")
	}

	return &Service{
		log:          p.Log.Named("webhook.receiver"),
		clock:        clk,
		verifier:     verifier,
		maxBodyBytes: maxBody,
		obsMetrics:   p.ObsMetrics,
	}
}

// Receive validates a delivery. It never touches storage and never logs the body.
func (s *Service) Receive(ctx context.Context, payload []byte, headers http.Header) (*webhookdomain.ParsedEvent, error) {
	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("provider", s.verifier.Provider()),
		zap.Int("payload_bytes", len(payload)),
	)

	if len(payload) == 0 || int64(len(payload)) > s.maxBodyBytes {
		return nil, s.reject(ctx, log, webhookdomain.ErrMalformedPayload)
	}
	if err := s.verifier.Verify(payload, headers, s.clock.Now()); err != nil {
		return nil, s.reject(ctx, log, err)
	}
	event, err := s.verifier.Parse(payload)
	if err != nil {
		return nil, s.reject(ctx, log, err)
	}

	obslogger.WithEvent(log, event.EventID, event.EventType).Debug("webhook accepted")
	return event, nil
}

func (s *Service) reject(ctx context.Context, log *zap.Logger, err error) error {
	s.obsMetrics.RecordWebhookEvent(ctx, s.verifier.Provider(), "unknown", "rejected")
	log.Info("webhook rejected", zap.String("reason", err.Error()))
	return err
}
