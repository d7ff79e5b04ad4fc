package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditflow/internal/config"
	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyConsumeAccount = "creditflow:consume:account:%s"

const endpointConsume = "consume"

type ConsumeParams struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Client     *redis.Client       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// ConsumeLimiter throttles usage calls per account. A nil limiter or a
// missing redis client allows everything.
type ConsumeLimiter struct {
	bucket     *TokenBucket
	rate       float64
	burst      int
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics
}

func NewConsumeLimiter(p ConsumeParams) *ConsumeLimiter {
	log := p.Log.Named("ratelimit.consume")
	if p.Client == nil || p.Cfg.RateLimit.ConsumeRate <= 0 || p.Cfg.RateLimit.ConsumeBurst <= 0 {
		log.Info("consume rate limiting disabled")
		return nil
	}
	return &ConsumeLimiter{
		bucket:     NewTokenBucket(p.Client),
		rate:       p.Cfg.RateLimit.ConsumeRate,
		burst:      p.Cfg.RateLimit.ConsumeBurst,
		log:        log,
		obsMetrics: p.ObsMetrics,
	}
}

func (l *ConsumeLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow fails open when redis errors: the ledger stays the source of truth
// for spend, the limiter only smooths bursts.
func (l *ConsumeLimiter) Allow(ctx context.Context, accountID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}

	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyConsumeAccount, strings.TrimSpace(accountID)), l.rate, l.burst)
	if err != nil {
		l.log.Warn("consume rate limiter unavailable, allowing request", zap.Error(err))
		l.obsMetrics.RecordRateLimitAllowed(ctx, endpointConsume)
		return &Result{Allowed: true, Limit: l.burst}, nil
	}
	if res.Allowed {
		l.obsMetrics.RecordRateLimitAllowed(ctx, endpointConsume)
	} else {
		l.obsMetrics.RecordRateLimitDenied(ctx, endpointConsume, "account_bucket_empty")
	}
	return res, nil
}
