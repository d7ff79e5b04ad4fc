package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creditflow/internal/accountlink"
	accountlinkdomain "github.com/smallbiznis/creditflow/internal/accountlink/domain"
	"github.com/smallbiznis/creditflow/internal/classifier"
	"github.com/smallbiznis/creditflow/internal/config"
	"github.com/smallbiznis/creditflow/internal/entitlement"
	entitlementdomain "github.com/smallbiznis/creditflow/internal/entitlement/domain"
	"github.com/smallbiznis/creditflow/internal/idempotency"
	"github.com/smallbiznis/creditflow/internal/ledger"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	"github.com/smallbiznis/creditflow/internal/observability"
	obslogger "github.com/smallbiznis/creditflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditflow/internal/observability/tracing"
	"github.com/smallbiznis/creditflow/internal/payment"
	paymentdomain "github.com/smallbiznis/creditflow/internal/payment/domain"
	"github.com/smallbiznis/creditflow/internal/ratelimit"
	"github.com/smallbiznis/creditflow/internal/reconciliation"
	reconciliationdomain "github.com/smallbiznis/creditflow/internal/reconciliation/domain"
	"github.com/smallbiznis/creditflow/internal/usage"
	usagedomain "github.com/smallbiznis/creditflow/internal/usage/domain"
	"github.com/smallbiznis/creditflow/internal/webhook"
	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// DomainModules provides every service the HTTP surface and the scheduler
// depend on. Binaries include it once.
var DomainModules = fx.Options(
	idempotency.Module,
	accountlink.Module,
	entitlement.Module,
	ledger.Module,
	classifier.Module,
	webhook.Module,
	payment.Module,
	usage.Module,
	reconciliation.Module,
	ratelimit.Module,
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) {
		s.RegisterWebhookRoutes()
		s.RegisterInternalRoutes()
	}),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	ledger         ledgerdomain.Service
	links          accountlinkdomain.Service
	entitlements   entitlementdomain.Service
	receiver       webhookdomain.Receiver
	payments       paymentdomain.Service
	usage          usagedomain.Service
	auditor        reconciliationdomain.Service
	consumeLimiter *ratelimit.ConsumeLimiter
	maxBodyBytes   int64
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	Ledger         ledgerdomain.Service
	Links          accountlinkdomain.Service
	Entitlements   entitlementdomain.Service
	Receiver       webhookdomain.Receiver
	Payments       paymentdomain.Service
	Usage          usagedomain.Service
	Auditor        reconciliationdomain.Service
	ConsumeLimiter *ratelimit.ConsumeLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	maxBody := p.Cfg.Webhook.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		ledger:         p.Ledger,
		links:          p.Links,
		entitlements:   p.Entitlements,
		receiver:       p.Receiver,
		payments:       p.Payments,
		usage:          p.Usage,
		auditor:        p.Auditor,
		consumeLimiter: p.ConsumeLimiter,
		maxBodyBytes:   maxBody,
	}

	switch {
	case p.Cfg.InternalAPIToken != "":
	case p.Cfg.IsProduction():
		svc.log.Error("INTERNAL_API_TOKEN is empty in production, internal routes are disabled")
	default:
		svc.log.Warn("INTERNAL_API_TOKEN is empty, internal routes are unauthenticated")
	}

	return svc
}

func (s *Server) RegisterWebhookRoutes() {
	webhooks := s.engine.Group("/webhooks")
	webhooks.POST("/payments", s.HandlePaymentWebhook)
}

func (s *Server) RegisterInternalRoutes() {
	internal := s.engine.Group("/internal", s.InternalAuthRequired())

	accounts := internal.Group("/accounts")
	accounts.POST("", s.CreateAccount)
	accounts.GET("/:id", s.GetAccount)
	accounts.GET("/:id/transactions", s.ListTransactions)
	accounts.POST("/:id/links", s.LinkAccount)
	accounts.POST("/:id/grants", s.GrantFreeAllocation)
	accounts.POST("/:id/consume", s.ConsumeRateLimit(), s.Consume)

	internal.POST("/reconciliation/runs", s.RunReconciliation)
}
