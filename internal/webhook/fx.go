package webhook

import (
	"github.com/smallbiznis/creditflow/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.receiver",
	fx.Provide(service.NewService),
)
