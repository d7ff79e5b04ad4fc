package accountlink

import (
	"github.com/smallbiznis/creditflow/internal/accountlink/repository"
	"github.com/smallbiznis/creditflow/internal/accountlink/service"
	"go.uber.org/fx"
)

var Module = fx.Module("accountlink.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
