package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditflow/internal/clock"
	"github.com/smallbiznis/creditflow/internal/config"
	"github.com/smallbiznis/creditflow/internal/idempotency"
	"github.com/smallbiznis/creditflow/internal/observability"
	"github.com/smallbiznis/creditflow/internal/ratelimit"
	"github.com/smallbiznis/creditflow/internal/reconciliation"
	"github.com/smallbiznis/creditflow/internal/scheduler"
	"github.com/smallbiznis/creditflow/pkg/db"
	"go.uber.org/fx"
)

// Auditor-only binary. It reads the ledger and prunes old event records but
// never mutates balances. Schema migrations are left to the API binaries.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		fx.Provide(clock.New),
		db.Module,

		idempotency.Module,
		reconciliation.Module,
		ratelimit.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}
	return node
}
