package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditflow/internal/clock"
	"github.com/smallbiznis/creditflow/internal/config"
	"github.com/smallbiznis/creditflow/internal/migration"
	"github.com/smallbiznis/creditflow/internal/observability"
	"github.com/smallbiznis/creditflow/internal/scheduler"
	"github.com/smallbiznis/creditflow/internal/server"
	"github.com/smallbiznis/creditflow/pkg/db"
	"go.uber.org/fx"
)

// All-in-one binary: webhook and internal API plus the reconciliation scheduler.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		fx.Provide(clock.New),
		db.Module,
		migration.Module,

		// Functional Domains
		server.DomainModules,
		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
