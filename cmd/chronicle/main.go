package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chronicle/internal/archive"
	"github.com/smallbiznis/chronicle/internal/assoc"
	"github.com/smallbiznis/chronicle/internal/bulk"
	"github.com/smallbiznis/chronicle/internal/clock"
	"github.com/smallbiznis/chronicle/internal/config"
	"github.com/smallbiznis/chronicle/internal/engine"
	"github.com/smallbiznis/chronicle/internal/hierarchy"
	"github.com/smallbiznis/chronicle/internal/migration"
	"github.com/smallbiznis/chronicle/internal/observability"
	"github.com/smallbiznis/chronicle/internal/recorder"
	"github.com/smallbiznis/chronicle/internal/registry"
	"github.com/smallbiznis/chronicle/internal/server"
	"github.com/smallbiznis/chronicle/internal/snapshot"
	"github.com/smallbiznis/chronicle/internal/temporal"
	"github.com/smallbiznis/chronicle/pkg/db"
	"github.com/smallbiznis/chronicle/pkg/log"
	"github.com/smallbiznis/chronicle/pkg/telemetry"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// core infrastructure
		config.Module,
		log.Module,
		telemetry.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// versioning core
		registry.Module,
		temporal.Module,
		recorder.Module,
		assoc.Module,
		hierarchy.Module,
		bulk.Module,
		snapshot.Module,
		engine.Module,

		// domain types and HTTP surface
		archive.Module,
		server.Module,
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
