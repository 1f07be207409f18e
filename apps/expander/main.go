package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/renovolabs/renovo/internal/clock"
	"github.com/renovolabs/renovo/internal/config"
	"github.com/renovolabs/renovo/internal/cursor"
	"github.com/renovolabs/renovo/internal/expander"
	"github.com/renovolabs/renovo/internal/lock"
	"github.com/renovolabs/renovo/internal/migration"
	"github.com/renovolabs/renovo/internal/observability"
	"github.com/renovolabs/renovo/internal/pricing"
	"github.com/renovolabs/renovo/internal/registry"
	"github.com/renovolabs/renovo/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain services required by the expansion loop
		cursor.Module,
		lock.Module,
		registry.Module,
		pricing.Module,
		expander.Module,

		// No server module!
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
