package main

import (
	_ "time/tzdata"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscalia/internal/audit"
	"github.com/smallbiznis/fiscalia/internal/clock"
	"github.com/smallbiznis/fiscalia/internal/config"
	"github.com/smallbiznis/fiscalia/internal/invoice/repository"
	"github.com/smallbiznis/fiscalia/internal/issuer"
	"github.com/smallbiznis/fiscalia/internal/observability"
	"github.com/smallbiznis/fiscalia/internal/scheduler"
	"github.com/smallbiznis/fiscalia/internal/submission"
	"github.com/smallbiznis/fiscalia/internal/verifactu"
	"github.com/smallbiznis/fiscalia/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by scheduler
		audit.Module,
		issuer.Module,
		verifactu.Module,
		fx.Provide(repository.Provide),
		submission.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
