package main

import (
	_ "time/tzdata"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscalia/internal/audit"
	"github.com/smallbiznis/fiscalia/internal/clock"
	"github.com/smallbiznis/fiscalia/internal/config"
	"github.com/smallbiznis/fiscalia/internal/invoice"
	"github.com/smallbiznis/fiscalia/internal/issuer"
	"github.com/smallbiznis/fiscalia/internal/migration"
	"github.com/smallbiznis/fiscalia/internal/observability"
	"github.com/smallbiznis/fiscalia/internal/scheduler"
	"github.com/smallbiznis/fiscalia/internal/series"
	"github.com/smallbiznis/fiscalia/internal/serieslock"
	"github.com/smallbiznis/fiscalia/internal/server"
	"github.com/smallbiznis/fiscalia/internal/submission"
	"github.com/smallbiznis/fiscalia/internal/verifactu"
	"github.com/smallbiznis/fiscalia/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		serieslock.Module,

		// Functional Domains
		audit.Module,
		issuer.Module,
		series.Module,
		verifactu.Module,
		invoice.Module,
		submission.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
