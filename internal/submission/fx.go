package submission

import (
	"context"

	"github.com/smallbiznis/fiscalia/internal/config"
	invoicedomain "github.com/smallbiznis/fiscalia/internal/invoice/domain"
	"github.com/smallbiznis/fiscalia/internal/observability/metrics"
	"github.com/smallbiznis/fiscalia/internal/submission/domain"
	"github.com/smallbiznis/fiscalia/internal/submission/repository"
	"github.com/smallbiznis/fiscalia/internal/submission/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("submission",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(svc domain.Service) domain.Tracker { return svc }),
	fx.Provide(provideDispatcher),
)

type dispatcherParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Tracker   domain.Tracker
	Metrics   *metrics.Metrics `optional:"true"`
}

func provideDispatcher(p dispatcherParams) invoicedomain.SubmissionDispatcher {
	if p.Config.Verifactu.SubmitInline {
		return service.NewInlineDispatcher(p.Tracker)
	}
	d := service.NewAsyncDispatcher(p.Tracker, p.Log, p.Metrics, p.Config.Verifactu.SubmitWorkers, p.Config.Verifactu.SubmitQueueSize)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			d.Start()
			return nil
		},
		OnStop: d.Stop,
	})
	return d
}
