package series

import (
	"github.com/smallbiznis/fiscalia/internal/series/repository"
	"github.com/smallbiznis/fiscalia/internal/series/service"
	"go.uber.org/fx"
)

var Module = fx.Module("series.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
