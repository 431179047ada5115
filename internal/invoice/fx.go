package invoice

import (
	"github.com/smallbiznis/fiscalia/internal/invoice/repository"
	"github.com/smallbiznis/fiscalia/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(repository.Provide),
	fx.Provide(repository.NumberLookup),
	fx.Provide(service.NewService),
)
