package issuer

import (
	"github.com/smallbiznis/fiscalia/internal/issuer/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("issuer.repository",
	fx.Provide(repository.Provide),
)
