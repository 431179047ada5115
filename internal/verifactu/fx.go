package verifactu

import (
	"github.com/smallbiznis/fiscalia/internal/config"
	"github.com/smallbiznis/fiscalia/internal/verifactu/client"
	"github.com/smallbiznis/fiscalia/internal/verifactu/qr"
	"go.uber.org/fx"
)

var Module = fx.Module("verifactu",
	fx.Provide(func(cfg config.Config) qr.Generator {
		return qr.NewGenerator(qr.Config{BaseURL: cfg.Verifactu.QRBaseURL})
	}),
	fx.Provide(func(cfg config.Config) client.Submitter {
		return client.New(client.Config{
			Endpoint: cfg.Verifactu.ServiceEndpoint,
			Timeout:  cfg.Verifactu.ServiceTimeout,
		})
	}),
)
