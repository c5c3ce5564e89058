package orchestrator

import (
	"referral-ledger/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("orchestrator.service",
	fx.Provide(NewService),
)

var Routes = fx.Module("orchestrator.routes",
	fx.Provide(httpapi.AsRoutes(NewHandler)),
)
