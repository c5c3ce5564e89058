package rank

import "go.uber.org/fx"

var Module = fx.Module("rank.service",
	fx.Provide(
		func() Policy { return DefaultPolicy() },
		NewClassifier,
		NewService,
	),
)
