package storefront

import (
	"referral-ledger/pkg/task"

	"go.uber.org/fx"
)

var Module = fx.Module("storefront",
	fx.Provide(NewNotifier),
)

var Worker = fx.Module("storefront.worker",
	fx.Provide(
		NewClient,
		task.AsHandler(NewNoteHandler),
	),
)
