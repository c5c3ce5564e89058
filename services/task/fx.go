package task

import (
	queue "referral-ledger/pkg/task"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/fx"
)

// Module runs the sweep scheduler. Sweeps only enqueue; Worker executes.
var Module = fx.Module("task.service",
	fx.Provide(
		NewService,
		NewScheduler,
	),
	fx.Invoke(func(gocron.Scheduler) {}),
)

var Worker = fx.Module("task.worker",
	fx.Provide(queue.AsHandler(NewHandler)),
)
