package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"referral-ledger/pkg/config"
	"referral-ledger/pkg/db"
	"referral-ledger/pkg/featureflags"
	"referral-ledger/pkg/gen"
	"referral-ledger/pkg/hashistack/secretmanager"
	"referral-ledger/pkg/logger"
	"referral-ledger/pkg/otelcol"
	"referral-ledger/pkg/redis"
	"referral-ledger/pkg/sequence"
	"referral-ledger/pkg/task"
	"referral-ledger/services/attribution"
	"referral-ledger/services/ledger"
	"referral-ledger/services/member"
	"referral-ledger/services/milestone"
	"referral-ledger/services/orchestrator"
	"referral-ledger/services/order"
	"referral-ledger/services/rank"
	"referral-ledger/services/referral"
	"referral-ledger/services/schema"
	"referral-ledger/services/settings"
	"referral-ledger/services/storefront"
	sweep "referral-ledger/services/task"
)

// The task binary runs the sweep scheduler and the asynq worker that executes
// what the sweeps and the API enqueue.
func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		schema.Module,
		redis.Module,
		task.Client,
		sequence.Module,
		gen.Module,
		featureflags.Module,
		settings.Module,
		member.Module,
		referral.Module,
		ledger.Module,
		order.Module,
		attribution.Module,
		rank.Module,
		milestone.Module,
		storefront.Module,
		orchestrator.Module,
		storefront.Worker,
		sweep.Worker,
		sweep.Module,
		task.Server,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
