package schema

import (
	"context"

	"referral-ledger/pkg/config"
	"referral-ledger/pkg/db"
	"referral-ledger/services/attribution"
	"referral-ledger/services/ledger"
	"referral-ledger/services/member"
	"referral-ledger/services/orchestrator"
	"referral-ledger/services/order"
	"referral-ledger/services/rank"
	"referral-ledger/services/referral"
	"referral-ledger/services/settings"
	"referral-ledger/services/task"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Module migrates the schema at startup when DATABASE.AUTO_MIGRATE is set.
// It must be listed before any module whose constructors read the tables.
var Module = fx.Module("schema", fx.Invoke(migrate))

func Models() []any {
	return []any{
		&member.User{},
		&referral.Referral{},
		&ledger.PointsTransaction{},
		&order.Order{},
		&attribution.ExternalCustomer{},
		&attribution.OrderAttribution{},
		&rank.History{},
		&settings.Setting{},
		&orchestrator.Event{},
		&task.Sweep{},
		&task.Job{},
	}
}

func migrate(cfg *config.Config, conn *gorm.DB) error {
	if !cfg.Database.AutoMigrate {
		return nil
	}
	return db.Migrate(context.Background(), conn, Models()...)
}
