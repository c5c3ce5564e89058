package main

import (
	"context"
	"log"
	"sort"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"referral-ledger/pkg/config"
	"referral-ledger/pkg/db"
	"referral-ledger/pkg/hashistack/secretmanager"
	"referral-ledger/pkg/logger"
	"referral-ledger/services/schema"
	"referral-ledger/services/settings"
)

// seed migrates the schema and writes the default rate rows without touching
// values an operator has already changed.
func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		db.Module,
		fx.Invoke(run),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return fxevent.NopLogger
		}),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Fatalf("seed failed: %v", err)
	}
	_ = app.Stop(ctx)
}

func run(conn *gorm.DB) error {
	ctx := context.Background()
	if err := db.Migrate(ctx, conn, schema.Models()...); err != nil {
		return err
	}

	keys := make([]string, 0, len(settings.Defaults))
	for k := range settings.Defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]settings.Setting, 0, len(keys))
	now := time.Now().UTC()
	for _, k := range keys {
		rows = append(rows, settings.Setting{Key: k, Value: settings.Defaults[k], UpdatedAt: now})
	}

	res := conn.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if res.Error != nil {
		zap.L().Error("failed to seed settings", zap.Error(res.Error))
		return res.Error
	}
	zap.L().Info("settings seeded", zap.Int64("inserted", res.RowsAffected), zap.Int("defaults", len(rows)))
	return nil
}
