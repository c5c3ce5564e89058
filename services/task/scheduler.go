package task

import (
	"context"
	"time"

	"referral-ledger/pkg/config"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type definition struct {
	name        string
	description string
	schedule    string
}

func definitions(cfg *config.Config) []definition {
	s := cfg.Scheduler
	return []definition{
		{SweepRank, "weekly rank promotion sweep over all members", s.RankSweep},
		{SweepMilestone, "daily customer milestone sweep over unawarded referrals", s.MilestoneSweep},
		{SweepRenewal, "monthly subscription points for active subscribers", s.RenewalSweep},
	}
}

// NewScheduler registers every sweep with gocron in the configured timezone.
// A sweep with an empty schedule is stored but never triggered.
func NewScheduler(lc fx.Lifecycle, cfg *config.Config, svc *Service) (gocron.Scheduler, error) {
	loc := time.UTC
	if cfg.Scheduler.Timezone != "" {
		l, err := time.LoadLocation(cfg.Scheduler.Timezone)
		if err != nil {
			return nil, err
		}
		loc = l
	}

	sched, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			for _, d := range definitions(cfg) {
				sw, err := svc.Register(ctx, d.name, d.description, d.schedule)
				if err != nil {
					return err
				}
				if d.schedule == "" {
					zap.L().Info("sweep has no schedule", zap.String("sweep", d.name))
					continue
				}
				name := sw.Name
				if _, err := sched.NewJob(
					gocron.CronJob(d.schedule, false),
					gocron.NewTask(func() { runScheduled(svc, name) }),
					gocron.WithName(name),
					gocron.WithSingletonMode(gocron.LimitModeReschedule),
				); err != nil {
					zap.L().Error("failed to schedule sweep", zap.String("sweep", name), zap.Error(err))
					return err
				}
				zap.L().Info("sweep scheduled", zap.String("sweep", name), zap.String("cron", d.schedule), zap.String("tz", loc.String()))
			}
			sched.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return sched.Shutdown()
		},
	})
	return sched, nil
}

func runScheduled(svc *Service, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	if _, err := svc.RunSweep(ctx, name); err != nil {
		zap.L().Error("sweep run failed", zap.String("sweep", name), zap.Error(err))
	}
}
