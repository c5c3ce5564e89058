package settings

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"referral-ledger/pkg/config"
	"referral-ledger/pkg/errutil"
	"referral-ledger/pkg/repository"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var reloadTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "settings_reload_total",
	Help: "Rate snapshot reloads by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(reloadTotal)
}

const (
	SourceDB      = "db"
	SourceEnv     = "env"
	SourceDefault = "default"
)

var ErrUnknownKey = errutil.BadRequest("unknown setting key", nil)

// Store resolves numeric settings from the settings table, then the process
// environment or config file, then Defaults. Readers get an immutable snapshot;
// Reload swaps it atomically.
type Store struct {
	db      *gorm.DB
	repo    repository.Repository[Setting]
	lookup  func(key string) (string, bool)
	current atomic.Pointer[Rates]
	group   singleflight.Group
}

type Params struct {
	fx.In
	DB *gorm.DB
}

func NewStore(p Params) (*Store, error) {
	s := newStore(p.DB, config.Lookup)
	if _, err := s.Reload(context.Background()); err != nil {
		zap.L().Error("failed to load settings", zap.Error(err))
		return nil, err
	}

	config.OnChange(func(*config.Config) {
		if _, err := s.Reload(context.Background()); err != nil {
			zap.L().Warn("settings reload after config change failed", zap.Error(err))
		}
	})
	return s, nil
}

func newStore(db *gorm.DB, lookup func(string) (string, bool)) *Store {
	return &Store{
		db:     db,
		repo:   repository.ProvideStore[Setting](db),
		lookup: lookup,
	}
}

// Current returns the latest snapshot.
func (s *Store) Current() Rates {
	if r := s.current.Load(); r != nil {
		return *r
	}
	return Rates{}
}

// Reload re-reads every source. Concurrent callers share one load.
func (s *Store) Reload(ctx context.Context) (Rates, error) {
	v, err, _ := s.group.Do("reload", func() (any, error) {
		rows, err := s.repo.Find(ctx, nil)
		if err != nil {
			return nil, err
		}
		stored := make(map[string]string, len(rows))
		for _, r := range rows {
			stored[r.Key] = r.Value
		}

		rates, err := s.build(stored)
		if err != nil {
			return nil, err
		}
		s.current.Store(rates)
		return rates, nil
	})
	if err != nil {
		reloadTotal.WithLabelValues("error").Inc()
		return Rates{}, err
	}
	reloadTotal.WithLabelValues("ok").Inc()

	rates := v.(*Rates)
	zap.L().Info("settings loaded", zap.Any("sources", rates.Sources))
	return *rates, nil
}

// Set validates and stores value for key, then reloads the snapshot.
func (s *Store) Set(ctx context.Context, key, value string) (Rates, error) {
	if _, ok := Defaults[key]; !ok {
		return Rates{}, ErrUnknownKey
	}
	if err := validate(key, value); err != nil {
		return Rates{}, errutil.BadRequest(fmt.Sprintf("invalid value for %s", key), err)
	}

	row := &Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(row).Error; err != nil {
		zap.L().Error("failed to store setting", zap.String("key", key), zap.Error(err))
		return Rates{}, err
	}
	return s.Reload(ctx)
}

func (s *Store) build(stored map[string]string) (*Rates, error) {
	r := &Rates{Sources: make(map[string]string, len(Defaults)), LoadedAt: time.Now().UTC()}

	resolve := func(key string) string {
		if v, ok := stored[key]; ok {
			if err := validate(key, v); err == nil {
				r.Sources[key] = SourceDB
				return v
			}
			zap.L().Warn("ignoring invalid stored setting", zap.String("key", key), zap.String("value", v))
		}
		if v, ok := s.lookup(key); ok && v != "" {
			if err := validate(key, v); err == nil {
				r.Sources[key] = SourceEnv
				return v
			}
			zap.L().Warn("ignoring invalid environment setting", zap.String("key", key), zap.String("value", v))
		}
		r.Sources[key] = SourceDefault
		return Defaults[key]
	}

	var err error
	dec := func(key string) decimal.Decimal {
		d, e := decimal.NewFromString(resolve(key))
		if e != nil && err == nil {
			err = fmt.Errorf("setting %s: %w", key, e)
		}
		return d
	}
	num := func(key string) int64 {
		n, e := strconv.ParseInt(resolve(key), 10, 64)
		if e != nil && err == nil {
			err = fmt.Errorf("setting %s: %w", key, e)
		}
		return n
	}

	r.PointsPerRupee = dec(KeyPointsPerRupee)
	r.MaxRedeemPercent = dec(KeyMaxRedeemPercent)
	r.LevelPercents[0] = dec(KeyReferralL1Rate)
	r.LevelPercents[1] = dec(KeyReferralL2Rate)
	r.LevelPercents[2] = dec(KeyReferralL3Rate)
	r.DoctorReferralBonus = num(KeyDoctorReferralBonus)
	r.CustomerReferralBonus = num(KeyCustomerReferralBonus)
	r.CustomerMilestoneOrders = num(KeyCustomerMilestoneOrders)
	r.OnboardingBonus = num(KeyOnboardingBonus)
	r.SubscriptionRenewalPoints = num(KeySubscriptionRenewalPoints)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func validate(key, value string) error {
	switch key {
	case KeyPointsPerRupee:
		d, err := decimal.NewFromString(value)
		if err != nil {
			return err
		}
		if d.IsNegative() {
			return fmt.Errorf("must not be negative")
		}
	case KeyMaxRedeemPercent, KeyReferralL1Rate, KeyReferralL2Rate, KeyReferralL3Rate:
		d, err := decimal.NewFromString(value)
		if err != nil {
			return err
		}
		if d.IsNegative() || d.GreaterThan(hundred) {
			return fmt.Errorf("must be a percent between 0 and 100")
		}
	case KeyDoctorReferralBonus, KeyCustomerReferralBonus, KeyOnboardingBonus, KeySubscriptionRenewalPoints:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("must not be negative")
		}
	case KeyCustomerMilestoneOrders:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		if n < 1 {
			return fmt.Errorf("must be at least 1")
		}
	default:
		return ErrUnknownKey
	}
	return nil
}
