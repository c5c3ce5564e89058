package milestone

import (
	"context"
	"errors"

	"referral-ledger/pkg/featureflags"
	"referral-ledger/services/attribution"
	"referral-ledger/services/ledger"
	"referral-ledger/services/member"
	"referral-ledger/services/order"
	"referral-ledger/services/referral"
	"referral-ledger/services/settings"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var awardsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "milestone_awards_total",
	Help: "Referral milestone bonuses by kind and outcome.",
}, []string{"kind", "outcome"})

func init() {
	prometheus.MustRegister(awardsTotal)
}

type Service struct {
	db    *gorm.DB
	rates settings.Source
	flags featureflags.FeatureFlag

	members     *member.Service
	referral    *referral.Service
	ledger      *ledger.Service
	orders      *order.Service
	attribution *attribution.Service
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Rates       settings.Source
	Flags       featureflags.FeatureFlag
	Member      *member.Service
	Referral    *referral.Service
	Ledger      *ledger.Service
	Order       *order.Service
	Attribution *attribution.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		rates:       p.Rates,
		flags:       p.Flags,
		members:     p.Member,
		referral:    p.Referral,
		ledger:      p.Ledger,
		orders:      p.Order,
		attribution: p.Attribution,
	}
}

func logFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// AwardDoctorReferralBonus credits the referrer of a verified doctor once.
func (s *Service) AwardDoctorReferralBonus(ctx context.Context, referredID string) (*Award, error) {
	var out *Award
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.AwardDoctorReferralBonusTx(ctx, tx, referredID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AwardDoctorReferralBonusTx runs inside the caller's transaction so approval and
// bonus commit together.
func (s *Service) AwardDoctorReferralBonusTx(ctx context.Context, tx *gorm.DB, referredID string) (*Award, error) {
	award := &Award{Kind: KindDoctor, ReferredID: referredID, Reason: ledger.ReasonReferralDoctorBonus}

	edge, err := s.referral.GetByReferredTx(ctx, tx, referredID)
	if err != nil {
		return nil, err
	}
	if skip := precheck(edge, referral.TypeDoctor); skip != "" {
		return s.skipped(ctx, award, skip), nil
	}
	award.ReferrerID = edge.ReferrerID

	doctor, err := s.members.GetByIDTx(ctx, tx, referredID)
	if err != nil {
		return nil, err
	}
	if !doctor.IsDoctorVerified {
		return s.skipped(ctx, award, SkipNotVerified), nil
	}

	if err := s.creditTx(ctx, tx, award, s.rates.Current().DoctorReferralBonus); err != nil {
		return nil, err
	}
	return award, nil
}

// CheckCustomerMilestone credits the referrer once the referred customer reaches
// the configured number of paid orders, internal and attributed combined.
func (s *Service) CheckCustomerMilestone(ctx context.Context, referredID string) (*Award, error) {
	award := &Award{Kind: KindCustomer, ReferredID: referredID, Reason: ledger.ReasonReferralCustomerMilestone}
	if !s.flags.Enabled(ctx, featureflags.CustomerMilestone, referredID, true) {
		return s.skipped(ctx, award, SkipDisabled), nil
	}

	rates := s.rates.Current()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		edge, err := s.referral.GetByReferredTx(ctx, tx, referredID)
		if err != nil {
			return err
		}
		if skip := precheck(edge, referral.TypeCustomer); skip != "" {
			award.Skipped = skip
			return nil
		}
		award.ReferrerID = edge.ReferrerID

		internal, err := s.orders.PaidCountTx(ctx, tx, referredID)
		if err != nil {
			return err
		}
		attributed, err := s.attribution.PaidCountForBuyers(ctx, tx, referredID)
		if err != nil {
			return err
		}
		if internal+attributed < rates.CustomerMilestoneOrders {
			award.Skipped = SkipBelowThreshold
			return nil
		}
		return s.creditTx(ctx, tx, award, rates.CustomerReferralBonus)
	})
	if err != nil {
		zap.L().With(logFields(ctx)...).Error("failed to check customer milestone", zap.String("referred_id", referredID), zap.Error(err))
		return nil, err
	}
	if award.Skipped != "" {
		return s.skipped(ctx, award, award.Skipped), nil
	}
	return award, nil
}

func precheck(edge *referral.Referral, want referral.Type) string {
	switch {
	case edge == nil:
		return SkipNoReferral
	case edge.Type != want:
		return SkipWrongType
	case edge.MilestoneAwarded:
		return SkipAlreadyAwarded
	}
	return ""
}

// creditTx flips the milestone flag and records the bonus. Losing the flip means
// another caller already awarded it.
func (s *Service) creditTx(ctx context.Context, tx *gorm.DB, award *Award, points int64) error {
	logger := zap.L().With(logFields(ctx)...).With(
		zap.String("kind", string(award.Kind)),
		zap.String("referred_id", award.ReferredID),
		zap.String("referrer_id", award.ReferrerID),
	)

	flipped, err := s.referral.MarkMilestoneAwardedTx(ctx, tx, award.ReferredID)
	if err != nil {
		return err
	}
	if !flipped {
		award.Skipped = SkipAlreadyAwarded
		return nil
	}
	award.Awarded = true
	if points <= 0 {
		logger.Info("milestone reached with no bonus configured")
		return nil
	}

	entry, err := s.ledger.RecordTx(ctx, tx, ledger.Entry{
		UserID:            award.ReferrerID,
		Delta:             points,
		Reason:            award.Reason,
		ReferenceID:       referenceID(award.Kind, award.ReferredID),
		Metadata:          map[string]any{"referred_id": award.ReferredID},
		LockIfProvisional: true,
	})
	switch {
	case errors.Is(err, member.ErrNotFound):
		logger.Warn("referrer no longer exists, bonus not credited")
		return nil
	case ledger.IsDuplicate(err):
		logger.Warn("milestone bonus already recorded")
		return nil
	case err != nil:
		logger.Error("failed to record milestone bonus", zap.Error(err))
		return err
	}
	award.Points, award.Locked = points, entry.Locked
	awardsTotal.WithLabelValues(string(award.Kind), "awarded").Inc()
	logger.Info("milestone bonus awarded", zap.Int64("points", points), zap.Bool("locked", entry.Locked))
	return nil
}

func (s *Service) skipped(ctx context.Context, award *Award, reason string) *Award {
	award.Skipped = reason
	awardsTotal.WithLabelValues(string(award.Kind), reason).Inc()
	zap.L().With(logFields(ctx)...).Debug("milestone not awarded",
		zap.String("kind", string(award.Kind)),
		zap.String("referred_id", award.ReferredID),
		zap.String("skipped", reason))
	return award
}
