package rank

import (
	"context"
	"encoding/json"
	"time"

	"referral-ledger/pkg/db/option"
	"referral-ledger/pkg/repository"
	"referral-ledger/services/attribution"
	"referral-ledger/services/member"
	"referral-ledger/services/order"
	"referral-ledger/services/referral"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ActiveWindow is how far back a paid order keeps a referred doctor active.
const ActiveWindow = 30 * 24 * time.Hour

type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	classifier *Classifier
	now        func() time.Time

	members     *member.Service
	referral    *referral.Service
	orders      *order.Service
	attribution *attribution.Service

	user    repository.Repository[member.User]
	history repository.Repository[History]
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Node        *snowflake.Node
	Classifier  *Classifier
	Member      *member.Service
	Referral    *referral.Service
	Order       *order.Service
	Attribution *attribution.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		classifier:  p.Classifier,
		now:         func() time.Time { return time.Now().UTC() },
		members:     p.Member,
		referral:    p.Referral,
		orders:      p.Order,
		attribution: p.Attribution,
		user:        repository.ProvideStore[member.User](p.DB),
		history:     repository.ProvideStore[History](p.DB),
	}
}

func logFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// Stats derives the rank statistics of userID from referrals and paid orders.
func (s *Service) Stats(ctx context.Context, userID string) (Stats, error) {
	var st Stats

	edges, err := s.referral.DirectReferrals(ctx, userID)
	if err != nil {
		return st, err
	}
	var patients, doctors []string
	for _, e := range edges {
		switch e.Type {
		case referral.TypeCustomer:
			patients = append(patients, e.ReferredID)
		case referral.TypeDoctor:
			doctors = append(doctors, e.ReferredID)
		}
	}
	st.Patients = int64(len(patients))
	st.DoctorReferrals = int64(len(doctors))

	if st.ActiveDoctors, err = s.activeDoctors(ctx, doctors); err != nil {
		return st, err
	}

	now := s.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if st.TotalSales, err = s.sales(ctx, userID, patients, time.Time{}); err != nil {
		return st, err
	}
	if st.MonthlySales, err = s.sales(ctx, userID, patients, monthStart); err != nil {
		return st, err
	}
	return st, nil
}

// activeDoctors counts verified referred doctors with a paid own order or a paid
// level 1 attribution inside ActiveWindow.
func (s *Service) activeDoctors(ctx context.Context, doctors []string) (int64, error) {
	if len(doctors) == 0 {
		return 0, nil
	}
	verified, err := s.user.Find(ctx, &member.User{IsDoctorVerified: true},
		option.ApplyOperator(option.Condition{Field: "id", Operator: option.IN, Value: doctors}))
	if err != nil {
		return 0, err
	}
	if len(verified) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(verified))
	for _, u := range verified {
		ids = append(ids, u.ID)
	}

	since := s.now().Add(-ActiveWindow)
	buyers, err := s.orders.ActiveBuyers(ctx, since, ids...)
	if err != nil {
		return 0, err
	}
	sellers, err := s.attribution.ActiveLevel1Doctors(ctx, since, ids...)
	if err != nil {
		return 0, err
	}

	active := make(map[string]struct{}, len(buyers)+len(sellers))
	for _, id := range buyers {
		active[id] = struct{}{}
	}
	for _, id := range sellers {
		active[id] = struct{}{}
	}
	return int64(len(active)), nil
}

func (s *Service) sales(ctx context.Context, userID string, patients []string, since time.Time) (decimal.Decimal, error) {
	attributed, err := s.attribution.Level1Sales(ctx, userID, since)
	if err != nil {
		return attributed, err
	}
	internal, err := s.orders.SalesSince(ctx, since, patients...)
	if err != nil {
		return internal, err
	}
	return attributed.Add(internal), nil
}

// MaybeApplyPromotion recomputes the rank of userID and stores it only when it is
// strictly above the stored rank. The write is conditional on the rank read here, so
// concurrent sweeps cannot move a member backwards.
func (s *Service) MaybeApplyPromotion(ctx context.Context, userID string) (*Promotion, error) {
	logger := zap.L().With(logFields(ctx)...).With(zap.String("member_id", userID))

	u, err := s.members.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats, err := s.Stats(ctx, userID)
	if err != nil {
		logger.Error("failed to compute rank stats", zap.Error(err))
		return nil, err
	}
	computed, err := s.classifier.ComputeRank(stats)
	if err != nil {
		logger.Error("failed to classify rank", zap.Error(err))
		return nil, err
	}

	p := &Promotion{UserID: userID, Old: u.Rank, New: u.Rank, Stats: stats}
	if computed.Ord() <= u.Rank.Ord() {
		return p, nil
	}

	snapshot, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Model(&member.User{}).
			Where(&member.User{ID: userID, Rank: u.Rank}).
			Update("rank", computed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		p.New, p.Promoted = computed, true
		return s.history.WithTrx(tx).Create(ctx, &History{
			ID:      s.node.Generate().String(),
			UserID:  userID,
			OldRank: u.Rank,
			NewRank: computed,
			Stats:   datatypes.JSON(snapshot),
		})
	})
	if err != nil {
		logger.Error("failed to apply promotion", zap.Error(err))
		return nil, err
	}
	if p.Promoted {
		logger.Info("member promoted", zap.String("old_rank", string(p.Old)), zap.String("new_rank", string(p.New)))
	}
	return p, nil
}

// Progress reports the stored rank and how far userID is from the next tier.
func (s *Service) Progress(ctx context.Context, userID string) (*Progress, error) {
	u, err := s.members.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats, err := s.Stats(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := &Progress{UserID: userID, Rank: u.Rank, Stats: stats}
	next := s.classifier.next(u.Rank)
	if next == nil {
		return out, nil
	}
	r := next.Rank
	out.Next = &r
	for _, c := range next.Criteria {
		current := stats.Metric(c.Metric)
		out.Criteria = append(out.Criteria, CriterionProgress{
			Metric:   c.Metric,
			Current:  current,
			Required: c.Min,
			Met:      current >= c.Min,
		})
	}
	return out, nil
}

func (s *Service) Histories(ctx context.Context, userID string) ([]*History, error) {
	return s.history.Find(ctx, &History{UserID: userID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}))
}
