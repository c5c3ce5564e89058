package attribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"referral-ledger/pkg/contact"
	"referral-ledger/pkg/db/option"
	"referral-ledger/pkg/errutil"
	"referral-ledger/pkg/repository"
	"referral-ledger/pkg/validation"
	"referral-ledger/services/commission"
	"referral-ledger/services/ledger"
	"referral-ledger/services/member"
	"referral-ledger/services/referral"
	"referral-ledger/services/settings"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	paidTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attribution_paid_total",
		Help: "Payment confirmations by result.",
	}, []string{"result"})
	commissionPoints = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "commission_points_total",
		Help: "Points credited from attributed orders by level.",
	}, []string{"level", "locked"})
)

func init() {
	prometheus.MustRegister(paidTotal, commissionPoints)
}

var (
	ErrNotFound        = errutil.NotFound("order attribution not found", nil)
	ErrInvalidOrder    = errutil.BadRequest("external order id is required and total must not be negative", nil)
	ErrContactRequired = errutil.BadRequest("a valid email or phone is required", nil)
)

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	rates settings.Source

	member   *member.Service
	referral *referral.Service
	ledger   *ledger.Service

	attribution repository.Repository[OrderAttribution]
	customer    repository.Repository[ExternalCustomer]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Rates    settings.Source
	Member   *member.Service
	Referral *referral.Service
	Ledger   *ledger.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		rates:       p.Rates,
		member:      p.Member,
		referral:    p.Referral,
		ledger:      p.Ledger,
		attribution: repository.ProvideStore[OrderAttribution](p.DB),
		customer:    repository.ProvideStore[ExternalCustomer](p.DB),
	}
}

func logFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// findCustomer matches on email first, then phone.
func (s *Service) findCustomer(ctx context.Context, tx *gorm.DB, id contact.Identity) (*ExternalCustomer, error) {
	repo := s.customer.WithTrx(tx)
	if id.Email != "" {
		c, err := repo.FindOne(ctx, nil, option.ApplyOperator(option.Condition{Field: "email", Operator: option.EQ, Value: id.Email}))
		if err != nil || c != nil {
			return c, err
		}
	}
	if id.Phone != "" {
		return repo.FindOne(ctx, nil, option.ApplyOperator(option.Condition{Field: "phone", Operator: option.EQ, Value: id.Phone}))
	}
	return nil, nil
}

// UpsertExternalCustomer records a referral link click. The first click wins: a
// buyer already linked keeps the original doctor and join time, and only missing
// contact fields are filled in.
func (s *Service) UpsertExternalCustomer(ctx context.Context, click LinkClick) (*ExternalCustomer, bool, error) {
	if err := validation.Struct(click); err != nil {
		return nil, false, err
	}
	id := contact.Normalize(click.Email, click.Phone)
	if id.Empty() {
		return nil, false, ErrContactRequired
	}

	logger := zap.L().With(logFields(ctx)...).With(zap.String("referrer_code", click.ReferrerCode))

	doctor, err := s.member.FindByReferralCode(ctx, click.ReferrerCode)
	if err != nil {
		logger.Warn("referral code not resolved", zap.Error(err))
		return nil, false, err
	}

	joinedAt := click.ClickedAt.UTC()
	if click.ClickedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}

	var (
		out     *ExternalCustomer
		created bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.findCustomer(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			updates := map[string]any{}
			if existing.Email == nil && id.Email != "" {
				updates["email"] = id.Email
				existing.Email = optional(id.Email)
			}
			if existing.Phone == nil && id.Phone != "" {
				updates["phone"] = id.Phone
				existing.Phone = optional(id.Phone)
			}
			if len(updates) > 0 {
				if err := s.customer.WithTrx(tx).Update(ctx, existing.ID, updates); err != nil {
					return err
				}
			}
			if existing.ReferredByDoctorID != doctor.ID {
				logger.Info("buyer already linked to another doctor, keeping first join", zap.String("customer_id", existing.ID))
			}
			out = existing
			return nil
		}

		c := &ExternalCustomer{
			ID:                 s.node.Generate().String(),
			Email:              optional(id.Email),
			Phone:              optional(id.Phone),
			ReferredByDoctorID: doctor.ID,
			JoinedAt:           joinedAt,
		}
		res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(c)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			out, err = s.findCustomer(ctx, tx, id)
			return err
		}
		out, created = c, true
		return nil
	})
	if err != nil {
		logger.Error("failed to upsert external customer", zap.Error(err))
		return nil, false, err
	}
	if created {
		logger.Info("external customer joined", zap.String("customer_id", out.ID), zap.String("doctor_id", doctor.ID))
	}
	return out, created, nil
}

// Observe resolves and stores the attribution of ev the first time it is seen.
// Later sightings return the stored row unchanged with created=false.
func (s *Service) Observe(ctx context.Context, ev OrderEvent) (*OrderAttribution, bool, error) {
	if ev.ExternalOrderID == "" || ev.Total.IsNegative() {
		return nil, false, ErrInvalidOrder
	}
	logger := zap.L().With(logFields(ctx)...).With(zap.String("external_order_id", ev.ExternalOrderID))

	stored, err := s.attribution.FindOne(ctx, &OrderAttribution{ExternalOrderID: ev.ExternalOrderID})
	if err != nil {
		return nil, false, err
	}
	if stored != nil {
		return stored, false, nil
	}

	id := contact.Normalize(ev.Email, ev.Phone)
	orderedAt := ev.OrderedAt.UTC()
	if ev.OrderedAt.IsZero() {
		orderedAt = time.Now().UTC()
	}

	row := &OrderAttribution{
		ID:              s.node.Generate().String(),
		ExternalOrderID: ev.ExternalOrderID,
		BuyerEmail:      optional(id.Email),
		BuyerPhone:      optional(id.Phone),
		Total:           ev.Total,
		Currency:        ev.Currency,
		OrderedAt:       orderedAt,
	}

	if !id.Empty() {
		if err := s.resolve(ctx, id, row); err != nil {
			logger.Error("failed to resolve attribution chain", zap.Error(err))
			return nil, false, err
		}
	}

	amounts := commission.Calculate(row.Total, row.Chain(), row.PostJoin, s.rates.Current().Commission())
	row.PointsL1, row.PointsL2, row.PointsL3 = amounts.Levels[0], amounts.Levels[1], amounts.Levels[2]
	if row.BuyerUserID != nil {
		row.PointsCustomer = amounts.Customer
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_order_id"}},
		DoNothing: true,
	}).Create(row)
	if res.Error != nil {
		logger.Error("failed to store attribution", zap.Error(res.Error))
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		stored, err := s.attribution.FindOne(ctx, &OrderAttribution{ExternalOrderID: ev.ExternalOrderID})
		return stored, false, err
	}

	logger.Info("order attributed",
		zap.Bool("post_join", row.PostJoin),
		zap.Int64("points_l1", row.PointsL1),
		zap.Int64("points_l2", row.PointsL2),
		zap.Int64("points_l3", row.PointsL3),
	)
	return row, true, nil
}

// resolve fills the buyer, level doctors and post-join flag of row. The referring
// doctor comes from the buyer's ExternalCustomer link, or from the referrer of the
// buyer's member account when no link exists.
func (s *Service) resolve(ctx context.Context, id contact.Identity, row *OrderAttribution) error {
	buyer, err := s.member.FindByContact(ctx, id)
	if err != nil {
		return err
	}
	if buyer != nil {
		row.BuyerUserID = optional(buyer.ID)
	}

	var (
		doctorID string
		joinedAt time.Time
	)
	link, err := s.findCustomer(ctx, nil, id)
	if err != nil {
		return err
	}
	switch {
	case link != nil:
		doctorID, joinedAt = link.ReferredByDoctorID, link.JoinedAt
	case buyer != nil && buyer.ReferredBy != nil:
		doctorID, joinedAt = *buyer.ReferredBy, buyer.CreatedAt
		edge, err := s.referral.GetByReferredTx(ctx, nil, buyer.ID)
		if err != nil {
			return err
		}
		if edge != nil {
			joinedAt = edge.CreatedAt
		}
	default:
		return nil
	}
	if buyer != nil && buyer.ID == doctorID {
		return nil
	}

	ancestors, err := s.referral.WalkChain(ctx, doctorID, commission.Levels-1)
	if err != nil {
		return err
	}
	links := append([]referral.ChainLink{{UserID: doctorID, Level: 1}}, shift(ancestors)...)
	chain := referral.Chain(links)
	row.Level1DoctorID, row.Level2DoctorID, row.Level3DoctorID = chain[0], chain[1], chain[2]
	row.PostJoin = !row.OrderedAt.Before(joinedAt.UTC())
	return nil
}

// shift moves ancestor levels one down, since the doctor itself is level 1.
func shift(links []referral.ChainLink) []referral.ChainLink {
	out := make([]referral.ChainLink, len(links))
	for i, l := range links {
		out[i] = referral.ChainLink{UserID: l.UserID, Level: l.Level + 1}
	}
	return out
}

// MarkPaid performs the unpaid to paid transition of externalOrderID and credits
// every beneficiary inside the same transaction. Only the caller whose conditional
// update flips the flag credits; everyone else gets Outcome.Duplicate.
func (s *Service) MarkPaid(ctx context.Context, externalOrderID string) (*Outcome, error) {
	logger := zap.L().With(logFields(ctx)...).With(zap.String("external_order_id", externalOrderID))

	var out *Outcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.attribution.WithTrx(tx).FindOne(ctx, &OrderAttribution{ExternalOrderID: externalOrderID})
		if err != nil {
			return err
		}
		if row == nil {
			return ErrNotFound
		}

		now := time.Now().UTC()
		res := tx.WithContext(ctx).Model(&OrderAttribution{}).
			Where("id = ? AND paid = ?", row.ID, false).
			Updates(map[string]any{"paid": true, "paid_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			out = &Outcome{Attribution: row, Duplicate: true}
			return nil
		}
		row.Paid, row.PaidAt = true, &now

		credits, err := s.creditTx(ctx, tx, row)
		if err != nil {
			return err
		}
		out = &Outcome{Attribution: row, Credits: credits}
		return nil
	})
	switch {
	case errors.Is(err, ErrNotFound):
		paidTotal.WithLabelValues("not_found").Inc()
		logger.Warn("payment confirmation for unknown order")
		return nil, err
	case err != nil:
		paidTotal.WithLabelValues("error").Inc()
		logger.Error("failed to mark attribution paid", zap.Error(err))
		return nil, err
	case out.Duplicate:
		paidTotal.WithLabelValues("duplicate").Inc()
		logger.Info("duplicate payment confirmation ignored")
	default:
		paidTotal.WithLabelValues("credited").Inc()
		for _, c := range out.Credits {
			commissionPoints.WithLabelValues(fmt.Sprint(c.Level), fmt.Sprint(c.Locked)).Add(float64(c.Points))
		}
		logger.Info("attribution paid", zap.Int("credits", len(out.Credits)))
	}
	return out, nil
}

func (s *Service) creditTx(ctx context.Context, tx *gorm.DB, row *OrderAttribution) ([]Credit, error) {
	logger := zap.L().With(logFields(ctx)...).With(zap.String("external_order_id", row.ExternalOrderID))

	credits := make([]Credit, 0, commission.Levels+1)
	record := func(userID string, level int, points int64, reason ledger.Reason, ref string) error {
		if points <= 0 {
			return nil
		}
		entry, err := s.ledger.RecordTx(ctx, tx, ledger.Entry{
			UserID:      userID,
			Delta:       points,
			Reason:      reason,
			OrderID:     row.ExternalOrderID,
			ReferenceID: ref,
			Metadata: map[string]any{
				"attribution_id": row.ID,
				"level":          level,
				"order_total":    row.Total.String(),
			},
			// buyer credits (level 0) are loyalty points, never commission
			LockIfProvisional: level > 0,
		})
		switch {
		case errors.Is(err, member.ErrNotFound):
			logger.Warn("beneficiary no longer exists, skipping credit", zap.String("member_id", userID), zap.Int("level", level))
			return nil
		case ledger.IsDuplicate(err):
			logger.Warn("credit already recorded", zap.String("reference_id", ref))
			return nil
		case err != nil:
			return err
		}
		credits = append(credits, Credit{UserID: userID, Level: level, Points: points, Locked: entry.Locked})
		return nil
	}

	chain, points := row.Chain(), row.LevelPoints()
	for i := 0; i < commission.Levels; i++ {
		if chain[i] == nil {
			continue
		}
		reason, err := ledger.LevelReason(i + 1)
		if err != nil {
			return nil, err
		}
		if err := record(*chain[i], i+1, points[i], reason, fmt.Sprintf("attribution:%s:l%d", row.ID, i+1)); err != nil {
			return nil, err
		}
	}
	if row.BuyerUserID != nil {
		if err := record(*row.BuyerUserID, 0, row.PointsCustomer, ledger.ReasonOrderPurchase, fmt.Sprintf("attribution:%s:buyer", row.ID)); err != nil {
			return nil, err
		}
	}
	return credits, nil
}

func (s *Service) Get(ctx context.Context, externalOrderID string) (*OrderAttribution, error) {
	row, err := s.attribution.FindOne(ctx, &OrderAttribution{ExternalOrderID: externalOrderID})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}
	return row, nil
}

// PaidCountForBuyers counts paid attributed orders whose buyer is one of userIDs.
func (s *Service) PaidCountForBuyers(ctx context.Context, tx *gorm.DB, userIDs ...string) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	db := s.db
	if tx != nil {
		db = tx
	}
	var n int64
	err := db.WithContext(ctx).Model(&OrderAttribution{}).
		Where("buyer_user_id IN ? AND paid = ?", userIDs, true).
		Count(&n).Error
	return n, err
}

// Level1Sales sums paid attributed totals where doctorID is the level 1 doctor.
// A zero since means lifetime.
func (s *Service) Level1Sales(ctx context.Context, doctorID string, since time.Time) (decimal.Decimal, error) {
	q := s.db.WithContext(ctx).Model(&OrderAttribution{}).
		Select("COALESCE(SUM(total), 0) AS total").
		Where("level1_doctor_id = ? AND paid = ?", doctorID, true)
	if !since.IsZero() {
		q = q.Where("paid_at >= ?", since)
	}
	var row struct{ Total decimal.Decimal }
	if err := q.Scan(&row).Error; err != nil {
		return decimal.Zero, err
	}
	return row.Total, nil
}

// ActiveLevel1Doctors returns the subset of doctorIDs that were level 1 on a paid
// attribution at or after since.
func (s *Service) ActiveLevel1Doctors(ctx context.Context, since time.Time, doctorIDs ...string) ([]string, error) {
	if len(doctorIDs) == 0 {
		return nil, nil
	}
	var out []string
	err := s.db.WithContext(ctx).Model(&OrderAttribution{}).
		Distinct("level1_doctor_id").
		Where("level1_doctor_id IN ? AND paid = ? AND paid_at >= ?", doctorIDs, true, since).
		Pluck("level1_doctor_id", &out).Error
	return out, err
}
