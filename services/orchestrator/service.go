package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"referral-ledger/pkg/config"
	"referral-ledger/pkg/db/pagination"
	"referral-ledger/pkg/errutil"
	"referral-ledger/pkg/featureflags"
	"referral-ledger/pkg/validation"
	"referral-ledger/services/attribution"
	"referral-ledger/services/commission"
	"referral-ledger/services/ledger"
	"referral-ledger/services/member"
	"referral-ledger/services/milestone"
	"referral-ledger/services/order"
	"referral-ledger/services/rank"
	"referral-ledger/services/referral"
	"referral-ledger/services/settings"
	"referral-ledger/services/storefront"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrInvalidTotal         = errutil.BadRequest("order total must not be negative", nil)
	ErrUnknownReferrer      = errutil.BadRequest("unknown referrer code", nil)
	ErrSubscriptionInactive = errutil.UnprocessableEntity("subscription is not active", nil)
	ErrInvalidSignature     = errutil.Unauthorized("invalid webhook signature", nil)
	ErrNotDoctorApplicant   = errutil.BadRequest("member has not applied as a doctor", nil)
)

type Service struct {
	db            *gorm.DB
	node          *snowflake.Node
	rates         settings.Source
	flags         featureflags.FeatureFlag
	webhookSecret func() string

	members     *member.Service
	referral    *referral.Service
	ledger      *ledger.Service
	orders      *order.Service
	attribution *attribution.Service
	rank        *rank.Service
	milestone   *milestone.Service
	notifier    *storefront.Notifier
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config `optional:"true"`
	Rates  settings.Source
	Flags  featureflags.FeatureFlag

	Member      *member.Service
	Referral    *referral.Service
	Ledger      *ledger.Service
	Order       *order.Service
	Attribution *attribution.Service
	Rank        *rank.Service
	Milestone   *milestone.Service
	Notifier    *storefront.Notifier
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		rates: p.Rates,
		flags: p.Flags,
		webhookSecret: func() string {
			if cfg := config.Current(); cfg != nil {
				return cfg.Storefront.WebhookSecret
			}
			if p.Config != nil {
				return p.Config.Storefront.WebhookSecret
			}
			return ""
		},
		members:     p.Member,
		referral:    p.Referral,
		ledger:      p.Ledger,
		orders:      p.Order,
		attribution: p.Attribution,
		rank:        p.Rank,
		milestone:   p.Milestone,
		notifier:    p.Notifier,
	}
}

func logFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

func orderRef(orderID, part string) string {
	return fmt.Sprintf("order:%s:%s", orderID, part)
}

// Purchase applies an authenticated member purchase: optional redemption, the
// buyer's loyalty points and the referral chain commissions, all in one
// transaction keyed by the order id.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	if req.OrderTotal.IsNegative() {
		return nil, ErrInvalidTotal
	}
	logger := zap.L().With(logFields(ctx)...).With(zap.String("member_id", req.UserID), zap.String("order_id", req.OrderID))
	rates := s.rates.Current()

	var result *PurchaseResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.orders.FindByOrderIDTx(ctx, tx, req.OrderID)
		if err != nil {
			return err
		}
		if existing != nil {
			result = duplicatePurchase(existing)
			return nil
		}

		buyer, err := s.members.GetByIDTx(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		links, err := s.referral.WalkChainTx(ctx, tx, buyer.ID, commission.Levels)
		if err != nil {
			return err
		}
		chain := referral.Chain(links)

		redeem := commission.MaxRedeemable(req.RedeemedPoints, buyer.PointsBalance, req.OrderTotal, rates.MaxRedeemPercent)
		amounts := commission.Calculate(req.OrderTotal, chain, true, rates.Commission())

		o := &order.Order{
			UserID:         buyer.ID,
			OrderID:        req.OrderID,
			Total:          req.OrderTotal,
			RedeemedPoints: redeem,
			EarnedPoints:   amounts.Customer,
			Context:        req.Context,
		}
		if err := s.orders.CreatePaidTx(ctx, tx, o); err != nil {
			return err
		}
		result = &PurchaseResult{Applied: true, Order: o, Redeemed: redeem, Earned: amounts.Customer}

		if redeem > 0 {
			if _, err := s.ledger.RecordTx(ctx, tx, ledger.Entry{
				UserID:      buyer.ID,
				Delta:       -redeem,
				Reason:      ledger.ReasonOrderRedeem,
				OrderID:     req.OrderID,
				ReferenceID: orderRef(req.OrderID, "redeem"),
				Metadata:    map[string]any{"requested": req.RedeemedPoints},
			}); err != nil {
				return err
			}
		}

		result.Credits, err = s.creditPurchaseTx(ctx, tx, o, chain, amounts)
		return err
	})
	switch {
	case errors.Is(err, member.ErrNotFound):
		logger.Warn("purchase for unknown member ignored")
		s.audit(ctx, EventPurchase, "", req.OrderID, req, StatusIgnored, err)
		return &PurchaseResult{}, nil
	case errors.Is(err, order.ErrDuplicateOrder):
		existing, ferr := s.orders.FindByOrderIDTx(ctx, nil, req.OrderID)
		if ferr != nil || existing == nil {
			return nil, err
		}
		return duplicatePurchase(existing), nil
	case err != nil:
		logger.Error("failed to apply purchase", zap.Error(err))
		s.audit(ctx, EventPurchase, "", req.OrderID, req, StatusFailed, err)
		return nil, err
	}

	if result.Duplicate {
		logger.Info("duplicate purchase ignored")
		return result, nil
	}
	s.audit(ctx, EventPurchase, "", req.OrderID, req, StatusApplied, nil)
	if result.Balance, err = s.ledger.Balance(ctx, req.UserID); err != nil {
		logger.Warn("failed to read balance after purchase", zap.Error(err))
	}
	logger.Info("purchase applied",
		zap.Int64("redeemed", result.Redeemed),
		zap.Int64("earned", result.Earned),
		zap.Int("credits", len(result.Credits)))

	s.afterCredit(ctx, creditedUsers(result.Credits), req.UserID)
	return result, nil
}

func duplicatePurchase(o *order.Order) *PurchaseResult {
	return &PurchaseResult{Duplicate: true, Order: o, Redeemed: o.RedeemedPoints, Earned: o.EarnedPoints}
}

func (s *Service) creditPurchaseTx(ctx context.Context, tx *gorm.DB, o *order.Order, chain [commission.Levels]*string, amounts commission.Amounts) ([]attribution.Credit, error) {
	logger := zap.L().With(logFields(ctx)...).With(zap.String("order_id", o.OrderID))

	credits := make([]attribution.Credit, 0, commission.Levels+1)
	record := func(userID string, level int, points int64, reason ledger.Reason, part string) error {
		if points <= 0 {
			return nil
		}
		entry, err := s.ledger.RecordTx(ctx, tx, ledger.Entry{
			UserID:      userID,
			Delta:       points,
			Reason:      reason,
			OrderID:     o.OrderID,
			ReferenceID: orderRef(o.OrderID, part),
			Metadata: map[string]any{
				"buyer_id":    o.UserID,
				"level":       level,
				"order_total": o.Total.String(),
			},
			// buyer credits (level 0) are loyalty points, never commission
			LockIfProvisional: level > 0,
		})
		switch {
		case errors.Is(err, member.ErrNotFound):
			logger.Warn("beneficiary no longer exists, skipping credit", zap.String("member_id", userID), zap.Int("level", level))
			return nil
		case ledger.IsDuplicate(err):
			logger.Warn("credit already recorded", zap.String("member_id", userID), zap.Int("level", level))
			return nil
		case err != nil:
			return err
		}
		credits = append(credits, attribution.Credit{UserID: userID, Level: level, Points: points, Locked: entry.Locked})
		return nil
	}

	if err := record(o.UserID, 0, amounts.Customer, ledger.ReasonOrderPurchase, "purchase"); err != nil {
		return nil, err
	}
	for i, id := range chain {
		if id == nil {
			continue
		}
		reason, err := ledger.LevelReason(i + 1)
		if err != nil {
			return nil, err
		}
		if err := record(*id, i+1, amounts.Levels[i], reason, fmt.Sprintf("l%d", i+1)); err != nil {
			return nil, err
		}
	}
	return credits, nil
}

// VerifyWebhook checks the storefront signature of body when a secret is configured.
func (s *Service) VerifyWebhook(body []byte, signature string) error {
	if !storefront.Verify(s.webhookSecret(), body, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// HandleWebhook parses a storefront order webhook and applies it.
func (s *Service) HandleWebhook(ctx context.Context, rawTopic, deliveryID string, body []byte) (*OrderResult, error) {
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}
	topic, err := storefront.ParseTopic(rawTopic)
	if err != nil {
		return nil, err
	}
	ev, err := storefront.ParseOrder(topic, body)
	if err != nil {
		s.audit(ctx, EventWebhook, deliveryID, "", json.RawMessage(body), StatusFailed, err)
		return nil, err
	}

	res, err := s.HandleOrderEvent(ctx, ev)
	switch {
	case err != nil:
		s.audit(ctx, EventWebhook, deliveryID, ev.ExternalOrderID, json.RawMessage(body), StatusFailed, err)
	case res.Applied:
		s.audit(ctx, EventWebhook, deliveryID, ev.ExternalOrderID, json.RawMessage(body), StatusApplied, nil)
	default:
		s.audit(ctx, EventWebhook, deliveryID, ev.ExternalOrderID, json.RawMessage(body), StatusIgnored, nil)
	}
	return res, err
}

// HandleOrderEvent records the attribution of an external order and, when the
// order is paid, performs the paid transition. Post-commit work (promotions,
// milestones and the storefront note) never fails the event.
func (s *Service) HandleOrderEvent(ctx context.Context, ev attribution.OrderEvent) (*OrderResult, error) {
	row, created, err := s.attribution.Observe(ctx, ev)
	if err != nil {
		return nil, err
	}
	res := &OrderResult{Applied: true, Created: created, Attribution: row}
	if !ev.Paid {
		return res, nil
	}

	out, err := s.attribution.MarkPaid(ctx, row.ExternalOrderID)
	if errors.Is(err, attribution.ErrNotFound) {
		res.Applied = false
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.Outcome, res.Attribution = out, out.Attribution
	if out.Duplicate {
		res.Applied = false
		return res, nil
	}

	s.notifier.OrderPaid(ctx, out)
	var buyer string
	if out.Attribution.BuyerUserID != nil {
		buyer = *out.Attribution.BuyerUserID
	}
	s.afterCredit(ctx, creditedUsers(out.Credits), buyer)
	return res, nil
}

// LinkClick records a referral link visit by a storefront buyer.
func (s *Service) LinkClick(ctx context.Context, click attribution.LinkClick) (*attribution.ExternalCustomer, bool, error) {
	customer, created, err := s.attribution.UpsertExternalCustomer(ctx, click)
	switch {
	case err != nil:
		s.audit(ctx, EventLinkClick, "", click.ReferrerCode, click, StatusFailed, err)
	case created:
		s.audit(ctx, EventLinkClick, "", customer.ID, click, StatusApplied, nil)
	}
	return customer, created, err
}

// Approve verifies a doctor application: the provisional flag is cleared, locked
// points are released and the referrer's doctor bonus is credited, atomically.
// Approving twice changes nothing. Members that never applied get ErrNotDoctorApplicant.
func (s *Service) Approve(ctx context.Context, doctorID string) (*ApprovalResult, error) {
	logger := zap.L().With(logFields(ctx)...).With(zap.String("member_id", doctorID))

	res := &ApprovalResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := s.members.GetByIDTx(ctx, tx, doctorID)
		if err != nil {
			return err
		}
		if !u.IsDoctor() {
			return ErrNotDoctorApplicant
		}
		flipped, err := s.members.VerifyDoctorTx(ctx, tx, doctorID)
		if err != nil {
			return err
		}
		res.Verified = flipped

		if res.Unlocked, err = s.ledger.UnlockTx(ctx, tx, doctorID); err != nil {
			return err
		}
		if res.Bonus, err = s.milestone.AwardDoctorReferralBonusTx(ctx, tx, doctorID); err != nil {
			return err
		}
		res.Member, err = s.members.GetByIDTx(ctx, tx, doctorID)
		return err
	})
	if err != nil {
		if !errors.Is(err, member.ErrNotFound) && !errors.Is(err, ErrNotDoctorApplicant) {
			logger.Error("failed to approve doctor", zap.Error(err))
		}
		s.audit(ctx, EventApproval, "", doctorID, nil, StatusFailed, err)
		return nil, err
	}
	s.audit(ctx, EventApproval, "", doctorID, res, StatusApplied, nil)
	logger.Info("doctor approved", zap.Bool("verified", res.Verified), zap.Bool("unlocked", res.Unlocked != nil))

	users := []string{doctorID}
	if res.Bonus != nil && res.Bonus.ReferrerID != "" {
		users = append(users, res.Bonus.ReferrerID)
	}
	s.afterCredit(ctx, users, "")
	return res, nil
}

// Signup registers a member, links them to the owner of ReferrerCode and credits
// the onboarding bonus when that feature is on.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*SignupResult, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	var referrer *member.User
	if req.ReferrerCode != "" {
		var err error
		referrer, err = s.members.FindByReferralCode(ctx, req.ReferrerCode)
		if errors.Is(err, member.ErrNotFound) {
			return nil, ErrUnknownReferrer
		}
		if err != nil {
			return nil, err
		}
	}

	typ := referral.TypeCustomer
	if req.ProvisionalDoctor {
		typ = referral.TypeDoctor
	}
	rates := s.rates.Current()
	bonus := rates.OnboardingBonus > 0 && s.flags.Enabled(ctx, featureflags.OnboardingBonus, "", false)

	res := &SignupResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := s.members.CreateTx(ctx, tx, member.CreateParams{
			Name:        req.Name,
			Email:       req.Email,
			Phone:       req.Phone,
			Provisional: req.ProvisionalDoctor,
		})
		if err != nil {
			return err
		}
		res.Member = u

		if referrer != nil {
			if res.Referral, _, err = s.referral.EnsureEdgeTx(ctx, tx, referrer.ID, u.ID, typ); err != nil {
				return err
			}
			u.ReferredBy = &referrer.ID
		}

		if bonus {
			res.Bonus, err = s.ledger.RecordTx(ctx, tx, ledger.Entry{
				UserID:            u.ID,
				Delta:             rates.OnboardingBonus,
				Reason:            ledger.ReasonOnboardingBonus,
				ReferenceID:       "onboarding:" + u.ID,
				LockIfProvisional: true,
			})
			if err != nil {
				return err
			}
			if !res.Bonus.Locked {
				u.PointsBalance = res.Bonus.BalanceAfter
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().With(logFields(ctx)...).Info("member signed up",
		zap.String("member_id", res.Member.ID),
		zap.Bool("referred", res.Referral != nil),
		zap.Bool("onboarding_bonus", res.Bonus != nil))
	if referrer != nil {
		s.afterCredit(ctx, []string{referrer.ID}, "")
	}
	return res, nil
}

// EstablishReferral links an existing member to a referrer after signup.
func (s *Service) EstablishReferral(ctx context.Context, req ReferralRequest) (*ReferralResult, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	typ, err := referral.ParseType(req.Type)
	if err != nil {
		return nil, err
	}

	referrerID := req.ReferrerID
	if referrerID == "" {
		u, err := s.members.FindByReferralCode(ctx, req.ReferrerCode)
		if errors.Is(err, member.ErrNotFound) {
			return nil, ErrUnknownReferrer
		}
		if err != nil {
			return nil, err
		}
		referrerID = u.ID
	}

	edge, created, err := s.referral.EnsureEdge(ctx, referrerID, req.ReferredID, typ)
	if err != nil {
		return nil, err
	}
	if created && typ == referral.TypeDoctor {
		// an already verified doctor earns the referrer the bonus right away
		if _, err := s.milestone.AwardDoctorReferralBonus(ctx, req.ReferredID); err != nil {
			zap.L().With(logFields(ctx)...).Warn("failed to award doctor bonus", zap.String("referred_id", req.ReferredID), zap.Error(err))
		}
	}
	if created {
		s.afterCredit(ctx, []string{referrerID}, "")
	}
	return &ReferralResult{Referral: edge, Created: created}, nil
}

// RenewSubscription credits the monthly renewal points of period once per member.
// A repeated renewal for the same month returns nil.
func (s *Service) RenewSubscription(ctx context.Context, userID string, period time.Time) (*ledger.PointsTransaction, error) {
	points := s.rates.Current().SubscriptionRenewalPoints
	if points <= 0 {
		return nil, nil
	}
	month := period.UTC().Format("200601")

	var entry *ledger.PointsTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := s.members.GetByIDTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !u.SubscriptionActive {
			return ErrSubscriptionInactive
		}

		entry, err = s.ledger.RecordTx(ctx, tx, ledger.Entry{
			UserID:            userID,
			Delta:             points,
			Reason:            ledger.ReasonSubscriptionRenewal,
			ReferenceID:       fmt.Sprintf("subscription:%s:%s", userID, month),
			Metadata:          map[string]any{"period": month},
			LockIfProvisional: true,
		})
		if err != nil {
			return err
		}
		return tx.WithContext(ctx).Model(&member.User{}).
			Where("id = ?", userID).
			Update("subscription_renewed_at", time.Now().UTC()).Error
	})
	if ledger.IsDuplicate(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	zap.L().With(logFields(ctx)...).Info("subscription renewed", zap.String("member_id", userID), zap.String("period", month))
	return entry, nil
}

func (s *Service) Wallet(ctx context.Context, userID string, p pagination.Pagination) (*ledger.Wallet, error) {
	if _, err := s.members.GetByID(ctx, userID); err != nil {
		return nil, err
	}
	return s.ledger.Wallet(ctx, userID, p)
}

func (s *Service) Rank(ctx context.Context, userID string) (*RankView, error) {
	progress, err := s.rank.Progress(ctx, userID)
	if err != nil {
		return nil, err
	}
	history, err := s.rank.Histories(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &RankView{Progress: progress, History: history}, nil
}

func (s *Service) Network(ctx context.Context, userID string) (*NetworkView, error) {
	if _, err := s.members.GetByID(ctx, userID); err != nil {
		return nil, err
	}
	levels, err := s.referral.NetworkSummary(ctx, userID, &summarySource{s: s}, s.rates.Current().LevelPercentFloats())
	if err != nil {
		return nil, err
	}
	return &NetworkView{UserID: userID, Levels: levels}, nil
}

func creditedUsers(credits []attribution.Credit) []string {
	out := make([]string, 0, len(credits))
	for _, c := range credits {
		if c.Level > 0 {
			out = append(out, c.UserID)
		}
	}
	return out
}

// afterCredit runs the post-commit follow ups of a credit event. Failures are
// logged; the sweeps pick up anything missed here.
func (s *Service) afterCredit(ctx context.Context, users []string, buyerID string) {
	logger := zap.L().With(logFields(ctx)...)

	seen := make(map[string]bool, len(users)+1)
	for _, id := range append(users, buyerID) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, err := s.rank.MaybeApplyPromotion(ctx, id); err != nil {
			logger.Warn("rank promotion failed", zap.String("member_id", id), zap.Error(err))
		}
	}
	if buyerID != "" {
		if _, err := s.milestone.CheckCustomerMilestone(ctx, buyerID); err != nil {
			logger.Warn("customer milestone check failed", zap.String("member_id", buyerID), zap.Error(err))
		}
	}
}

func (s *Service) audit(ctx context.Context, kind EventKind, deliveryID, reference string, payload any, status EventStatus, cause error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("null")
	}
	ev := &Event{
		ID:         s.node.Generate().String(),
		Kind:       kind,
		DeliveryID: deliveryID,
		Reference:  reference,
		Payload:    datatypes.JSON(raw),
		Status:     status,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		zap.L().With(logFields(ctx)...).Warn("failed to record inbound event", zap.String("kind", string(kind)), zap.Error(err))
	}
}
