package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"referral-ledger/pkg/featureflags"
	"referral-ledger/services/attribution"
	"referral-ledger/services/ledger"
	"referral-ledger/services/member"
	"referral-ledger/services/milestone"
	"referral-ledger/services/order"
	"referral-ledger/services/rank"
	"referral-ledger/services/referral"
	"referral-ledger/services/settings"
	"referral-ledger/services/storefront"
	"referral-ledger/services/testutil"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type seqStub struct{ n int }

func (s *seqStub) NextReferralCode(ctx context.Context, name string) (string, error) {
	s.n++
	return fmt.Sprintf("DR-%04d", s.n), nil
}

type flagStub map[string]bool

func (f flagStub) Enabled(ctx context.Context, feature, identifier string, fallback bool) bool {
	if v, ok := f[feature]; ok {
		return v
	}
	return fallback
}

type enqueuerStub struct {
	tasks []*asynq.Task
}

func (e *enqueuerStub) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.tasks = append(e.tasks, t)
	return &asynq.TaskInfo{ID: t.Type()}, nil
}

type fixture struct {
	db       *gorm.DB
	svc      *Service
	members  *member.Service
	referral *referral.Service
	ledger   *ledger.Service
	queue    *enqueuerStub
}

func newFixture(t *testing.T, flags featureflags.FeatureFlag) *fixture {
	db := testutil.NewTestDB(t,
		&member.User{},
		&referral.Referral{},
		&ledger.PointsTransaction{},
		&order.Order{},
		&attribution.ExternalCustomer{},
		&attribution.OrderAttribution{},
		&rank.History{},
		&Event{},
	)
	node := testutil.NewNode(t)
	rates := settings.Static(settings.DefaultRates())

	f := &fixture{db: db, queue: &enqueuerStub{}}
	f.members = member.NewService(member.ServiceParams{DB: db, Node: node, Sequence: &seqStub{}})
	f.referral = referral.NewService(referral.ServiceParams{DB: db, Node: node})
	f.ledger = ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	orders := order.NewService(order.ServiceParams{DB: db, Node: node})
	attr := attribution.NewService(attribution.ServiceParams{
		DB: db, Node: node, Rates: rates, Member: f.members, Referral: f.referral, Ledger: f.ledger,
	})
	classifier, err := rank.NewClassifier(rank.DefaultPolicy())
	require.NoError(t, err)
	ranks := rank.NewService(rank.ServiceParams{
		DB: db, Node: node, Classifier: classifier, Member: f.members, Referral: f.referral, Order: orders, Attribution: attr,
	})
	awards := milestone.NewService(milestone.ServiceParams{
		DB: db, Rates: rates, Flags: flags, Member: f.members, Referral: f.referral, Ledger: f.ledger, Order: orders, Attribution: attr,
	})

	f.svc = NewService(Params{
		DB:          db,
		Node:        node,
		Rates:       rates,
		Flags:       flags,
		Member:      f.members,
		Referral:    f.referral,
		Ledger:      f.ledger,
		Order:       orders,
		Attribution: attr,
		Rank:        ranks,
		Milestone:   awards,
		Notifier:    storefront.NewNotifier(storefront.NotifierParams{Enqueuer: f.queue, Flags: flags}),
	})
	f.svc.webhookSecret = func() string { return "shh" }
	return f
}

func (f *fixture) member(t *testing.T, email string, provisional bool) *member.User {
	t.Helper()
	u, err := f.members.Create(context.Background(), member.CreateParams{Name: email, Email: email, Provisional: provisional})
	require.NoError(t, err)
	return u
}

func (f *fixture) refer(t *testing.T, referrer, referred *member.User, typ referral.Type) {
	t.Helper()
	_, created, err := f.referral.EnsureEdge(context.Background(), referrer.ID, referred.ID, typ)
	require.NoError(t, err)
	require.True(t, created)
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestPurchaseFansOutCommission(t *testing.T) {
	f := newFixture(t, featureflags.Static())
	ctx := context.Background()

	top := f.member(t, "top@example.com", false)
	mid := f.member(t, "mid@example.com", false)
	doc := f.member(t, "doc@example.com", false)
	buyer := f.member(t, "buyer@example.com", false)
	f.refer(t, top, mid, referral.TypeDoctor)
	f.refer(t, mid, doc, referral.TypeDoctor)
	f.refer(t, doc, buyer, referral.TypeCustomer)

	req := PurchaseRequest{UserID: buyer.ID, OrderID: "po-1", OrderTotal: decimal.NewFromInt(10000)}
	res, err := f.svc.Purchase(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, int64(100), res.Earned)
	require.Len(t, res.Credits, 4)
	require.Equal(t, int64(100), res.Balance)

	require.Equal(t, int64(250), f.balance(t, doc.ID))
	require.Equal(t, int64(150), f.balance(t, mid.ID))
	require.Equal(t, int64(100), f.balance(t, top.ID))

	again, err := f.svc.Purchase(ctx, req)
	require.NoError(t, err)
	require.True(t, again.Duplicate)
	require.False(t, again.Applied)
	require.Equal(t, int64(250), f.balance(t, doc.ID))
	require.Equal(t, int64(100), f.balance(t, buyer.ID))

	for _, id := range []string{top.ID, mid.ID, doc.ID, buyer.ID} {
		ok, err := f.ledger.VerifyBalance(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = f.ledger.VerifyChain(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestPurchaseRedemptionIsCapped(t *testing.T) {
	f := newFixture(t, featureflags.Static())
	ctx := context.Background()

	buyer := f.member(t, "buyer@example.com", false)
	_, err := f.ledger.Record(ctx, ledger.Entry{UserID: buyer.ID, Delta: 1000, Reason: ledger.ReasonAdminAdjustment})
	require.NoError(t, err)

	res, err := f.svc.Purchase(ctx, PurchaseRequest{
		UserID:         buyer.ID,
		OrderID:        "po-2",
		OrderTotal:     decimal.NewFromInt(1000),
		RedeemedPoints: 500,
	})
	require.NoError(t, err)
	require.Equal(t, int64(200), res.Redeemed)
	require.Equal(t, int64(10), res.Earned)
	require.Equal(t, int64(810), f.balance(t, buyer.ID))
}

func TestPurchaseValidation(t *testing.T) {
	f := newFixture(t, featureflags.Static())
	ctx := context.Background()

	_, err := f.svc.Purchase(ctx, PurchaseRequest{OrderID: "x", OrderTotal: decimal.NewFromInt(1)})
	require.Error(t, err)

	_, err = f.svc.Purchase(ctx, PurchaseRequest{UserID: "u", OrderID: "x", OrderTotal: decimal.NewFromInt(-1)})
	require.ErrorIs(t, err, ErrInvalidTotal)

	res, err := f.svc.Purchase(ctx, PurchaseRequest{UserID: "missing", OrderID: "x", OrderTotal: decimal.NewFromInt(1)})
	require.NoError(t, err)
	require.False(t, res.Applied)
}

func TestOrderEventPostJoinOnly(t *testing.T) {
	f := newFixture(t, featureflags.Static())
	ctx := context.Background()

	doc := f.member(t, "doc@example.com", false)
	joined := time.Now().UTC().Add(-time.Hour)
	_, _, err := f.svc.LinkClick(ctx, attribution.LinkClick{ReferrerCode: doc.ReferralCode, Email: "shopper@example.com", ClickedAt: joined})
	require.NoError(t, err)

	before, err := f.svc.HandleOrderEvent(ctx, attribution.OrderEvent{
		ExternalOrderID: "1",
		Email:           "Shopper@Example.com",
		Total:           decimal.NewFromInt(10000),
		Paid:            true,
		OrderedAt:       joined.Add(-time.Minute),
	})
	require.NoError(t, err)
	require.False(t, before.Attribution.PostJoin)
	require.Zero(t, f.balance(t, doc.ID))

	after, err := f.svc.HandleOrderEvent(ctx, attribution.OrderEvent{
		ExternalOrderID: "2",
		Email:           "shopper@example.com",
		Total:           decimal.NewFromInt(10000),
		Paid:            true,
		OrderedAt:       joined.Add(time.Minute),
	})
	require.NoError(t, err)
	require.True(t, after.Attribution.PostJoin)
	require.Equal(t, int64(250), f.balance(t, doc.ID))
	require.Len(t, f.queue.tasks, 2)
}

func TestOrderEventUnpaidThenPaid(t *testing.T) {
	f := newFixture(t, featureflags.Static())
	ctx := context.Background()

	doc := f.member(t, "doc@example.com", false)
	_, _, err := f.svc.LinkClick(ctx, attribution.LinkClick{ReferrerCode: doc.ReferralCode, Phone: "98765 43210"})
	require.NoError(t, err)

	ev := attribution.OrderEvent{ExternalOrderID: "77", Phone: "+91 98765 43210", Total: decimal.NewFromInt(2000)}
	res, err := f.svc.HandleOrderEvent(ctx, ev)
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Nil(t, res.Outcome)
	require.Zero(t, f.balance(t, doc.ID))

	ev.Paid = true
	res, err = f.svc.HandleOrderEvent(ctx, ev)
	require.NoError(t, err)
	require.False(t, res.Created)
	require.True(t, res.Applied)
	require.Equal(t, int64(50), f.balance(t, doc.ID))

	res, err = f.svc.HandleOrderEvent(ctx, ev)
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.True(t, res.Outcome.Duplicate)
	require.Equal(t, int64(50), f.balance(t, doc.ID))
	require.Len(t, f.queue.tasks, 1)
}

func TestApproveUnlocksAndAwardsOnce(t *testing.T) {
	f := newFixture(t, featureflags.Static())
	ctx := context.Background()

	referrer := f.member(t, "referrer@example.com", false)
	doc := f.member(t, "provisional@example.com", true)
	f.refer(t, referrer, doc, referral.TypeDoctor)

	_, _, err := f.svc.LinkClick(ctx, attribution.LinkClick{ReferrerCode: doc.ReferralCode, Email: "p@example.com"})
	require.NoError(t, err)
	_, err = f.svc.HandleOrderEvent(ctx, attribution.OrderEvent{
		ExternalOrderID: "900",
		Email:           "p@example.com",
		Total:           decimal.NewFromInt(10000),
		Paid:            true,
		OrderedAt:       time.Now().UTC().Add(time.Minute),
	})
	require.NoError(t, err)

	require.Zero(t, f.balance(t, doc.ID))
	locked, err := f.ledger.LockedTotal(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, int64(250), locked)
	// level 2 goes to the unlocked referrer right away
	require.Equal(t, int64(150), f.balance(t, referrer.ID))

	res, err := f.svc.Approve(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, res.Verified)
	require.NotNil(t, res.Unlocked)
	require.Equal(t, int64(250), res.Unlocked.Delta)
	require.True(t, res.Bonus.Awarded)
	require.False(t, res.Member.IsDoctorProvisional)

	require.Equal(t, int64(250), f.balance(t, doc.ID))
	require.Equal(t, int64(650), f.balance(t, referrer.ID))

	res, err = f.svc.Approve(ctx, doc.ID)
	require.NoError(t, err)
	require.False(t, res.Verified)
	require.Nil(t, res.Unlocked)
	require.False(t, res.Bonus.Awarded)
	require.Equal(t, int64(250), f.balance(t, doc.ID))
	require.Equal(t, int64(650), f.balance(t, referrer.ID))

	_, err = f.svc.Approve(ctx, "missing")
	require.ErrorIs(t, err, member.ErrNotFound)
}

func TestApproveRejectsNonApplicant(t *testing.T) {
	f := newFixture(t, featureflags.Static())
	ctx := context.Background()

	referrer := f.member(t, "referrer@example.com", false)
	plain := f.member(t, "plain@example.com", false)
	f.refer(t, referrer, plain, referral.TypeCustomer)

	_, err := f.svc.Approve(ctx, plain.ID)
	require.ErrorIs(t, err, ErrNotDoctorApplicant)

	var stored member.User
	require.NoError(t, f.db.First(&stored, "id = ?", plain.ID).Error)
	require.False(t, stored.IsDoctorVerified)
	require.Zero(t, f.balance(t, referrer.ID))
}

func TestProvisionalBuyerEarnsUnlockedPoints(t *testing.T) {
	f := newFixture(t, featureflags.Static())
	ctx := context.Background()

	doc := f.member(t, "doc@example.com", true)
	buyer := f.member(t, "buyer@example.com", true)
	f.refer(t, doc, buyer, referral.TypeDoctor)

	res, err := f.svc.Purchase(ctx, PurchaseRequest{UserID: buyer.ID, OrderID: "po-prov", OrderTotal: decimal.NewFromInt(10000)})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Len(t, res.Credits, 2)
	for _, c := range res.Credits {
		require.Equal(t, c.Level > 0, c.Locked, "level %d", c.Level)
	}

	require.Equal(t, int64(100), f.balance(t, buyer.ID))
	locked, err := f.ledger.LockedTotal(ctx, buyer.ID)
	require.NoError(t, err)
	require.Zero(t, locked)

	require.Zero(t, f.balance(t, doc.ID))
	locked, err = f.ledger.LockedTotal(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, int64(250), locked)
}

func TestSignupWithReferrerAndOnboardingBonus(t *testing.T) {
	f := newFixture(t, flagStub{featureflags.OnboardingBonus: true})
	ctx := context.Background()

	doc := f.member(t, "doc@example.com", false)
	res, err := f.svc.Signup(ctx, SignupRequest{Name: "Asha", Email: "asha@example.com", ReferrerCode: doc.ReferralCode})
	require.NoError(t, err)
	require.NotNil(t, res.Referral)
	require.Equal(t, referral.TypeCustomer, res.Referral.Type)
	require.Equal(t, doc.ID, *res.Member.ReferredBy)
	require.NotNil(t, res.Bonus)
	require.Equal(t, int64(100), res.Member.PointsBalance)
	require.Equal(t, int64(100), f.balance(t, res.Member.ID))

	_, err = f.svc.Signup(ctx, SignupRequest{Name: "Ravi", Email: "ravi@example.com", ReferrerCode: "NOPE"})
	require.ErrorIs(t, err, ErrUnknownReferrer)
}

func TestEstablishReferralIsFirstWins(t *testing.T) {
	f := newFixture(t, featureflags.Static())
	ctx := context.Background()

	a := f.member(t, "a@example.com", false)
	b := f.member(t, "b@example.com", false)
	c := f.member(t, "c@example.com", false)

	res, err := f.svc.EstablishReferral(ctx, ReferralRequest{ReferrerCode: a.ReferralCode, ReferredID: c.ID, Type: "customer"})
	require.NoError(t, err)
	require.True(t, res.Created)

	res, err = f.svc.EstablishReferral(ctx, ReferralRequest{ReferrerID: b.ID, ReferredID: c.ID, Type: "customer"})
	require.NoError(t, err)
	require.False(t, res.Created)
	require.Equal(t, a.ID, res.Referral.ReferrerID)

	_, err = f.svc.EstablishReferral(ctx, ReferralRequest{ReferrerID: b.ID, ReferredID: b.ID, Type: "doctor"})
	require.ErrorIs(t, err, referral.ErrSelfReferral)

	_, err = f.svc.EstablishReferral(ctx, ReferralRequest{ReferrerID: b.ID, ReferredID: a.ID, Type: "partner"})
	require.Error(t, err)
}

func TestRenewSubscriptionOncePerMonth(t *testing.T) {
	f := newFixture(t, featureflags.Static())
	ctx := context.Background()

	u := f.member(t, "sub@example.com", false)
	period := time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC)

	_, err := f.svc.RenewSubscription(ctx, u.ID, period)
	require.ErrorIs(t, err, ErrSubscriptionInactive)

	require.NoError(t, f.db.Model(&member.User{}).Where("id = ?", u.ID).Update("subscription_active", true).Error)

	entry, err := f.svc.RenewSubscription(ctx, u.ID, period)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, int64(250), entry.Delta)

	entry, err = f.svc.RenewSubscription(ctx, u.ID, period.AddDate(0, 0, 5))
	require.NoError(t, err)
	require.Nil(t, entry)

	entry, err = f.svc.RenewSubscription(ctx, u.ID, period.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, int64(500), f.balance(t, u.ID))
}

func TestNetworkSummary(t *testing.T) {
	f := newFixture(t, featureflags.Static())
	ctx := context.Background()

	top := f.member(t, "top@example.com", false)
	doc := f.member(t, "doc@example.com", false)
	buyer := f.member(t, "buyer@example.com", false)
	f.refer(t, top, doc, referral.TypeDoctor)
	f.refer(t, doc, buyer, referral.TypeCustomer)

	_, err := f.svc.Purchase(ctx, PurchaseRequest{UserID: buyer.ID, OrderID: "n-1", OrderTotal: decimal.NewFromInt(10000)})
	require.NoError(t, err)

	view, err := f.svc.Network(ctx, top.ID)
	require.NoError(t, err)
	require.Len(t, view.Levels, 3)
	require.Equal(t, int64(1), view.Levels[0].Members)
	require.Equal(t, int64(1), view.Levels[1].Members)
	require.Equal(t, int64(1), view.Levels[1].PaidOrders)
	require.Equal(t, int64(150), view.Levels[1].Points)
	require.Equal(t, 1.5, view.Levels[1].CommissionRate)
	require.Zero(t, view.Levels[2].Members)
}
