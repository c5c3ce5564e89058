package attribution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"referral-ledger/services/ledger"
	"referral-ledger/services/member"
	"referral-ledger/services/referral"
	"referral-ledger/services/settings"
	"referral-ledger/services/testutil"

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
	return fmt.Sprintf("%s-%03d", name, s.n), nil
}

type fixture struct {
	db       *gorm.DB
	svc      *Service
	members  *member.Service
	referral *referral.Service
	ledger   *ledger.Service
}

func newFixture(t *testing.T) *fixture {
	db := testutil.NewTestDB(t,
		&member.User{},
		&referral.Referral{},
		&ledger.PointsTransaction{},
		&ExternalCustomer{},
		&OrderAttribution{},
	)
	node := testutil.NewNode(t)

	f := &fixture{db: db}
	f.members = member.NewService(member.ServiceParams{DB: db, Node: node, Sequence: &seqStub{}})
	f.referral = referral.NewService(referral.ServiceParams{DB: db, Node: node})
	f.ledger = ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	f.svc = NewService(ServiceParams{
		DB:       db,
		Node:     node,
		Rates:    settings.Static(settings.DefaultRates()),
		Member:   f.members,
		Referral: f.referral,
		Ledger:   f.ledger,
	})
	return f
}

func (f *fixture) member(t *testing.T, name string, provisional bool) *member.User {
	t.Helper()
	u, err := f.members.Create(context.Background(), member.CreateParams{
		Name:        name,
		Email:       name + "@example.com",
		Provisional: provisional,
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) edge(t *testing.T, referrer, referred *member.User, typ referral.Type) {
	t.Helper()
	_, _, err := f.referral.EnsureEdge(context.Background(), referrer.ID, referred.ID, typ)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, u *member.User) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), u.ID)
	require.NoError(t, err)
	return b
}

// chain builds d3 -> d2 -> d1 over doctor edges, none of them provisional.
func (f *fixture) chain(t *testing.T) (d1, d2, d3 *member.User) {
	d3 = f.member(t, "dthree", false)
	d2 = f.member(t, "dtwo", false)
	d1 = f.member(t, "done", false)
	f.edge(t, d3, d2, referral.TypeDoctor)
	f.edge(t, d2, d1, referral.TypeDoctor)
	return d1, d2, d3
}

func TestMarkPaidIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d1, d2, d3 := f.chain(t)

	joined := time.Now().UTC().Add(-time.Hour)
	_, created, err := f.svc.UpsertExternalCustomer(ctx, LinkClick{ReferrerCode: d1.ReferralCode, Email: "Buyer@Shop.com", ClickedAt: joined})
	require.NoError(t, err)
	require.True(t, created)

	row, created, err := f.svc.Observe(ctx, OrderEvent{
		ExternalOrderID: "5001",
		Email:           "buyer@shop.com ",
		Total:           decimal.NewFromInt(10000),
		Currency:        "INR",
		OrderedAt:       time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, created)
	require.True(t, row.PostJoin)
	require.Equal(t, d1.ID, *row.Level1DoctorID)
	require.Equal(t, d2.ID, *row.Level2DoctorID)
	require.Equal(t, d3.ID, *row.Level3DoctorID)
	require.Equal(t, [3]int64{250, 150, 100}, row.LevelPoints())

	again, created, err := f.svc.Observe(ctx, OrderEvent{ExternalOrderID: "5001", Total: decimal.NewFromInt(1)})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, row.ID, again.ID)

	first, err := f.svc.MarkPaid(ctx, "5001")
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	require.Len(t, first.Credits, 3)

	for i := 0; i < 3; i++ {
		out, err := f.svc.MarkPaid(ctx, "5001")
		require.NoError(t, err)
		require.True(t, out.Duplicate)
	}

	require.Equal(t, int64(250), f.balance(t, d1))
	require.Equal(t, int64(150), f.balance(t, d2))
	require.Equal(t, int64(100), f.balance(t, d3))

	for _, u := range []*member.User{d1, d2, d3} {
		ok, err := f.ledger.VerifyBalance(ctx, u.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}

	stored, err := f.svc.Get(ctx, "5001")
	require.NoError(t, err)
	require.True(t, stored.Paid)
	require.NotNil(t, stored.PaidAt)
}

func TestPreJoinOrderEarnsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d1, _, _ := f.chain(t)

	_, _, err := f.svc.UpsertExternalCustomer(ctx, LinkClick{ReferrerCode: d1.ReferralCode, Phone: "9876543210"})
	require.NoError(t, err)

	row, _, err := f.svc.Observe(ctx, OrderEvent{
		ExternalOrderID: "5002",
		Phone:           "+91 98765 43210",
		Total:           decimal.NewFromInt(10000),
		OrderedAt:       time.Now().UTC().Add(-24 * time.Hour),
	})
	require.NoError(t, err)
	require.False(t, row.PostJoin)
	require.Equal(t, [3]int64{}, row.LevelPoints())

	out, err := f.svc.MarkPaid(ctx, "5002")
	require.NoError(t, err)
	require.Empty(t, out.Credits)
	require.Zero(t, f.balance(t, d1))
}

func TestProvisionalDoctorIsCreditedLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.member(t, "prov", true)

	_, _, err := f.svc.UpsertExternalCustomer(ctx, LinkClick{ReferrerCode: doc.ReferralCode, Email: "p@shop.com", ClickedAt: time.Now().UTC().Add(-time.Minute)})
	require.NoError(t, err)

	_, _, err = f.svc.Observe(ctx, OrderEvent{ExternalOrderID: "5003", Email: "p@shop.com", Total: decimal.NewFromInt(4000)})
	require.NoError(t, err)

	out, err := f.svc.MarkPaid(ctx, "5003")
	require.NoError(t, err)
	require.Len(t, out.Credits, 1)
	require.True(t, out.Credits[0].Locked)

	require.Zero(t, f.balance(t, doc))
	locked, err := f.ledger.LockedTotal(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), locked)
}

func TestMemberBuyerFallsBackToReferrer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.member(t, "doc", false)
	buyer := f.member(t, "buyer", false)
	f.edge(t, doc, buyer, referral.TypeCustomer)

	row, _, err := f.svc.Observe(ctx, OrderEvent{ExternalOrderID: "5004", Email: "buyer@example.com", Total: decimal.NewFromInt(2000)})
	require.NoError(t, err)
	require.Equal(t, buyer.ID, *row.BuyerUserID)
	require.Equal(t, doc.ID, *row.Level1DoctorID)
	require.Nil(t, row.Level2DoctorID)
	require.Equal(t, int64(50), row.PointsL1)
	require.Equal(t, int64(20), row.PointsCustomer)

	_, err = f.svc.MarkPaid(ctx, "5004")
	require.NoError(t, err)
	require.Equal(t, int64(50), f.balance(t, doc))
	require.Equal(t, int64(20), f.balance(t, buyer))

	n, err := f.svc.PaidCountForBuyers(ctx, nil, buyer.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	sales, err := f.svc.Level1Sales(ctx, doc.ID, time.Time{})
	require.NoError(t, err)
	require.True(t, sales.Equal(decimal.NewFromInt(2000)))

	active, err := f.svc.ActiveLevel1Doctors(ctx, time.Now().UTC().Add(-time.Hour), doc.ID, buyer.ID)
	require.NoError(t, err)
	require.Equal(t, []string{doc.ID}, active)
}

func TestConcurrentMarkPaidCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d1, d2, d3 := f.chain(t)

	_, _, err := f.svc.UpsertExternalCustomer(ctx, LinkClick{ReferrerCode: d1.ReferralCode, Email: "race@shop.com", ClickedAt: time.Now().UTC().Add(-time.Hour)})
	require.NoError(t, err)
	_, _, err = f.svc.Observe(ctx, OrderEvent{ExternalOrderID: "5100", Email: "race@shop.com", Total: decimal.NewFromInt(10000), OrderedAt: time.Now().UTC()})
	require.NoError(t, err)

	const deliveries = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		credited int
		credits  int
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.MarkPaid(ctx, "5100")
			if err != nil {
				t.Errorf("mark paid: %v", err)
				return
			}
			if !out.Duplicate {
				mu.Lock()
				credited++
				credits += len(out.Credits)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, credited)
	require.Equal(t, 3, credits)
	require.Equal(t, int64(250), f.balance(t, d1))
	require.Equal(t, int64(150), f.balance(t, d2))
	require.Equal(t, int64(100), f.balance(t, d3))

	for _, u := range []*member.User{d1, d2, d3} {
		var rows int64
		require.NoError(t, f.db.Model(&ledger.PointsTransaction{}).Where("user_id = ? AND order_id = ?", u.ID, "5100").Count(&rows).Error)
		require.Equal(t, int64(1), rows)
		ok, err := f.ledger.VerifyBalance(ctx, u.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestProvisionalBuyerCreditIsUnlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.member(t, "doc", false)
	buyer := f.member(t, "pbuyer", true)
	f.edge(t, doc, buyer, referral.TypeDoctor)

	_, _, err := f.svc.Observe(ctx, OrderEvent{ExternalOrderID: "5200", Email: "pbuyer@example.com", Total: decimal.NewFromInt(2000)})
	require.NoError(t, err)

	out, err := f.svc.MarkPaid(ctx, "5200")
	require.NoError(t, err)
	require.Len(t, out.Credits, 2)
	for _, c := range out.Credits {
		require.False(t, c.Locked, "level %d", c.Level)
	}
	require.Equal(t, int64(20), f.balance(t, buyer))
	require.Equal(t, int64(50), f.balance(t, doc))

	locked, err := f.ledger.LockedTotal(ctx, buyer.ID)
	require.NoError(t, err)
	require.Zero(t, locked)
}

// Chain levels follow referred_by pointers whatever the ancestor's doctor status.
func TestNonDoctorAncestorEarnsLevelCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	patron := f.member(t, "patron", false)
	doc := f.member(t, "doc", false)
	require.NoError(t, f.db.Model(&member.User{}).Where("id = ?", doc.ID).Update("is_doctor_verified", true).Error)
	f.edge(t, patron, doc, referral.TypeCustomer)

	_, _, err := f.svc.UpsertExternalCustomer(ctx, LinkClick{ReferrerCode: doc.ReferralCode, Email: "np@shop.com", ClickedAt: time.Now().UTC().Add(-time.Minute)})
	require.NoError(t, err)
	row, _, err := f.svc.Observe(ctx, OrderEvent{ExternalOrderID: "5300", Email: "np@shop.com", Total: decimal.NewFromInt(10000), OrderedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.Equal(t, patron.ID, *row.Level2DoctorID)

	_, err = f.svc.MarkPaid(ctx, "5300")
	require.NoError(t, err)
	require.Equal(t, int64(250), f.balance(t, doc))
	require.Equal(t, int64(150), f.balance(t, patron))
}

func TestMarkPaidUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.MarkPaid(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestObserveWithoutReferrer(t *testing.T) {
	f := newFixture(t)
	row, created, err := f.svc.Observe(context.Background(), OrderEvent{ExternalOrderID: "5005", Email: "stranger@shop.com", Total: decimal.NewFromInt(500)})
	require.NoError(t, err)
	require.True(t, created)
	require.Nil(t, row.Level1DoctorID)
	require.Zero(t, row.PointsCustomer)

	_, _, err = f.svc.Observe(context.Background(), OrderEvent{Total: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrInvalidOrder)
}

func TestUpsertExternalCustomerFirstJoinWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.member(t, "alpha", false)
	b := f.member(t, "beta", false)

	first, created, err := f.svc.UpsertExternalCustomer(ctx, LinkClick{ReferrerCode: a.ReferralCode, Email: "c@shop.com"})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := f.svc.UpsertExternalCustomer(ctx, LinkClick{ReferrerCode: b.ReferralCode, Email: "c@shop.com", Phone: "9000000001"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, a.ID, second.ReferredByDoctorID)
	require.Equal(t, "+919000000001", *second.Phone)

	_, _, err = f.svc.UpsertExternalCustomer(ctx, LinkClick{ReferrerCode: "NOPE", Email: "d@shop.com"})
	require.ErrorIs(t, err, member.ErrNotFound)
}
