package milestone

import (
	"context"
	"fmt"
	"testing"
	"time"

	"referral-ledger/pkg/featureflags"
	"referral-ledger/services/attribution"
	"referral-ledger/services/ledger"
	"referral-ledger/services/member"
	"referral-ledger/services/order"
	"referral-ledger/services/referral"
	"referral-ledger/services/settings"
	"referral-ledger/services/testutil"

	"github.com/bwmarrin/snowflake"
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
	return fmt.Sprintf("M-%04d", s.n), nil
}

type flagStub map[string]bool

func (f flagStub) Enabled(ctx context.Context, feature, identifier string, fallback bool) bool {
	if v, ok := f[feature]; ok {
		return v
	}
	return fallback
}

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	svc      *Service
	members  *member.Service
	referral *referral.Service
	ledger   *ledger.Service
	orders   *order.Service
}

func newFixture(t *testing.T, flags featureflags.FeatureFlag) *fixture {
	db := testutil.NewTestDB(t,
		&member.User{},
		&referral.Referral{},
		&ledger.PointsTransaction{},
		&order.Order{},
		&attribution.ExternalCustomer{},
		&attribution.OrderAttribution{},
	)
	node := testutil.NewNode(t)
	rates := settings.Static(settings.DefaultRates())

	f := &fixture{db: db, node: node}
	f.members = member.NewService(member.ServiceParams{DB: db, Node: node, Sequence: &seqStub{}})
	f.referral = referral.NewService(referral.ServiceParams{DB: db, Node: node})
	f.ledger = ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	f.orders = order.NewService(order.ServiceParams{DB: db, Node: node})
	attr := attribution.NewService(attribution.ServiceParams{
		DB:       db,
		Node:     node,
		Rates:    rates,
		Member:   f.members,
		Referral: f.referral,
		Ledger:   f.ledger,
	})
	f.svc = NewService(ServiceParams{
		DB:          db,
		Rates:       rates,
		Flags:       flags,
		Member:      f.members,
		Referral:    f.referral,
		Ledger:      f.ledger,
		Order:       f.orders,
		Attribution: attr,
	})
	return f
}

func (f *fixture) member(t *testing.T, email string, provisional bool) *member.User {
	t.Helper()
	u, err := f.members.Create(context.Background(), member.CreateParams{Name: email, Email: email, Provisional: provisional})
	require.NoError(t, err)
	return u
}

func TestAwardDoctorReferralBonus(t *testing.T) {
	f := newFixture(t, featureflags.Static())
	ctx := context.Background()

	referrer := f.member(t, "referrer@example.com", false)
	doctor := f.member(t, "doctor@example.com", true)
	_, _, err := f.referral.EnsureEdge(ctx, referrer.ID, doctor.ID, referral.TypeDoctor)
	require.NoError(t, err)

	award, err := f.svc.AwardDoctorReferralBonus(ctx, doctor.ID)
	require.NoError(t, err)
	require.False(t, award.Awarded)
	require.Equal(t, SkipNotVerified, award.Skipped)

	_, err = f.members.VerifyDoctorTx(ctx, f.db, doctor.ID)
	require.NoError(t, err)

	award, err = f.svc.AwardDoctorReferralBonus(ctx, doctor.ID)
	require.NoError(t, err)
	require.True(t, award.Awarded)
	require.Equal(t, int64(500), award.Points)
	require.Equal(t, referrer.ID, award.ReferrerID)
	require.False(t, award.Locked)

	award, err = f.svc.AwardDoctorReferralBonus(ctx, doctor.ID)
	require.NoError(t, err)
	require.False(t, award.Awarded)
	require.Equal(t, SkipAlreadyAwarded, award.Skipped)

	balance, err := f.ledger.Balance(ctx, referrer.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), balance)

	ok, err := f.ledger.VerifyBalance(ctx, referrer.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAwardDoctorReferralBonusLockedForProvisionalReferrer(t *testing.T) {
	f := newFixture(t, featureflags.Static())
	ctx := context.Background()

	referrer := f.member(t, "referrer@example.com", true)
	doctor := f.member(t, "doctor@example.com", true)
	_, _, err := f.referral.EnsureEdge(ctx, referrer.ID, doctor.ID, referral.TypeDoctor)
	require.NoError(t, err)
	_, err = f.members.VerifyDoctorTx(ctx, f.db, doctor.ID)
	require.NoError(t, err)

	award, err := f.svc.AwardDoctorReferralBonus(ctx, doctor.ID)
	require.NoError(t, err)
	require.True(t, award.Awarded)
	require.True(t, award.Locked)

	balance, err := f.ledger.Balance(ctx, referrer.ID)
	require.NoError(t, err)
	require.Zero(t, balance)

	locked, err := f.ledger.LockedTotal(ctx, referrer.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), locked)
}

func TestAwardDoctorReferralBonusSkipsCustomerEdge(t *testing.T) {
	f := newFixture(t, featureflags.Static())
	ctx := context.Background()

	referrer := f.member(t, "referrer@example.com", false)
	patient := f.member(t, "patient@example.com", false)

	award, err := f.svc.AwardDoctorReferralBonus(ctx, patient.ID)
	require.NoError(t, err)
	require.Equal(t, SkipNoReferral, award.Skipped)

	_, _, err = f.referral.EnsureEdge(ctx, referrer.ID, patient.ID, referral.TypeCustomer)
	require.NoError(t, err)

	award, err = f.svc.AwardDoctorReferralBonus(ctx, patient.ID)
	require.NoError(t, err)
	require.Equal(t, SkipWrongType, award.Skipped)
}

func TestCheckCustomerMilestone(t *testing.T) {
	f := newFixture(t, featureflags.Static())
	ctx := context.Background()

	referrer := f.member(t, "referrer@example.com", false)
	patient := f.member(t, "patient@example.com", false)
	_, _, err := f.referral.EnsureEdge(ctx, referrer.ID, patient.ID, referral.TypeCustomer)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, f.orders.CreatePaidTx(ctx, f.db, &order.Order{
			UserID:  patient.ID,
			OrderID: fmt.Sprintf("internal-%d", i),
			Total:   decimal.NewFromInt(100),
		}))
	}

	award, err := f.svc.CheckCustomerMilestone(ctx, patient.ID)
	require.NoError(t, err)
	require.Equal(t, SkipBelowThreshold, award.Skipped)

	// the third paid order arrives through the storefront
	paidAt := time.Now().UTC()
	require.NoError(t, f.db.Create(&attribution.OrderAttribution{
		ID:              f.node.Generate().String(),
		ExternalOrderID: "shop-1",
		BuyerUserID:     &patient.ID,
		Total:           decimal.NewFromInt(100),
		Paid:            true,
		PaidAt:          &paidAt,
		OrderedAt:       paidAt,
	}).Error)

	award, err = f.svc.CheckCustomerMilestone(ctx, patient.ID)
	require.NoError(t, err)
	require.True(t, award.Awarded)
	require.Equal(t, int64(200), award.Points)

	award, err = f.svc.CheckCustomerMilestone(ctx, patient.ID)
	require.NoError(t, err)
	require.Equal(t, SkipAlreadyAwarded, award.Skipped)

	bonus, err := f.ledger.SumByReason(ctx, referrer.ID, ledger.ReasonReferralCustomerMilestone)
	require.NoError(t, err)
	require.Equal(t, int64(200), bonus)
}

func TestCheckCustomerMilestoneDisabled(t *testing.T) {
	f := newFixture(t, flagStub{featureflags.CustomerMilestone: false})

	award, err := f.svc.CheckCustomerMilestone(context.Background(), "anyone")
	require.NoError(t, err)
	require.False(t, award.Awarded)
	require.Equal(t, SkipDisabled, award.Skipped)
}
