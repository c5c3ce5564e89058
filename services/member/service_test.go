package member

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"referral-ledger/pkg/contact"
	"referral-ledger/pkg/errutil"
	"referral-ledger/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type seqStub struct {
	n   int
	err error
}

func (s *seqStub) NextReferralCode(ctx context.Context, name string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.n++
	return fmt.Sprintf("CODE-%03d", s.n), nil
}

func newTestService(t *testing.T) *Service {
	db := testutil.NewTestDB(t, &User{})
	return NewService(ServiceParams{DB: db, Node: testutil.NewNode(t), Sequence: &seqStub{}})
}

func TestRankOrder(t *testing.T) {
	require.Less(t, RankAssociate.Ord(), RankSilver.Ord())
	require.Less(t, RankSilver.Ord(), RankGold.Ord())
	require.Less(t, RankGold.Ord(), RankPlatinum.Ord())
	require.False(t, Rank("diamond").Valid())
}

func TestCreateNormalizesContact(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	u, err := svc.Create(ctx, CreateParams{Name: "Dr Asha", Email: "  Asha@Example.COM ", Phone: "098765 43210"})
	require.NoError(t, err)
	require.Equal(t, "asha@example.com", *u.Email)
	require.Equal(t, "+919876543210", *u.Phone)
	require.Equal(t, RankAssociate, u.Rank)
	require.Equal(t, "CODE-001", u.ReferralCode)

	found, err := svc.FindByContact(ctx, contact.Normalize("", "+91 98765 43210"))
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, u.ID, found.ID)

	byCode, err := svc.FindByReferralCode(ctx, "CODE-001")
	require.NoError(t, err)
	require.Equal(t, u.ID, byCode.ID)
}

func TestCreateRejectsDuplicateContact(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{Name: "One", Email: "dup@example.com"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateParams{Name: "Two", Email: "DUP@example.com"})
	require.ErrorIs(t, err, ErrContactTaken)
}

func TestCreateRequiresContact(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Create(context.Background(), CreateParams{Name: "Nobody"})
	require.Error(t, err)
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	_, err = svc.Create(context.Background(), CreateParams{Name: "Garbage", Email: "not-an-email"})
	require.ErrorIs(t, err, ErrContactRequired)
}

func TestCreateSequenceFailure(t *testing.T) {
	db := testutil.NewTestDB(t, &User{})
	svc := NewService(ServiceParams{DB: db, Node: testutil.NewNode(t), Sequence: &seqStub{err: errors.New("redis down")}})

	_, err := svc.Create(context.Background(), CreateParams{Name: "X", Email: "x@example.com"})
	require.Equal(t, errutil.StatusInternal, errutil.StatusOf(err))
}

func TestGetByIDNotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyDoctorTx(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	u, err := svc.Create(ctx, CreateParams{Name: "Dr P", Email: "p@example.com", Provisional: true})
	require.NoError(t, err)
	require.True(t, u.Locked())

	changed, err := svc.VerifyDoctorTx(ctx, svc.db, u.ID)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = svc.VerifyDoctorTx(ctx, svc.db, u.ID)
	require.NoError(t, err)
	require.False(t, changed)

	got, err := svc.GetByID(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, got.IsDoctorVerified)
	require.False(t, got.Locked())
}

func TestListAfter(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Create(ctx, CreateParams{Name: "M", Email: fmt.Sprintf("m%d@example.com", i)})
		require.NoError(t, err)
	}

	first, err := svc.ListAfter(ctx, "", 3)
	require.NoError(t, err)
	require.Len(t, first, 3)

	rest, err := svc.ListAfter(ctx, first[2].ID, 3)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.Greater(t, rest[0].ID, first[2].ID)
}
