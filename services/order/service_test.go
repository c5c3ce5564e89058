package order

import (
	"context"
	"testing"
	"time"

	"referral-ledger/services/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCreatePaidAndAggregates(t *testing.T) {
	db := testutil.NewTestDB(t, &Order{})
	svc := NewService(ServiceParams{DB: db, Node: testutil.NewNode(t)})
	ctx := context.Background()

	require.NoError(t, svc.CreatePaidTx(ctx, db, &Order{UserID: "u1", OrderID: "o-1", Total: decimal.NewFromInt(1000)}))
	require.NoError(t, svc.CreatePaidTx(ctx, db, &Order{UserID: "u1", OrderID: "o-2", Total: decimal.RequireFromString("250.50")}))
	require.NoError(t, svc.CreatePaidTx(ctx, db, &Order{UserID: "u2", OrderID: "o-3", Total: decimal.NewFromInt(10)}))

	err := svc.CreatePaidTx(ctx, db, &Order{UserID: "u1", OrderID: "o-1", Total: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrDuplicateOrder)

	n, err := svc.PaidCount(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = svc.PaidCount(ctx, "u1", "u2")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	total, err := svc.SalesSince(ctx, time.Time{}, "u1")
	require.NoError(t, err)
	require.True(t, total.Equal(decimal.RequireFromString("1250.5")), total.String())

	total, err = svc.SalesSince(ctx, time.Now().UTC().Add(time.Hour), "u1")
	require.NoError(t, err)
	require.True(t, total.IsZero())

	active, err := svc.ActiveBuyers(ctx, time.Now().UTC().Add(-time.Hour), "u1", "u2", "u3")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"u1", "u2"}, active)

	found, err := svc.FindByOrderIDTx(ctx, nil, "o-2")
	require.NoError(t, err)
	require.Equal(t, "u1", found.UserID)
}
