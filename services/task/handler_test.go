package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"referral-ledger/pkg/taskname"
	"referral-ledger/services/ledger"
	"referral-ledger/services/milestone"
	"referral-ledger/services/orchestrator"
	"referral-ledger/services/rank"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type workerStub struct {
	promoted   []string
	checked    []string
	renewed    map[string]time.Time
	renewErr   error
	promoteErr error
}

func (w *workerStub) MaybeApplyPromotion(ctx context.Context, userID string) (*rank.Promotion, error) {
	w.promoted = append(w.promoted, userID)
	return &rank.Promotion{UserID: userID}, w.promoteErr
}

func (w *workerStub) CheckCustomerMilestone(ctx context.Context, referredID string) (*milestone.Award, error) {
	w.checked = append(w.checked, referredID)
	return &milestone.Award{ReferredID: referredID, Awarded: true, Points: 200}, nil
}

func (w *workerStub) RenewSubscription(ctx context.Context, userID string, period time.Time) (*ledger.PointsTransaction, error) {
	if w.renewErr != nil {
		return nil, w.renewErr
	}
	if w.renewed == nil {
		w.renewed = map[string]time.Time{}
	}
	w.renewed[userID] = period
	return &ledger.PointsTransaction{UserID: userID, Delta: 100}, nil
}

func newTestTask(t *testing.T, typ string, v any) *asynq.Task {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return asynq.NewTask(typ, raw)
}

func TestHandlerDispatch(t *testing.T) {
	stub := &workerStub{}
	h := &Handler{rank: stub, milestone: stub, renewer: stub}
	mux := asynq.NewServeMux()
	h.Register(mux)
	ctx := context.Background()

	require.NoError(t, mux.ProcessTask(ctx, newTestTask(t, taskname.RankPromote, MemberPayload{MemberID: "u1"})))
	require.NoError(t, mux.ProcessTask(ctx, newTestTask(t, taskname.MilestoneCustomerCheck, MilestonePayload{ReferredID: "u2"})))
	require.NoError(t, mux.ProcessTask(ctx, newTestTask(t, taskname.SubscriptionRenew, RenewalPayload{MemberID: "u3", Period: "202603"})))

	require.Equal(t, []string{"u1"}, stub.promoted)
	require.Equal(t, []string{"u2"}, stub.checked)
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), stub.renewed["u3"])
}

func TestHandlerErrors(t *testing.T) {
	stub := &workerStub{}
	h := &Handler{rank: stub, milestone: stub, renewer: stub}
	ctx := context.Background()

	err := h.HandleRankPromote(ctx, asynq.NewTask(taskname.RankPromote, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = h.HandleSubscriptionRenew(ctx, newTestTask(t, taskname.SubscriptionRenew, RenewalPayload{MemberID: "u", Period: "2026-03"}))
	require.ErrorIs(t, err, asynq.SkipRetry)

	stub.promoteErr = errors.New("db down")
	err = h.HandleRankPromote(ctx, newTestTask(t, taskname.RankPromote, MemberPayload{MemberID: "u1"}))
	require.Error(t, err)

	stub.renewErr = orchestrator.ErrSubscriptionInactive
	err = h.HandleSubscriptionRenew(ctx, newTestTask(t, taskname.SubscriptionRenew, RenewalPayload{MemberID: "u", Period: "202603"}))
	require.NoError(t, err)
}
