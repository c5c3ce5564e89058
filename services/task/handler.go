package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"referral-ledger/pkg/taskname"
	"referral-ledger/services/ledger"
	"referral-ledger/services/milestone"
	"referral-ledger/services/orchestrator"
	"referral-ledger/services/rank"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Promoter interface {
	MaybeApplyPromotion(ctx context.Context, userID string) (*rank.Promotion, error)
}

type MilestoneChecker interface {
	CheckCustomerMilestone(ctx context.Context, referredID string) (*milestone.Award, error)
}

type Renewer interface {
	RenewSubscription(ctx context.Context, userID string, period time.Time) (*ledger.PointsTransaction, error)
}

// Handler runs the per-unit tasks fanned out by the sweeps.
type Handler struct {
	rank      Promoter
	milestone MilestoneChecker
	renewer   Renewer
}

type HandlerParams struct {
	fx.In
	Rank         *rank.Service
	Milestone    *milestone.Service
	Orchestrator *orchestrator.Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{rank: p.Rank, milestone: p.Milestone, renewer: p.Orchestrator}
}

func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(taskname.RankPromote, h.HandleRankPromote)
	mux.HandleFunc(taskname.MilestoneCustomerCheck, h.HandleMilestoneCheck)
	mux.HandleFunc(taskname.SubscriptionRenew, h.HandleSubscriptionRenew)
}

func decode(t *asynq.Task, v any) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("invalid payload: %w: %w", err, asynq.SkipRetry)
	}
	return nil
}

func (h *Handler) HandleRankPromote(ctx context.Context, t *asynq.Task) error {
	var p MemberPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	promo, err := h.rank.MaybeApplyPromotion(ctx, p.MemberID)
	if err != nil {
		zap.L().Warn("rank promotion failed", zap.String("user_id", p.MemberID), zap.Error(err))
		return err
	}
	if promo != nil && promo.Promoted {
		zap.L().Info("member promoted",
			zap.String("user_id", p.MemberID),
			zap.String("from", string(promo.Old)),
			zap.String("to", string(promo.New)))
	}
	return nil
}

func (h *Handler) HandleMilestoneCheck(ctx context.Context, t *asynq.Task) error {
	var p MilestonePayload
	if err := decode(t, &p); err != nil {
		return err
	}
	award, err := h.milestone.CheckCustomerMilestone(ctx, p.ReferredID)
	if err != nil {
		zap.L().Warn("milestone check failed", zap.String("referred_id", p.ReferredID), zap.Error(err))
		return err
	}
	if award != nil && award.Awarded {
		zap.L().Info("customer milestone awarded",
			zap.String("referred_id", p.ReferredID),
			zap.Int64("points", award.Points))
	}
	return nil
}

func (h *Handler) HandleSubscriptionRenew(ctx context.Context, t *asynq.Task) error {
	var p RenewalPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	period, err := time.Parse("200601", p.Period)
	if err != nil {
		return fmt.Errorf("invalid period %q: %w", p.Period, asynq.SkipRetry)
	}
	entry, err := h.renewer.RenewSubscription(ctx, p.MemberID, period)
	if errors.Is(err, orchestrator.ErrSubscriptionInactive) {
		zap.L().Info("subscription lapsed before renewal", zap.String("user_id", p.MemberID))
		return nil
	}
	if err != nil {
		zap.L().Warn("subscription renewal failed", zap.String("user_id", p.MemberID), zap.Error(err))
		return err
	}
	if entry != nil {
		zap.L().Info("subscription points credited", zap.String("user_id", p.MemberID), zap.Int64("points", entry.Delta))
	}
	return nil
}
