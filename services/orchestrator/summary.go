package orchestrator

import (
	"context"

	"referral-ledger/services/ledger"
)

// summarySource feeds referral.NetworkSummary from the order, attribution and
// ledger stores.
type summarySource struct {
	s *Service
}

func (src *summarySource) PaidOrderCount(ctx context.Context, userIDs []string) (int64, error) {
	internal, err := src.s.orders.PaidCount(ctx, userIDs...)
	if err != nil {
		return 0, err
	}
	attributed, err := src.s.attribution.PaidCountForBuyers(ctx, nil, userIDs...)
	if err != nil {
		return 0, err
	}
	return internal + attributed, nil
}

func (src *summarySource) LevelPoints(ctx context.Context, userID string, level int) (int64, error) {
	reason, err := ledger.LevelReason(level)
	if err != nil {
		return 0, err
	}
	return src.s.ledger.SumByReason(ctx, userID, reason)
}
