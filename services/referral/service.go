package referral

import (
	"context"
	"time"

	"referral-ledger/pkg/db/option"
	"referral-ledger/pkg/errutil"
	"referral-ledger/pkg/repository"
	"referral-ledger/services/member"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MaxDepth is the number of ancestor levels that earn commission.
const MaxDepth = 3

// cycleProbeDepth bounds the ancestor walk used to reject cyclic edges.
const cycleProbeDepth = 64

var (
	ErrSelfReferral = errutil.BadRequest("a member cannot refer themselves", nil)
	ErrCycle        = errutil.BadRequest("referral would create a cycle", nil)
	ErrInvalidType  = errutil.BadRequest("invalid referral type", nil)
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	referral repository.Repository[Referral]
	member   repository.Repository[member.User]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		referral: repository.ProvideStore[Referral](p.DB),
		member:   repository.ProvideStore[member.User](p.DB),
	}
}

func logFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// EnsureEdge records referrerID as the parent of referredID. The first edge for a
// referred member wins; later calls return the stored edge with created=false.
func (s *Service) EnsureEdge(ctx context.Context, referrerID, referredID string, typ Type) (*Referral, bool, error) {
	var (
		out     *Referral
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, created, err = s.EnsureEdgeTx(ctx, tx, referrerID, referredID, typ)
		return err
	})
	return out, created, err
}

func (s *Service) EnsureEdgeTx(ctx context.Context, tx *gorm.DB, referrerID, referredID string, typ Type) (*Referral, bool, error) {
	if _, err := ParseType(string(typ)); err != nil {
		return nil, false, ErrInvalidType
	}
	if referrerID == "" || referredID == "" {
		return nil, false, errutil.BadRequest("referrer and referred ids are required", nil)
	}
	if referrerID == referredID {
		return nil, false, ErrSelfReferral
	}

	logger := zap.L().With(logFields(ctx)...).With(zap.String("referrer_id", referrerID), zap.String("referred_id", referredID))

	memberTx := s.member.WithTrx(tx)
	referred, err := memberTx.FindOne(ctx, &member.User{ID: referredID}, option.WithLockingUpdate())
	if err != nil {
		return nil, false, err
	}
	if referred == nil {
		return nil, false, member.ErrNotFound
	}
	referrer, err := memberTx.FindOne(ctx, &member.User{ID: referrerID})
	if err != nil {
		return nil, false, err
	}
	if referrer == nil {
		return nil, false, member.ErrNotFound
	}

	existing, err := s.referral.WithTrx(tx).FindOne(ctx, &Referral{ReferredID: referredID})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.ReferrerID != referrerID {
			logger.Warn("referral edge already set, keeping original referrer", zap.String("original_referrer_id", existing.ReferrerID))
		}
		return existing, false, nil
	}
	if referred.ReferredBy != nil {
		logger.Warn("member already has a referrer without an edge record", zap.String("original_referrer_id", *referred.ReferredBy))
		return nil, false, nil
	}

	ancestors, err := s.WalkChainTx(ctx, tx, referrerID, cycleProbeDepth)
	if err != nil {
		return nil, false, err
	}
	for _, a := range ancestors {
		if a.UserID == referredID {
			return nil, false, ErrCycle
		}
	}

	edge := &Referral{
		ID:         s.node.Generate().String(),
		ReferrerID: referrerID,
		ReferredID: referredID,
		Type:       typ,
	}
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "referred_id"}},
		DoNothing: true,
	}).Create(edge)
	if res.Error != nil {
		logger.Error("failed to insert referral edge", zap.Error(res.Error))
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		stored, err := s.referral.WithTrx(tx).FindOne(ctx, &Referral{ReferredID: referredID})
		return stored, false, err
	}

	if err := tx.WithContext(ctx).Model(&member.User{}).
		Where("id = ? AND referred_by IS NULL", referredID).
		Update("referred_by", referrerID).Error; err != nil {
		return nil, false, err
	}

	logger.Info("referral edge created", zap.String("type", string(typ)))
	return edge, true, nil
}

// WalkChain follows referredBy pointers upward from userID for at most depth hops.
func (s *Service) WalkChain(ctx context.Context, userID string, depth int) ([]ChainLink, error) {
	return s.WalkChainTx(ctx, nil, userID, depth)
}

func (s *Service) WalkChainTx(ctx context.Context, tx *gorm.DB, userID string, depth int) ([]ChainLink, error) {
	memberTx := s.member.WithTrx(tx)
	seen := map[string]bool{userID: true}
	links := make([]ChainLink, 0, depth)

	current := userID
	for level := 1; level <= depth; level++ {
		u, err := memberTx.FindOne(ctx, &member.User{ID: current})
		if err != nil {
			return nil, err
		}
		if u == nil || u.ReferredBy == nil || *u.ReferredBy == "" {
			break
		}
		parent := *u.ReferredBy
		if seen[parent] {
			zap.L().With(logFields(ctx)...).Warn("referral cycle detected, stopping walk", zap.String("member_id", parent))
			break
		}
		seen[parent] = true
		links = append(links, ChainLink{UserID: parent, Level: level})
		current = parent
	}
	return links, nil
}

func (s *Service) DirectReferrals(ctx context.Context, userID string) ([]*Referral, error) {
	return s.referral.Find(ctx, &Referral{ReferrerID: userID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}))
}

// GetByReferredTx returns the edge pointing at referredID, or nil.
func (s *Service) GetByReferredTx(ctx context.Context, tx *gorm.DB, referredID string) (*Referral, error) {
	return s.referral.WithTrx(tx).FindOne(ctx, &Referral{ReferredID: referredID})
}

// MarkMilestoneAwardedTx flips milestone_awarded false->true. Only the caller that
// performs the flip gets true.
func (s *Service) MarkMilestoneAwardedTx(ctx context.Context, tx *gorm.DB, referredID string) (bool, error) {
	res := tx.WithContext(ctx).Model(&Referral{}).
		Where("referred_id = ? AND milestone_awarded = ?", referredID, false).
		Updates(map[string]any{
			"milestone_awarded": true,
			"awarded_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// PendingCustomerMilestones pages unawarded customer edges by id.
func (s *Service) PendingCustomerMilestones(ctx context.Context, afterID string, limit int) ([]*Referral, error) {
	conds := []option.Condition{{Field: "milestone_awarded", Operator: option.EQ, Value: false}}
	if afterID != "" {
		conds = append(conds, option.Condition{Field: "id", Operator: option.GT, Value: afterID})
	}
	return s.referral.Find(ctx, &Referral{Type: TypeCustomer},
		option.ApplyOperator(conds...),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}),
		option.WithLimit(limit),
	)
}

// Downline returns referred member ids grouped by level, up to depth levels.
func (s *Service) Downline(ctx context.Context, userID string, depth int) ([][]string, error) {
	levels := make([][]string, 0, depth)
	seen := map[string]bool{userID: true}
	frontier := []string{userID}

	for level := 1; level <= depth && len(frontier) > 0; level++ {
		edges, err := s.referral.Find(ctx, nil,
			option.ApplyOperator(option.Condition{Field: "referrer_id", Operator: option.IN, Value: frontier}))
		if err != nil {
			return nil, err
		}
		next := make([]string, 0, len(edges))
		for _, e := range edges {
			if seen[e.ReferredID] {
				continue
			}
			seen[e.ReferredID] = true
			next = append(next, e.ReferredID)
		}
		levels = append(levels, next)
		frontier = next
	}
	for len(levels) < depth {
		levels = append(levels, nil)
	}
	return levels, nil
}

// CountByType counts direct referrals of userID with the given type.
func (s *Service) CountByType(ctx context.Context, userID string, typ Type) (int64, error) {
	return s.referral.Count(ctx, &Referral{ReferrerID: userID, Type: typ})
}

// SummarySource supplies the order and points figures for a network summary.
type SummarySource interface {
	PaidOrderCount(ctx context.Context, userIDs []string) (int64, error)
	LevelPoints(ctx context.Context, userID string, level int) (int64, error)
}

// NetworkSummary reports per level member counts, paid orders and commission earned.
// ratesPercent holds the configured level 1..3 commission percentages.
func (s *Service) NetworkSummary(ctx context.Context, userID string, src SummarySource, ratesPercent [MaxDepth]float64) ([]LevelSummary, error) {
	levels, err := s.Downline(ctx, userID, MaxDepth)
	if err != nil {
		zap.L().With(logFields(ctx)...).Error("failed to load downline", zap.String("member_id", userID), zap.Error(err))
		return nil, err
	}

	out := make([]LevelSummary, 0, MaxDepth)
	for i, ids := range levels {
		sum := LevelSummary{
			Level:          i + 1,
			Members:        int64(len(ids)),
			CommissionRate: ratesPercent[i],
		}
		if len(ids) > 0 {
			if sum.PaidOrders, err = src.PaidOrderCount(ctx, ids); err != nil {
				return nil, err
			}
		}
		if sum.Points, err = src.LevelPoints(ctx, userID, i+1); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}
