package order

import (
	"context"
	"errors"
	"time"

	"referral-ledger/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var ErrDuplicateOrder = errors.New("order already recorded")

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	order repository.Repository[Order]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		order: repository.ProvideStore[Order](p.DB),
	}
}

func (s *Service) FindByOrderIDTx(ctx context.Context, tx *gorm.DB, orderID string) (*Order, error) {
	return s.order.WithTrx(tx).FindOne(ctx, &Order{OrderID: orderID})
}

// CreatePaidTx stores a paid order. A second order with the same order id returns
// ErrDuplicateOrder.
func (s *Service) CreatePaidTx(ctx context.Context, tx *gorm.DB, o *Order) error {
	if o.ID == "" {
		o.ID = s.node.Generate().String()
	}
	now := time.Now().UTC()
	o.Paid = true
	o.PaidAt = &now

	if err := s.order.WithTrx(tx).Create(ctx, o); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateOrder
		}
		return err
	}
	return nil
}

// PaidCount counts paid orders placed by any of userIDs.
func (s *Service) PaidCount(ctx context.Context, userIDs ...string) (int64, error) {
	return s.PaidCountTx(ctx, nil, userIDs...)
}

func (s *Service) PaidCountTx(ctx context.Context, tx *gorm.DB, userIDs ...string) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	db := s.db
	if tx != nil {
		db = tx
	}
	var n int64
	err := db.WithContext(ctx).Model(&Order{}).
		Where("user_id IN ? AND paid = ?", userIDs, true).
		Count(&n).Error
	return n, err
}

// SalesSince sums paid order totals of userIDs paid at or after since. A zero since
// means lifetime.
func (s *Service) SalesSince(ctx context.Context, since time.Time, userIDs ...string) (decimal.Decimal, error) {
	if len(userIDs) == 0 {
		return decimal.Zero, nil
	}
	q := s.db.WithContext(ctx).Model(&Order{}).
		Select("COALESCE(SUM(total), 0) AS total").
		Where("user_id IN ? AND paid = ?", userIDs, true)
	if !since.IsZero() {
		q = q.Where("paid_at >= ?", since)
	}
	var row struct{ Total decimal.Decimal }
	if err := q.Scan(&row).Error; err != nil {
		return decimal.Zero, err
	}
	return row.Total, nil
}

// ActiveBuyers returns the subset of userIDs with a paid order at or after since.
func (s *Service) ActiveBuyers(ctx context.Context, since time.Time, userIDs ...string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var out []string
	err := s.db.WithContext(ctx).Model(&Order{}).
		Distinct("user_id").
		Where("user_id IN ? AND paid = ? AND paid_at >= ?", userIDs, true, since).
		Pluck("user_id", &out).Error
	return out, err
}
