package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is a purchase made by an authenticated member.
type Order struct {
	ID             string          `gorm:"column:id;primaryKey" json:"id"`
	UserID         string          `gorm:"column:user_id;index;not null" json:"user_id"`
	OrderID        string          `gorm:"column:order_id;uniqueIndex;not null" json:"order_id"`
	Total          decimal.Decimal `gorm:"column:total;type:numeric(18,2);not null" json:"total"`
	RedeemedPoints int64           `gorm:"column:redeemed_points;not null;default:0" json:"redeemed_points"`
	EarnedPoints   int64           `gorm:"column:earned_points;not null;default:0" json:"earned_points"`
	Context        string          `gorm:"column:context" json:"context,omitempty"`
	Paid           bool            `gorm:"column:paid;not null;default:false" json:"paid"`
	PaidAt         *time.Time      `gorm:"column:paid_at;index" json:"paid_at,omitempty"`
	CreatedAt      time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at" json:"updated_at"`
}
