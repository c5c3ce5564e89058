package attribution

import (
	"time"

	"referral-ledger/services/commission"

	"github.com/shopspring/decimal"
)

// ExternalCustomer links a storefront buyer, known only by contact details, to the
// doctor whose referral link they followed.
type ExternalCustomer struct {
	ID                 string    `gorm:"column:id;primaryKey" json:"id"`
	Email              *string   `gorm:"column:email;uniqueIndex" json:"email,omitempty"`
	Phone              *string   `gorm:"column:phone;uniqueIndex" json:"phone,omitempty"`
	ReferredByDoctorID string    `gorm:"column:referred_by_doctor_id;index;not null" json:"referred_by_doctor_id"`
	JoinedAt           time.Time `gorm:"column:joined_at;not null" json:"joined_at"`
	CreatedAt          time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// OrderAttribution is the resolved commission chain of one external order. Point
// amounts are fixed when the row is created.
type OrderAttribution struct {
	ID              string          `gorm:"column:id;primaryKey" json:"id"`
	ExternalOrderID string          `gorm:"column:external_order_id;uniqueIndex;not null" json:"external_order_id"`
	BuyerEmail      *string         `gorm:"column:buyer_email;index" json:"buyer_email,omitempty"`
	BuyerPhone      *string         `gorm:"column:buyer_phone;index" json:"buyer_phone,omitempty"`
	BuyerUserID     *string         `gorm:"column:buyer_user_id;index" json:"buyer_user_id,omitempty"`
	Level1DoctorID  *string         `gorm:"column:level1_doctor_id;index" json:"level1_doctor_id,omitempty"`
	Level2DoctorID  *string         `gorm:"column:level2_doctor_id;index" json:"level2_doctor_id,omitempty"`
	Level3DoctorID  *string         `gorm:"column:level3_doctor_id;index" json:"level3_doctor_id,omitempty"`
	Total           decimal.Decimal `gorm:"column:total;type:numeric(18,2);not null" json:"total"`
	Currency        string          `gorm:"column:currency;type:varchar(3)" json:"currency"`
	PostJoin        bool            `gorm:"column:post_join;not null;default:false" json:"post_join"`
	PointsL1        int64           `gorm:"column:points_l1;not null;default:0" json:"points_l1"`
	PointsL2        int64           `gorm:"column:points_l2;not null;default:0" json:"points_l2"`
	PointsL3        int64           `gorm:"column:points_l3;not null;default:0" json:"points_l3"`
	PointsCustomer  int64           `gorm:"column:points_customer;not null;default:0" json:"points_customer"`
	Paid            bool            `gorm:"column:paid;not null;default:false;index" json:"paid"`
	PaidAt          *time.Time      `gorm:"column:paid_at;index" json:"paid_at,omitempty"`
	OrderedAt       time.Time       `gorm:"column:ordered_at;not null" json:"ordered_at"`
	CreatedAt       time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (a *OrderAttribution) Chain() [commission.Levels]*string {
	return [commission.Levels]*string{a.Level1DoctorID, a.Level2DoctorID, a.Level3DoctorID}
}

func (a *OrderAttribution) LevelPoints() [commission.Levels]int64 {
	return [commission.Levels]int64{a.PointsL1, a.PointsL2, a.PointsL3}
}

// OrderEvent is a validated storefront order, already converted from the wire payload.
type OrderEvent struct {
	ExternalOrderID string
	Email           string
	Phone           string
	Total           decimal.Decimal
	Currency        string
	Paid            bool
	OrderedAt       time.Time
}

// LinkClick records a buyer following a member's referral link.
type LinkClick struct {
	ReferrerCode string    `json:"referrerCode" validate:"required"`
	Email        string    `json:"contactEmail" validate:"required_without=Phone"`
	Phone        string    `json:"contactPhone" validate:"required_without=Email"`
	ClickedAt    time.Time `json:"clickedAt"`
}

type Credit struct {
	UserID string `json:"user_id"`
	Level  int    `json:"level"`
	Points int64  `json:"points"`
	Locked bool   `json:"locked"`
}

// Outcome describes a paid transition. Duplicate is set when the order was already
// paid and nothing was credited.
type Outcome struct {
	Attribution *OrderAttribution `json:"attribution"`
	Duplicate   bool              `json:"duplicate"`
	Credits     []Credit          `json:"credits,omitempty"`
}
