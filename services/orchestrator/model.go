package orchestrator

import (
	"time"

	"referral-ledger/services/attribution"
	"referral-ledger/services/ledger"
	"referral-ledger/services/member"
	"referral-ledger/services/milestone"
	"referral-ledger/services/order"
	"referral-ledger/services/rank"
	"referral-ledger/services/referral"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type EventKind string

const (
	EventPurchase  EventKind = "purchase"
	EventWebhook   EventKind = "webhook"
	EventLinkClick EventKind = "link_click"
	EventApproval  EventKind = "approval"
)

type EventStatus string

const (
	StatusApplied EventStatus = "applied"
	StatusIgnored EventStatus = "ignored"
	StatusFailed  EventStatus = "failed"
)

// Event is the audit trail of inbound events. DeliveryID deduplicates storefront
// webhook redeliveries per topic.
type Event struct {
	ID         string         `gorm:"column:id;primaryKey"`
	Kind       EventKind      `gorm:"column:kind;type:varchar(20);index;not null"`
	DeliveryID string         `gorm:"column:delivery_id;index"`
	Reference  string         `gorm:"column:reference;index"`
	Payload    datatypes.JSON `gorm:"column:payload"`
	Status     EventStatus    `gorm:"column:status;type:varchar(20);not null"`
	Error      string         `gorm:"column:error;type:text"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime"`
}

func (Event) TableName() string {
	return "inbound_events"
}

type PurchaseRequest struct {
	UserID         string          `json:"userId" validate:"required"`
	OrderID        string          `json:"orderId" validate:"required"`
	OrderTotal     decimal.Decimal `json:"orderTotal"`
	RedeemedPoints int64           `json:"redeemedPoints" validate:"gte=0"`
	Context        string          `json:"context" validate:"max=255"`
}

type PurchaseResult struct {
	Applied   bool                 `json:"applied"`
	Duplicate bool                 `json:"duplicate"`
	Order     *order.Order         `json:"order,omitempty"`
	Redeemed  int64                `json:"redeemed_points"`
	Earned    int64                `json:"earned_points"`
	Credits   []attribution.Credit `json:"credits,omitempty"`
	Balance   int64                `json:"balance"`
}

type OrderResult struct {
	Applied     bool                          `json:"applied"`
	Created     bool                          `json:"created"`
	Attribution *attribution.OrderAttribution `json:"attribution,omitempty"`
	Outcome     *attribution.Outcome          `json:"outcome,omitempty"`
}

type ApprovalResult struct {
	Member   *member.User              `json:"member"`
	Verified bool                      `json:"verified"`
	Unlocked *ledger.PointsTransaction `json:"unlocked,omitempty"`
	Bonus    *milestone.Award          `json:"bonus,omitempty"`
}

type SignupRequest struct {
	Name              string `json:"name" validate:"required,max=120"`
	Email             string `json:"email" validate:"required_without=Phone"`
	Phone             string `json:"phone" validate:"required_without=Email"`
	ReferrerCode      string `json:"referrerCode"`
	ProvisionalDoctor bool   `json:"provisionalDoctor"`
}

type SignupResult struct {
	Member   *member.User              `json:"member"`
	Referral *referral.Referral        `json:"referral,omitempty"`
	Bonus    *ledger.PointsTransaction `json:"bonus,omitempty"`
}

type ReferralRequest struct {
	ReferrerID   string `json:"referrerId" validate:"required_without=ReferrerCode"`
	ReferrerCode string `json:"referrerCode" validate:"required_without=ReferrerID"`
	ReferredID   string `json:"referredId" validate:"required"`
	Type         string `json:"type" validate:"required,oneof=doctor customer"`
}

type ReferralResult struct {
	Referral *referral.Referral `json:"referral"`
	Created  bool               `json:"created"`
}

type RankView struct {
	Progress *rank.Progress  `json:"progress"`
	History  []*rank.History `json:"history"`
}

type NetworkView struct {
	UserID string                  `json:"user_id"`
	Levels []referral.LevelSummary `json:"levels"`
}
