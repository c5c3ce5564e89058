package referral

import (
	"fmt"
	"time"
)

type Type string

const (
	TypeDoctor   Type = "doctor"
	TypeCustomer Type = "customer"
)

func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeDoctor:
		return TypeDoctor, nil
	case TypeCustomer:
		return TypeCustomer, nil
	default:
		return "", fmt.Errorf("unknown referral type %q", s)
	}
}

type Referral struct {
	ID               string     `gorm:"column:id;primaryKey" json:"id"`
	ReferrerID       string     `gorm:"column:referrer_id;index;not null" json:"referrer_id"`
	ReferredID       string     `gorm:"column:referred_id;uniqueIndex;not null" json:"referred_id"`
	Type             Type       `gorm:"column:type;type:varchar(16);not null;index" json:"type"`
	MilestoneAwarded bool       `gorm:"column:milestone_awarded;not null;default:false" json:"milestone_awarded"`
	AwardedAt        *time.Time `gorm:"column:awarded_at" json:"awarded_at,omitempty"`
	CreatedAt        time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// ChainLink is one ancestor in an upward walk. Level 1 is the direct referrer.
type ChainLink struct {
	UserID string `json:"user_id"`
	Level  int    `json:"level"`
}

// Chain converts links into a fixed three level slot array; missing levels stay nil.
func Chain(links []ChainLink) [3]*string {
	var out [3]*string
	for _, l := range links {
		if l.Level >= 1 && l.Level <= 3 {
			id := l.UserID
			out[l.Level-1] = &id
		}
	}
	return out
}

type LevelSummary struct {
	Level          int     `json:"level"`
	Members        int64   `json:"members"`
	PaidOrders     int64   `json:"paid_orders"`
	Points         int64   `json:"points"`
	CommissionRate float64 `json:"commission_percent"`
}
