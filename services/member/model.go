package member

import "time"

// Rank is the membership tier. Tiers are ordered; see Ord.
type Rank string

const (
	RankAssociate Rank = "associate"
	RankSilver    Rank = "silver"
	RankGold      Rank = "gold"
	RankPlatinum  Rank = "platinum"
)

// Ranks lists every tier from lowest to highest.
var Ranks = []Rank{RankAssociate, RankSilver, RankGold, RankPlatinum}

// Ord returns the position of r in tier order, or -1 for an unknown tier.
func (r Rank) Ord() int {
	switch r {
	case RankAssociate:
		return 0
	case RankSilver:
		return 1
	case RankGold:
		return 2
	case RankPlatinum:
		return 3
	default:
		return -1
	}
}

func (r Rank) Valid() bool {
	return r.Ord() >= 0
}

type User struct {
	ID                    string     `gorm:"column:id;primaryKey" json:"id"`
	Name                  string     `gorm:"column:name" json:"name"`
	Email                 *string    `gorm:"column:email;uniqueIndex" json:"email,omitempty"`
	Phone                 *string    `gorm:"column:phone;uniqueIndex" json:"phone,omitempty"`
	ReferralCode          string     `gorm:"column:referral_code;uniqueIndex;not null" json:"referral_code"`
	ReferredBy            *string    `gorm:"column:referred_by;index" json:"referred_by,omitempty"`
	Rank                  Rank       `gorm:"column:rank;type:varchar(20);not null;default:associate" json:"rank"`
	PointsBalance         int64      `gorm:"column:points_balance;not null;default:0" json:"points_balance"`
	IsDoctorVerified      bool       `gorm:"column:is_doctor_verified;not null;default:false" json:"is_doctor_verified"`
	IsDoctorProvisional   bool       `gorm:"column:is_doctor_provisional;not null;default:false" json:"is_doctor_provisional"`
	SubscriptionActive    bool       `gorm:"column:subscription_active;not null;default:false;index" json:"subscription_active"`
	SubscriptionRenewedAt *time.Time `gorm:"column:subscription_renewed_at" json:"subscription_renewed_at,omitempty"`
	CreatedAt             time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// Locked reports whether credits to this user must be held until doctor verification.
func (u *User) Locked() bool {
	return u.IsDoctorProvisional && !u.IsDoctorVerified
}

func (u *User) IsDoctor() bool {
	return u.IsDoctorVerified || u.IsDoctorProvisional
}

func (User) TableName() string {
	return "members"
}
