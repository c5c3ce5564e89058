package settings

import (
	"time"

	"referral-ledger/services/commission"

	"github.com/shopspring/decimal"
)

const (
	KeyPointsPerRupee            = "POINTS_PER_RUPEE"
	KeyMaxRedeemPercent          = "MAX_REDEEM_PERCENT"
	KeyReferralL1Rate            = "REFERRAL_L1_RATE"
	KeyReferralL2Rate            = "REFERRAL_L2_RATE"
	KeyReferralL3Rate            = "REFERRAL_L3_RATE"
	KeyDoctorReferralBonus       = "DOCTOR_REFERRAL_BONUS"
	KeyCustomerReferralBonus     = "CUSTOMER_REFERRAL_BONUS"
	KeyCustomerMilestoneOrders   = "CUSTOMER_MILESTONE_ORDERS"
	KeyOnboardingBonus           = "ONBOARDING_BONUS"
	KeySubscriptionRenewalPoints = "SUBSCRIPTION_RENEWAL_POINTS"
)

// Defaults are used when neither the settings table nor the environment has a value.
var Defaults = map[string]string{
	KeyPointsPerRupee:            "0.01",
	KeyMaxRedeemPercent:          "20",
	KeyReferralL1Rate:            "2.5",
	KeyReferralL2Rate:            "1.5",
	KeyReferralL3Rate:            "1",
	KeyDoctorReferralBonus:       "500",
	KeyCustomerReferralBonus:     "200",
	KeyCustomerMilestoneOrders:   "3",
	KeyOnboardingBonus:           "100",
	KeySubscriptionRenewalPoints: "250",
}

// Setting is one row of the settings table. Values are numeric strings.
type Setting struct {
	Key       string    `gorm:"column:key;primaryKey;type:varchar(64)" json:"key"`
	Value     string    `gorm:"column:value;not null" json:"value"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Setting) TableName() string {
	return "settings"
}

// Rates is an immutable snapshot of the numeric configuration. Percent fields are
// stored as configured (2.5 means 2.5%).
type Rates struct {
	PointsPerRupee            decimal.Decimal                    `json:"points_per_rupee"`
	MaxRedeemPercent          decimal.Decimal                    `json:"max_redeem_percent"`
	LevelPercents             [commission.Levels]decimal.Decimal `json:"level_percents"`
	DoctorReferralBonus       int64                              `json:"doctor_referral_bonus"`
	CustomerReferralBonus     int64                              `json:"customer_referral_bonus"`
	CustomerMilestoneOrders   int64                              `json:"customer_milestone_orders"`
	OnboardingBonus           int64                              `json:"onboarding_bonus"`
	SubscriptionRenewalPoints int64                              `json:"subscription_renewal_points"`
	Sources                   map[string]string                  `json:"sources"`
	LoadedAt                  time.Time                          `json:"loaded_at"`
}

var hundred = decimal.NewFromInt(100)

// Commission converts the configured percents into calculator fractions.
func (r Rates) Commission() commission.Rates {
	out := commission.Rates{PointsPerRupee: r.PointsPerRupee}
	for i, p := range r.LevelPercents {
		out.Levels[i] = p.Div(hundred)
	}
	return out
}

// LevelPercentFloats is the display form used by the network summary.
func (r Rates) LevelPercentFloats() [commission.Levels]float64 {
	var out [commission.Levels]float64
	for i, p := range r.LevelPercents {
		out[i] = p.InexactFloat64()
	}
	return out
}
