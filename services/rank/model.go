package rank

import (
	"time"

	"referral-ledger/services/member"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	MetricPatients        = "patients"
	MetricDoctorReferrals = "doctor_referrals"
	MetricActiveDoctors   = "active_doctors"
	MetricTotalSales      = "total_sales"
	MetricMonthlySales    = "monthly_sales"
)

var Metrics = []string{
	MetricPatients,
	MetricDoctorReferrals,
	MetricActiveDoctors,
	MetricTotalSales,
	MetricMonthlySales,
}

type Stats struct {
	Patients        int64           `json:"patients"`
	DoctorReferrals int64           `json:"doctor_referrals"`
	ActiveDoctors   int64           `json:"active_doctors"`
	TotalSales      decimal.Decimal `json:"total_sales"`
	MonthlySales    decimal.Decimal `json:"monthly_sales"`
}

func (s Stats) Metric(name string) float64 {
	switch name {
	case MetricPatients:
		return float64(s.Patients)
	case MetricDoctorReferrals:
		return float64(s.DoctorReferrals)
	case MetricActiveDoctors:
		return float64(s.ActiveDoctors)
	case MetricTotalSales:
		return s.TotalSales.InexactFloat64()
	case MetricMonthlySales:
		return s.MonthlySales.InexactFloat64()
	default:
		return 0
	}
}

// Attrs is the CEL activation for tier conditions.
func (s Stats) Attrs() map[string]any {
	out := make(map[string]any, len(Metrics))
	for _, m := range Metrics {
		out[m] = s.Metric(m)
	}
	return out
}

type History struct {
	ID        string         `gorm:"column:id;primaryKey" json:"id"`
	UserID    string         `gorm:"column:user_id;index;not null" json:"user_id"`
	OldRank   member.Rank    `gorm:"column:old_rank;type:varchar(20);not null" json:"old_rank"`
	NewRank   member.Rank    `gorm:"column:new_rank;type:varchar(20);not null" json:"new_rank"`
	Stats     datatypes.JSON `gorm:"column:stats" json:"stats"`
	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (History) TableName() string {
	return "rank_histories"
}

type Promotion struct {
	UserID   string      `json:"user_id"`
	Old      member.Rank `json:"old_rank"`
	New      member.Rank `json:"new_rank"`
	Promoted bool        `json:"promoted"`
	Stats    Stats       `json:"stats"`
}

type CriterionProgress struct {
	Metric   string  `json:"metric"`
	Current  float64 `json:"current"`
	Required float64 `json:"required"`
	Met      bool    `json:"met"`
}

type Progress struct {
	UserID   string              `json:"user_id"`
	Rank     member.Rank         `json:"rank"`
	Next     *member.Rank        `json:"next_rank,omitempty"`
	Stats    Stats               `json:"stats"`
	Criteria []CriterionProgress `json:"criteria,omitempty"`
}
