// Package commission computes per level referral commissions and buyer loyalty
// points for an order total.
package commission

import (
	"github.com/shopspring/decimal"
)

// Levels is the depth of the commission chain.
const Levels = 3

// Rates holds fractions, not percents: 2.5% is 0.025.
type Rates struct {
	PointsPerRupee decimal.Decimal
	Levels         [Levels]decimal.Decimal
}

type Amounts struct {
	Levels   [Levels]int64 `json:"levels"`
	Customer int64         `json:"customer"`
}

func (a Amounts) Total() int64 {
	total := a.Customer
	for _, v := range a.Levels {
		total += v
	}
	return total
}

// Calculate floors each amount independently. Missing levels earn nothing and a
// pre-join order earns no level commission. The buyer amount does not depend on
// postJoin.
func Calculate(total decimal.Decimal, chain [Levels]*string, postJoin bool, rates Rates) Amounts {
	var out Amounts
	if !total.IsPositive() {
		return out
	}

	out.Customer = points(total, rates.PointsPerRupee)
	if !postJoin {
		return out
	}
	for i := 0; i < Levels; i++ {
		if chain[i] == nil || *chain[i] == "" {
			continue
		}
		out.Levels[i] = points(total, rates.Levels[i])
	}
	return out
}

// MaxRedeemable caps a redemption request by the balance and by percent of the order total.
func MaxRedeemable(requested, balance int64, total, maxPercent decimal.Decimal) int64 {
	limit := total.Mul(maxPercent).Div(decimal.NewFromInt(100)).Floor().IntPart()
	return max(0, min(requested, balance, limit))
}

func points(total, rate decimal.Decimal) int64 {
	if !rate.IsPositive() {
		return 0
	}
	return total.Mul(rate).Floor().IntPart()
}
