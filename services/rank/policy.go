package rank

import (
	"fmt"
	"strconv"
	"strings"

	"referral-ledger/pkg/celengine"
	"referral-ledger/services/member"
)

type Criterion struct {
	Metric string
	Min    float64
}

// Tier is reached when Expr holds. An empty Expr is derived from Criteria.
type Tier struct {
	Rank     member.Rank
	Criteria []Criterion
	Expr     string
}

// Policy lists the tiers above the base tier, lowest first.
type Policy struct {
	Base  member.Rank
	Tiers []Tier
}

func DefaultPolicy() Policy {
	return Policy{
		Base: member.RankAssociate,
		Tiers: []Tier{
			{Rank: member.RankSilver, Criteria: []Criterion{
				{Metric: MetricPatients, Min: 10},
				{Metric: MetricDoctorReferrals, Min: 2},
			}},
			{Rank: member.RankGold, Criteria: []Criterion{
				{Metric: MetricActiveDoctors, Min: 5},
				{Metric: MetricTotalSales, Min: 100000},
			}},
			{Rank: member.RankPlatinum, Criteria: []Criterion{
				{Metric: MetricActiveDoctors, Min: 15},
				{Metric: MetricTotalSales, Min: 500000},
			}},
		},
	}
}

func (t Tier) expression() string {
	if t.Expr != "" {
		return t.Expr
	}
	parts := make([]string, 0, len(t.Criteria))
	for _, c := range t.Criteria {
		parts = append(parts, fmt.Sprintf("%s >= %s", c.Metric, floatLiteral(c.Min)))
	}
	if len(parts) == 0 {
		return "true"
	}
	return strings.Join(parts, " && ")
}

// floatLiteral always carries a decimal point so CEL types it as double.
func floatLiteral(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// Classifier evaluates a compiled Policy.
type Classifier struct {
	policy Policy
	engine *celengine.Engine
}

func NewClassifier(p Policy) (*Classifier, error) {
	vars := make([]celengine.Var, 0, len(Metrics))
	for _, m := range Metrics {
		vars = append(vars, celengine.Double(m))
	}
	engine, err := celengine.New(vars...)
	if err != nil {
		return nil, err
	}

	prev := p.Base.Ord()
	for _, t := range p.Tiers {
		if t.Rank.Ord() <= prev {
			return nil, fmt.Errorf("tier %s is out of order", t.Rank)
		}
		prev = t.Rank.Ord()
		if err := engine.Validate(t.expression()); err != nil {
			return nil, fmt.Errorf("tier %s: %w", t.Rank, err)
		}
	}
	return &Classifier{policy: p, engine: engine}, nil
}

// ComputeRank returns the highest tier whose condition holds, or the base tier.
func (c *Classifier) ComputeRank(stats Stats) (member.Rank, error) {
	attrs := stats.Attrs()
	for i := len(c.policy.Tiers) - 1; i >= 0; i-- {
		t := c.policy.Tiers[i]
		ok, err := c.engine.Evaluate(t.expression(), attrs)
		if err != nil {
			return "", fmt.Errorf("tier %s: %w", t.Rank, err)
		}
		if ok {
			return t.Rank, nil
		}
	}
	return c.policy.Base, nil
}

// next returns the tier directly above r, if any.
func (c *Classifier) next(r member.Rank) *Tier {
	for i := range c.policy.Tiers {
		if c.policy.Tiers[i].Rank.Ord() > r.Ord() {
			return &c.policy.Tiers[i]
		}
	}
	return nil
}
