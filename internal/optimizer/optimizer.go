// Package optimizer 根据风险分、有效收益与 gas 成本生成并排序候选策略。
package optimizer

import (
	"sort"

	"github.com/shopspring/decimal"

	"YieldScout/internal/config"
	"YieldScout/internal/domain"
)

var (
	gweiToNative = decimal.New(1, -9)
	daysPerYear  = decimal.NewFromInt(365)
	two          = decimal.NewFromInt(2)
)

var defaultCeilings = map[domain.RiskTolerance]float64{
	domain.ToleranceConservative: 40,
	domain.ToleranceBalanced:     60,
	domain.ToleranceAggressive:   100,
}

// Input 是一次优化所需的全部输入。
type Input struct {
	Analyses     []domain.Analysis
	Gas          domain.GasEstimate
	Positions    []domain.PositionSnapshot
	Tolerance    domain.RiskTolerance
	PrincipalUSD decimal.Decimal
}

// Optimizer 是优化 Agent，只做纯计算。
type Optimizer struct {
	cfg config.OptimizerConfig
}

// New 创建优化器。
func New(cfg config.OptimizerConfig) *Optimizer {
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = 30
	}
	if cfg.GasUnitsPerLeg == 0 {
		cfg.GasUnitsPerLeg = 250_000
	}
	return &Optimizer{cfg: cfg}
}

// LegCost 返回单步操作的美元 gas 成本：gas_units × (base+priority) gwei × 1e-9 × 原生代币价格。
func (o *Optimizer) LegCost(gas domain.GasEstimate) decimal.Decimal {
	return decimal.NewFromInt(int64(o.cfg.GasUnitsPerLeg)).
		Mul(gas.FeePerGas()).
		Mul(gweiToNative).
		Mul(gas.NativePriceUSD).
		Round(6)
}

// Gross 返回本金在持有期内的预期毛收益。
func (o *Optimizer) Gross(principal, effectiveAPY decimal.Decimal) decimal.Decimal {
	return principal.Mul(effectiveAPY).
		Mul(decimal.NewFromInt(int64(o.cfg.HorizonDays))).
		Div(daysPerYear).
		Round(6)
}

// Ceiling 返回风险档位允许的最高综合风险分。
func (o *Optimizer) Ceiling(tolerance domain.RiskTolerance) decimal.Decimal {
	if !tolerance.Valid() {
		tolerance = domain.ToleranceBalanced
	}
	if v, ok := o.cfg.RiskCeilings[string(tolerance)]; ok {
		return decimal.NewFromFloat(v)
	}
	return decimal.NewFromFloat(defaultCeilings[tolerance])
}

// Optimize 生成单步与多步候选，过滤掉净收益非正的方案后排序并截断。
func (o *Optimizer) Optimize(in Input) []domain.StrategyPlan {
	principal := in.PrincipalUSD
	if !principal.IsPositive() {
		principal = decimal.NewFromFloat(o.cfg.PrincipalUSD)
	}
	legCost := o.LegCost(in.Gas)
	ceiling := o.Ceiling(in.Tolerance)

	eligible := make([]domain.Analysis, 0, len(in.Analyses))
	composites := make(map[string]decimal.Decimal, len(in.Analyses))
	for _, a := range in.Analyses {
		composites[a.Opportunity.Ref.Key()] = a.Risk.Composite
		if a.Risk.Composite.LessThanOrEqual(ceiling) {
			eligible = append(eligible, a)
		}
	}

	var plans []domain.StrategyPlan
	for _, a := range eligible {
		legs := []domain.Leg{{Action: domain.LegEnter, Ref: a.Opportunity.Ref}}
		plan := domain.NewStrategyPlan(legs, o.Gross(principal, a.Yield.EffectiveAPY), legCost, profile(legs, composites))
		if plan.ExpectedNetYield.IsPositive() {
			plans = append(plans, plan)
		}
	}

	if o.cfg.MultiLeg {
		plans = append(plans, o.rebalance(in.Positions, eligible, composites, legCost)...)
	}

	Rank(plans)
	if o.cfg.MaxPlans > 0 && len(plans) > o.cfg.MaxPlans {
		plans = plans[:o.cfg.MaxPlans]
	}
	return plans
}

// rebalance 为每个已定价的持仓评估 "退出 A 再进入 B"。毛收益为 B 相对于继续持有 A 的增量，
// 只有增量超过两步 gas 与安全边际之和时才保留。
func (o *Optimizer) rebalance(positions []domain.PositionSnapshot, eligible []domain.Analysis, composites map[string]decimal.Decimal, legCost decimal.Decimal) []domain.StrategyPlan {
	threshold := legCost.Mul(two).Add(decimal.NewFromFloat(o.cfg.SafetyMarginUSD))
	var plans []domain.StrategyPlan
	for _, snap := range positions {
		if !snap.Position.Open() || !snap.Priced {
			continue
		}
		from := snap.Position.Ref
		if snap.Risk != nil {
			if _, ok := composites[from.Key()]; !ok {
				composites[from.Key()] = snap.Risk.Composite
			}
		}
		stay := o.Gross(snap.CurrentValue, snap.CurrentAPY)
		for _, a := range eligible {
			to := a.Opportunity.Ref
			if to.Key() == from.Key() {
				continue
			}
			gain := o.Gross(snap.CurrentValue, a.Yield.EffectiveAPY).Sub(stay)
			if !gain.GreaterThan(threshold) {
				continue
			}
			legs := []domain.Leg{
				{Action: domain.LegExit, Ref: from},
				{Action: domain.LegEnter, Ref: to},
			}
			plan := domain.NewStrategyPlan(legs, gain, legCost.Mul(two), profile(legs, composites))
			if plan.ExpectedNetYield.IsPositive() {
				plans = append(plans, plan)
			}
		}
	}
	return plans
}

func profile(legs []domain.Leg, composites map[string]decimal.Decimal) domain.RiskProfile {
	var p domain.RiskProfile
	sum, n := decimal.Zero, 0
	for _, leg := range legs {
		c, ok := composites[leg.Ref.Key()]
		if !ok {
			continue
		}
		if n == 0 || c.LessThan(p.Min) {
			p.Min = c
		}
		if n == 0 || c.GreaterThan(p.Max) {
			p.Max = c
		}
		sum = sum.Add(c)
		n++
	}
	if n > 0 {
		p.Avg = sum.Div(decimal.NewFromInt(int64(n))).Round(2)
	}
	return p
}

// Rank 按净收益降序、平均风险升序、步数升序、动作键升序排序。
func Rank(plans []domain.StrategyPlan) {
	sort.SliceStable(plans, func(i, j int) bool {
		a, b := plans[i], plans[j]
		if c := a.ExpectedNetYield.Cmp(b.ExpectedNetYield); c != 0 {
			return c > 0
		}
		if c := a.Risk.Avg.Cmp(b.Risk.Avg); c != 0 {
			return c < 0
		}
		if len(a.Legs) != len(b.Legs) {
			return len(a.Legs) < len(b.Legs)
		}
		return a.Key() < b.Key()
	})
}
