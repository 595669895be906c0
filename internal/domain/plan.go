package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GasEstimate 是某条链在某一时刻的费用快照，费用单位为 gwei，不做持久化。
type GasEstimate struct {
	ChainID        string          `json:"chain_id"`
	Timestamp      time.Time       `json:"timestamp"`
	BaseFee        decimal.Decimal `json:"base_fee_gwei"`
	PriorityFee    decimal.Decimal `json:"priority_fee_gwei"`
	Confidence     decimal.Decimal `json:"confidence"`
	NativePriceUSD decimal.Decimal `json:"native_price_usd"`
}

// FeePerGas 返回 base + priority（gwei）。
func (g GasEstimate) FeePerGas() decimal.Decimal {
	return g.BaseFee.Add(g.PriorityFee)
}

// LegAction 表示策略中的一步动作。
type LegAction string

const (
	LegEnter LegAction = "enter"
	LegExit  LegAction = "exit"
)

// Leg 是策略计划中的一步。
type Leg struct {
	Action LegAction      `json:"action"`
	Ref    OpportunityRef `json:"ref"`
}

// RiskProfile 汇总计划所涉及机会的综合风险分。
type RiskProfile struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
	Avg decimal.Decimal `json:"avg"`
}

// StrategyPlan 是候选的执行方案。金额均为 USD，收益按配置的持有期计算。
type StrategyPlan struct {
	Legs               []Leg           `json:"legs"`
	ExpectedGrossYield decimal.Decimal `json:"expected_gross_yield"`
	EstimatedGasCost   decimal.Decimal `json:"estimated_gas_cost"`
	ExpectedNetYield   decimal.Decimal `json:"expected_net_yield"`
	Risk               RiskProfile     `json:"risk"`
}

// NewStrategyPlan 在构造时计算净收益，保证 net = gross - gas。
func NewStrategyPlan(legs []Leg, gross, gas decimal.Decimal, risk RiskProfile) StrategyPlan {
	return StrategyPlan{
		Legs:               append([]Leg(nil), legs...),
		ExpectedGrossYield: gross,
		EstimatedGasCost:   gas,
		ExpectedNetYield:   gross.Sub(gas),
		Risk:               risk,
	}
}

// Key 返回由各步动作组成的稳定键，用于排序兜底。
func (p StrategyPlan) Key() string {
	parts := make([]string, 0, len(p.Legs))
	for _, leg := range p.Legs {
		parts = append(parts, string(leg.Action)+":"+leg.Ref.Key())
	}
	return strings.Join(parts, ",")
}
