package domain

import "github.com/shopspring/decimal"

// Factor 名称。
const (
	FactorAudit     = "audit"
	FactorTVL       = "tvl"
	FactorLiquidity = "liquidity"
)

// RiskLevel 是综合风险分的分档。
type RiskLevel string

const (
	RiskVeryLow  RiskLevel = "very_low"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskVeryHigh RiskLevel = "very_high"
)

// FactorContribution 记录某个风险因子对综合分的贡献，供解释使用。
type FactorContribution struct {
	Factor    string          `json:"factor"`
	Weight    decimal.Decimal `json:"weight"`
	Value     decimal.Decimal `json:"value"`
	Defaulted bool            `json:"defaulted,omitempty"`
}

// RiskScore 中所有分值均为风险分：0 最安全，100 最危险。
type RiskScore struct {
	Ref             OpportunityRef       `json:"ref"`
	AuditScore      decimal.Decimal      `json:"audit_score"`
	TVLScore        decimal.Decimal      `json:"tvl_score"`
	LiquidityScore  decimal.Decimal      `json:"liquidity_score"`
	Composite       decimal.Decimal      `json:"composite"`
	Level           RiskLevel            `json:"level"`
	Rationale       []FactorContribution `json:"rationale"`
	Recommendations []string             `json:"recommendations,omitempty"`
}

// NormalizedComponent 是换算为有效年化收益后的收益分项。
type NormalizedComponent struct {
	Name         string          `json:"name"`
	Source       decimal.Decimal `json:"source_rate"`
	Convention   RateConvention  `json:"convention"`
	EffectiveAPY decimal.Decimal `json:"effective_apy"`
}

// YieldMetrics 描述一个机会的有效年化收益（小数）。
type YieldMetrics struct {
	Ref          OpportunityRef        `json:"ref"`
	EffectiveAPY decimal.Decimal       `json:"effective_apy"`
	Components   []NormalizedComponent `json:"components,omitempty"`
}

// Analysis 将机会与其风险分、收益指标打包，作为下游优化的输入。
type Analysis struct {
	Opportunity Opportunity  `json:"opportunity"`
	Risk        RiskScore    `json:"risk"`
	Yield       YieldMetrics `json:"yield"`
}
