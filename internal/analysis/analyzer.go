// Package analysis 为收益机会计算风险分与有效年化收益。
//
// 这里只做纯计算：相同的机会与权重总是得到相同的结果，缓存命中与重新计算不可区分。
package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/dgraph-io/ristretto"
	"github.com/shopspring/decimal"

	"YieldScout/internal/config"
	"YieldScout/internal/domain"
)

// NodeName 是分析节点在降级记录中使用的名称。
const NodeName = "analyze:market"

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// Scorer 是分析阶段对外暴露的原语，持仓跟踪也复用它对当前数据重新估值。
type Scorer interface {
	Score(opp domain.Opportunity) (domain.RiskScore, domain.YieldMetrics)
}

type scored struct {
	risk  domain.RiskScore
	yield domain.YieldMetrics
}

// Analyzer 是分析 Agent。
type Analyzer struct {
	cfg   config.ScoringConfig
	cache *ristretto.Cache
}

// New 按评分配置创建分析器。CacheMaxEntries 为 0 时不启用缓存。
func New(cfg config.ScoringConfig) (*Analyzer, error) {
	if cfg.NeutralDefault < 0 || cfg.NeutralDefault > 100 {
		return nil, fmt.Errorf("neutral_default 必须位于 [0,100]，当前为 %v", cfg.NeutralDefault)
	}
	if cfg.Weights.Audit < 0 || cfg.Weights.TVL < 0 || cfg.Weights.Liquidity < 0 {
		return nil, fmt.Errorf("风险因子权重不能为负数")
	}
	a := &Analyzer{cfg: cfg}
	if cfg.CacheMaxEntries > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: cfg.CacheMaxEntries * 10,
			MaxCost:     cfg.CacheMaxEntries,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化评分缓存失败: %w", err)
		}
		a.cache = cache
	}
	return a, nil
}

// Close 释放缓存占用的后台协程。
func (a *Analyzer) Close() {
	if a.cache != nil {
		a.cache.Close()
	}
}

// Screen 剔除 APY 超过 max_apy_percent 的异常机会，并给出对应的降级记录。
func (a *Analyzer) Screen(opps []domain.Opportunity) ([]domain.Opportunity, []domain.Degradation) {
	if a.cfg.MaxAPYPercent <= 0 {
		return opps, nil
	}
	limit := decimal.NewFromFloat(a.cfg.MaxAPYPercent).Div(hundred)
	kept := make([]domain.Opportunity, 0, len(opps))
	var outliers []domain.Degradation
	for _, opp := range opps {
		if opp.APY.GreaterThan(limit) {
			outliers = append(outliers, domain.Degradation{
				Kind:    domain.DegradeOutlier,
				Node:    NodeName,
				Subject: opp.Ref.Key(),
				Detail:  fmt.Sprintf("APY %s%% 超过阈值 %v%%", opp.APY.Mul(hundred).StringFixed(2), a.cfg.MaxAPYPercent),
			})
			continue
		}
		kept = append(kept, opp)
	}
	return kept, outliers
}

// Analyze 对每个机会评分，输出顺序与输入一致。
func (a *Analyzer) Analyze(opps []domain.Opportunity) []domain.Analysis {
	out := make([]domain.Analysis, 0, len(opps))
	for _, opp := range opps {
		risk, yield := a.Score(opp)
		out = append(out, domain.Analysis{Opportunity: opp, Risk: risk, Yield: yield})
	}
	return out
}

// Score 实现 Scorer。
func (a *Analyzer) Score(opp domain.Opportunity) (domain.RiskScore, domain.YieldMetrics) {
	var key string
	if a.cache != nil {
		key = a.fingerprint(opp)
		if v, ok := a.cache.Get(key); ok {
			if hit, ok := v.(scored); ok {
				return cloneScore(hit.risk), cloneYield(hit.yield)
			}
		}
	}
	risk := a.riskScore(opp)
	yield := a.Normalize(opp)
	if a.cache != nil {
		a.cache.Set(key, scored{risk: cloneScore(risk), yield: cloneYield(yield)}, 1)
	}
	return risk, yield
}

func (a *Analyzer) riskScore(opp domain.Opportunity) domain.RiskScore {
	neutral := decimal.NewFromFloat(a.cfg.NeutralDefault)
	audit, auditDefaulted := auditRisk(len(opp.AuditRefs), neutral)
	tvl, tvlDefaulted := tvlRisk(opp.TVL, neutral)
	liquidity, liquidityDefaulted := a.liquidityRisk(opp.TVL, neutral)

	rationale := []domain.FactorContribution{
		{Factor: domain.FactorAudit, Weight: decimal.NewFromFloat(a.cfg.Weights.Audit), Value: audit, Defaulted: auditDefaulted},
		{Factor: domain.FactorTVL, Weight: decimal.NewFromFloat(a.cfg.Weights.TVL), Value: tvl, Defaulted: tvlDefaulted},
		{Factor: domain.FactorLiquidity, Weight: decimal.NewFromFloat(a.cfg.Weights.Liquidity), Value: liquidity, Defaulted: liquidityDefaulted},
	}
	composite := Composite(rationale, neutral)
	score := domain.RiskScore{
		Ref:            opp.Ref,
		AuditScore:     audit,
		TVLScore:       tvl,
		LiquidityScore: liquidity,
		Composite:      composite,
		Level:          Level(composite),
		Rationale:      rationale,
	}
	score.Recommendations = recommendations(score)
	return score
}

// Composite 计算按权重归一化的加权平均，保留两位小数；权重全为 0 时返回中性值。
func Composite(factors []domain.FactorContribution, neutral decimal.Decimal) decimal.Decimal {
	weighted, total := zero, zero
	for _, f := range factors {
		weighted = weighted.Add(f.Weight.Mul(f.Value))
		total = total.Add(f.Weight)
	}
	if !total.IsPositive() {
		return clamp(neutral).Round(2)
	}
	return clamp(weighted.Div(total)).Round(2)
}

// auditRisk: 0 份审计取中性值；n 份审计为 max(10, 60-20(n-1))。
func auditRisk(n int, neutral decimal.Decimal) (decimal.Decimal, bool) {
	if n <= 0 {
		return neutral, true
	}
	v := 60 - 20*(n-1)
	if v < 10 {
		v = 10
	}
	return decimal.NewFromInt(int64(v)), false
}

// tvlRisk: clamp(100 - 20(log10(TVL) - 5))，即 1e5 对应 100、1e10 对应 0。
func tvlRisk(tvl, neutral decimal.Decimal) (decimal.Decimal, bool) {
	if !tvl.IsPositive() {
		return neutral, true
	}
	f, _ := tvl.Float64()
	v := 100 - 20*(math.Log10(f)-5)
	return clamp(decimal.NewFromFloat(v)).Round(2), false
}

// liquidityRisk 以参考本金占池子 TVL 的比例衡量退出难度，比例达到 max_pool_share 即为 100。
func (a *Analyzer) liquidityRisk(tvl, neutral decimal.Decimal) (decimal.Decimal, bool) {
	if !tvl.IsPositive() || a.cfg.MaxPoolShare <= 0 {
		return neutral, true
	}
	share := decimal.NewFromFloat(a.cfg.ReferencePrincipalUSD).Div(tvl)
	v := share.Div(decimal.NewFromFloat(a.cfg.MaxPoolShare)).Mul(hundred)
	return clamp(v).Round(2), false
}

// Level 把综合风险分映射为分档。
func Level(composite decimal.Decimal) domain.RiskLevel {
	switch {
	case composite.LessThanOrEqual(decimal.NewFromInt(20)):
		return domain.RiskVeryLow
	case composite.LessThanOrEqual(decimal.NewFromInt(40)):
		return domain.RiskLow
	case composite.LessThanOrEqual(decimal.NewFromInt(60)):
		return domain.RiskMedium
	case composite.LessThanOrEqual(decimal.NewFromInt(80)):
		return domain.RiskHigh
	default:
		return domain.RiskVeryHigh
	}
}

func recommendations(score domain.RiskScore) []string {
	var out []string
	switch {
	case score.Composite.GreaterThan(decimal.NewFromInt(70)):
		out = append(out, "High risk - consider smaller position size", "Monitor protocol closely for changes")
	case score.Composite.GreaterThan(decimal.NewFromInt(50)):
		out = append(out, "Medium risk - standard due diligence recommended")
	default:
		out = append(out, "Lower risk - still monitor for changes")
	}
	for _, f := range score.Rationale {
		switch {
		case f.Factor == domain.FactorAudit && f.Defaulted:
			out = append(out, "Consider waiting for a published audit")
		case f.Factor == domain.FactorTVL && !f.Defaulted && f.Value.GreaterThanOrEqual(decimal.NewFromInt(80)):
			out = append(out, "Start with smaller position due to low TVL")
		}
	}
	return out
}

// Normalize 把每个收益分项换算为有效年化收益（小数）：APR 按 (1+r/n)^n-1 复利，APY 原样保留。
// 没有分项时直接使用机会的 APY。
func (a *Analyzer) Normalize(opp domain.Opportunity) domain.YieldMetrics {
	metrics := domain.YieldMetrics{Ref: opp.Ref}
	if len(opp.APRComponents) == 0 {
		metrics.EffectiveAPY = opp.APY
		return metrics
	}
	total := zero
	for _, c := range opp.APRComponents {
		effective := a.effectiveAPY(c)
		metrics.Components = append(metrics.Components, domain.NormalizedComponent{
			Name:         c.Name,
			Source:       c.Rate,
			Convention:   c.Convention,
			EffectiveAPY: effective,
		})
		total = total.Add(effective)
	}
	if total.IsNegative() {
		total = zero
	}
	metrics.EffectiveAPY = total
	return metrics
}

func (a *Analyzer) effectiveAPY(c domain.APRComponent) decimal.Decimal {
	rate := c.Rate.Div(hundred)
	if c.Convention != domain.ConventionAPR {
		return rate
	}
	n := c.PeriodsPerYear
	if n <= 0 {
		n = a.cfg.DefaultPeriodsPerYear
	}
	if n <= 0 {
		return rate
	}
	r, _ := rate.Float64()
	v := math.Pow(1+r/float64(n), float64(n)) - 1
	return decimal.NewFromFloat(v).Round(8)
}

// fingerprint 对所有参与评分的输入做 SHA-256 摘要，权重变化会得到不同的键。
func (a *Analyzer) fingerprint(opp domain.Opportunity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%s|", opp.Ref.Key(), opp.APY.String(), opp.TVL.String(), strings.Join(opp.AuditRefs, ","))
	for _, c := range opp.APRComponents {
		fmt.Fprintf(&b, "%s:%s:%s:%d;", c.Name, c.Rate.String(), c.Convention, c.PeriodsPerYear)
	}
	fmt.Fprintf(&b, "|%v|%v|%v|%v|%v|%v|%d",
		a.cfg.Weights.Audit, a.cfg.Weights.TVL, a.cfg.Weights.Liquidity,
		a.cfg.NeutralDefault, a.cfg.ReferencePrincipalUSD, a.cfg.MaxPoolShare, a.cfg.DefaultPeriodsPerYear)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func clamp(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return zero
	}
	if v.GreaterThan(hundred) {
		return hundred
	}
	return v
}

func cloneScore(s domain.RiskScore) domain.RiskScore {
	s.Rationale = append([]domain.FactorContribution(nil), s.Rationale...)
	s.Recommendations = append([]string(nil), s.Recommendations...)
	return s
}

func cloneYield(y domain.YieldMetrics) domain.YieldMetrics {
	if y.Components != nil {
		y.Components = append([]domain.NormalizedComponent(nil), y.Components...)
	}
	return y
}

var _ Scorer = (*Analyzer)(nil)
