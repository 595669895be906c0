package analysis

import (
	"sort"

	"YieldScout/internal/domain"
)

// DefaultedFactors 把评分中使用了中性默认值的因子列为降级记录，按机会与因子排序。
func DefaultedFactors(analyses []domain.Analysis) []domain.Degradation {
	var out []domain.Degradation
	for _, a := range analyses {
		for _, f := range a.Risk.Rationale {
			if !f.Defaulted {
				continue
			}
			out = append(out, domain.Degradation{
				Kind:    domain.DegradeDefaultFactor,
				Node:    NodeName,
				Subject: a.Opportunity.Ref.Key(),
				Detail:  f.Factor,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Subject == out[j].Subject {
			return out[i].Detail < out[j].Detail
		}
		return out[i].Subject < out[j].Subject
	})
	return out
}

// Scores 提取按机会键排序的风险分。
func Scores(analyses []domain.Analysis) []domain.RiskScore {
	out := make([]domain.RiskScore, 0, len(analyses))
	for _, a := range analyses {
		out = append(out, a.Risk)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ref.Key() < out[j].Ref.Key() })
	return out
}
