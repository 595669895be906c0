package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Wildcard 匹配任意协议或池子。
const Wildcard = "*"

// RateConvention 描述收益率的计息口径。
type RateConvention string

const (
	ConventionAPR RateConvention = "apr"
	ConventionAPY RateConvention = "apy"
)

// APRComponent 是收益拆分中的一项，例如基础利息或奖励代币。Rate 为百分数。
type APRComponent struct {
	Name           string          `json:"name" yaml:"name"`
	Rate           decimal.Decimal `json:"rate" yaml:"rate"`
	Convention     RateConvention  `json:"convention" yaml:"convention"`
	PeriodsPerYear int             `json:"periods_per_year,omitempty" yaml:"periods_per_year"`
}

// OpportunityRef 以 (协议, 池子) 唯一标识一个收益机会。
type OpportunityRef struct {
	ProtocolID string `json:"protocol_id"`
	PoolID     string `json:"pool_id"`
}

// Key 返回稳定排序与合并所用的键。
func (r OpportunityRef) Key() string {
	return r.ProtocolID + "/" + r.PoolID
}

func (r OpportunityRef) String() string { return r.Key() }

// RawRecord 是数据源返回的、尚未归一化的观测记录。
type RawRecord struct {
	ProviderID    string          `json:"provider_id"`
	ProtocolID    string          `json:"protocol_id"`
	PoolID        string          `json:"pool_id"`
	Chain         string          `json:"chain,omitempty"`
	AssetSymbols  []string        `json:"asset_symbols,omitempty"`
	APYRaw        decimal.Decimal `json:"apy_raw"`
	APRComponents []APRComponent  `json:"apr_components,omitempty"`
	TVLUSD        decimal.Decimal `json:"tvl_usd"`
	AuditRefs     []string        `json:"audit_refs,omitempty"`
	Stablecoin    bool            `json:"stablecoin,omitempty"`
	ObservedAt    time.Time       `json:"observed_at"`
}

// Ref 返回记录对应的机会标识。
func (r RawRecord) Ref() OpportunityRef {
	return OpportunityRef{ProtocolID: r.ProtocolID, PoolID: r.PoolID}
}

// Opportunity 是合并、归一化之后的收益机会。APY 为年化小数（0.052 即 5.2%）。
type Opportunity struct {
	Ref           OpportunityRef  `json:"ref"`
	Chain         string          `json:"chain,omitempty"`
	Assets        []string        `json:"assets,omitempty"`
	APY           decimal.Decimal `json:"apy"`
	APRComponents []APRComponent  `json:"apr_components,omitempty"`
	TVL           decimal.Decimal `json:"tvl"`
	AuditRefs     []string        `json:"audit_refs,omitempty"`
	Stablecoin    bool            `json:"stablecoin,omitempty"`
	LastUpdated   time.Time       `json:"last_updated"`
	SourceSet     []string        `json:"source_set"`
	Degraded      bool            `json:"degraded,omitempty"`
	DegradedBy    []string        `json:"degraded_by,omitempty"`
}

// Clone 返回深拷贝，保证切片不与原值共享底层数组。
func (o Opportunity) Clone() Opportunity {
	clone := o
	clone.Assets = cloneStrings(o.Assets)
	clone.AuditRefs = cloneStrings(o.AuditRefs)
	clone.SourceSet = cloneStrings(o.SourceSet)
	clone.DegradedBy = cloneStrings(o.DegradedBy)
	if o.APRComponents != nil {
		clone.APRComponents = append([]APRComponent(nil), o.APRComponents...)
	}
	return clone
}

// SortOpportunities 按机会键稳定排序。
func SortOpportunities(items []Opportunity) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Ref.Key() < items[j].Ref.Key()
	})
}

// IndexOpportunities 以机会键建立索引。
func IndexOpportunities(items []Opportunity) map[string]Opportunity {
	index := make(map[string]Opportunity, len(items))
	for _, item := range items {
		index[item.Ref.Key()] = item
	}
	return index
}

// UnionSorted 合并两个字符串集合并返回去重后的有序结果。
func UnionSorted(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, group := range [][]string{a, b} {
		for _, item := range group {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			out = append(out, item)
		}
	}
	sort.Strings(out)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
