package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ResultVersion 标识向上游传递的结果结构版本。
const ResultVersion = "v1"

// RiskTolerance 是查询方可接受的风险档位。
type RiskTolerance string

const (
	ToleranceConservative RiskTolerance = "conservative"
	ToleranceBalanced     RiskTolerance = "balanced"
	ToleranceAggressive   RiskTolerance = "aggressive"
)

// Valid 判断档位是否为支持的枚举值。
func (t RiskTolerance) Valid() bool {
	switch t {
	case ToleranceConservative, ToleranceBalanced, ToleranceAggressive:
		return true
	}
	return false
}

// ScopeEntry 限定查询涉及的 (协议, 池子)，任一侧可以是通配符。
type ScopeEntry struct {
	ProtocolID string `json:"protocol_id" yaml:"protocol_id"`
	PoolID     string `json:"pool_id" yaml:"pool_id"`
}

// Normalize 将空字段替换为通配符。
func (s ScopeEntry) Normalize() ScopeEntry {
	s.ProtocolID = strings.TrimSpace(s.ProtocolID)
	s.PoolID = strings.TrimSpace(s.PoolID)
	if s.ProtocolID == "" {
		s.ProtocolID = Wildcard
	}
	if s.PoolID == "" {
		s.PoolID = Wildcard
	}
	return s
}

// Explicit 判断是否精确指定了某个池子。
func (s ScopeEntry) Explicit() bool {
	n := s.Normalize()
	return n.ProtocolID != Wildcard && n.PoolID != Wildcard
}

// Matches 判断机会是否落在范围内。
func (s ScopeEntry) Matches(ref OpportunityRef) bool {
	n := s.Normalize()
	if n.ProtocolID != Wildcard && !strings.EqualFold(n.ProtocolID, ref.ProtocolID) {
		return false
	}
	if n.PoolID != Wildcard && !strings.EqualFold(n.PoolID, ref.PoolID) {
		return false
	}
	return true
}

func (s ScopeEntry) String() string {
	n := s.Normalize()
	return n.ProtocolID + "/" + n.PoolID
}

// Scope 是一组范围条目，空集合表示全量扫描。
type Scope []ScopeEntry

// Matches 判断机会是否落在任一条目内。
func (s Scope) Matches(ref OpportunityRef) bool {
	if len(s) == 0 {
		return true
	}
	for _, entry := range s {
		if entry.Matches(ref) {
			return true
		}
	}
	return false
}

// Protocols 返回范围涉及的协议；包含通配符时返回 nil。
func (s Scope) Protocols() []string {
	if len(s) == 0 {
		return nil
	}
	set := make([]string, 0, len(s))
	for _, entry := range s {
		n := entry.Normalize()
		if n.ProtocolID == Wildcard {
			return nil
		}
		set = append(set, strings.ToLower(n.ProtocolID))
	}
	return UnionSorted(set, nil)
}

// Query 是一次入站查询。
type Query struct {
	ID            string          `json:"id"`
	Scope         Scope           `json:"scope,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	RiskTolerance RiskTolerance   `json:"risk_tolerance"`
	TimeBudget    time.Duration   `json:"time_budget"`
	PrincipalUSD  decimal.Decimal `json:"principal_usd"`
	ChainID       string          `json:"chain_id,omitempty"`
}

// QueryStatus 是查询的最终状态。
type QueryStatus string

const (
	QueryDone    QueryStatus = "done"
	QueryPartial QueryStatus = "partial"
	QueryFailed  QueryStatus = "failed"
)

// ProviderOutcome 是单个数据源调用的结果。
type ProviderOutcome string

const (
	OutcomeOK      ProviderOutcome = "ok"
	OutcomeFailed  ProviderOutcome = "failed"
	OutcomeTimeout ProviderOutcome = "timeout"
)

// ProviderStatus 记录某个数据源在本次查询中的表现。
type ProviderStatus struct {
	ProviderID string          `json:"provider_id"`
	Scope      string          `json:"scope"`
	Outcome    ProviderOutcome `json:"outcome"`
	Records    int             `json:"records"`
	Error      string          `json:"error,omitempty"`
}

// DegradationKind 对降级原因分类。
type DegradationKind string

const (
	DegradeProvider      DegradationKind = "provider"
	DegradeInput         DegradationKind = "degraded_input"
	DegradeNoData        DegradationKind = "no_data"
	DegradeTimeout       DegradationKind = "timeout"
	DegradeGasFallback   DegradationKind = "gas_fallback"
	DegradeDefaultFactor DegradationKind = "default_factor"
	DegradeGap           DegradationKind = "gap"
	DegradeOutlier       DegradationKind = "outlier"
	DegradeUnpriced      DegradationKind = "unpriced"
	DegradeDependency    DegradationKind = "dependency"
)

// Degradation 记录一次降级事件。
type Degradation struct {
	Kind    DegradationKind `json:"kind"`
	Node    string          `json:"node,omitempty"`
	Subject string          `json:"subject,omitempty"`
	Detail  string          `json:"detail,omitempty"`
}

func (d Degradation) key() string {
	return string(d.Kind) + "|" + d.Node + "|" + d.Subject + "|" + d.Detail
}

// Manifest 说明哪些数据源成功、哪些失败，以及所有降级事件。
type Manifest struct {
	Providers    []ProviderStatus `json:"providers"`
	Degradations []Degradation    `json:"degradations,omitempty"`
}

// Merge 合并两个清单，结果去重并排序，与合并顺序无关。
func (m Manifest) Merge(other Manifest) Manifest {
	out := Manifest{}
	seenProviders := make(map[string]struct{})
	for _, group := range [][]ProviderStatus{m.Providers, other.Providers} {
		for _, p := range group {
			key := p.ProviderID + "|" + p.Scope
			if _, ok := seenProviders[key]; ok {
				continue
			}
			seenProviders[key] = struct{}{}
			out.Providers = append(out.Providers, p)
		}
	}
	seen := make(map[string]struct{})
	for _, group := range [][]Degradation{m.Degradations, other.Degradations} {
		for _, d := range group {
			if _, ok := seen[d.key()]; ok {
				continue
			}
			seen[d.key()] = struct{}{}
			out.Degradations = append(out.Degradations, d)
		}
	}
	out.Sort()
	return out
}

// Sort 按稳定键对清单排序。
func (m *Manifest) Sort() {
	sort.SliceStable(m.Providers, func(i, j int) bool {
		if m.Providers[i].ProviderID == m.Providers[j].ProviderID {
			return m.Providers[i].Scope < m.Providers[j].Scope
		}
		return m.Providers[i].ProviderID < m.Providers[j].ProviderID
	})
	sort.SliceStable(m.Degradations, func(i, j int) bool {
		return m.Degradations[i].key() < m.Degradations[j].key()
	})
}

// Degraded 判断清单中是否存在任何降级。
func (m Manifest) Degraded() bool {
	if len(m.Degradations) > 0 {
		return true
	}
	for _, p := range m.Providers {
		if p.Outcome != OutcomeOK {
			return true
		}
	}
	return false
}

// Result 是查询的最终输出。
type Result struct {
	Version   string             `json:"version"`
	QueryID   string             `json:"query_id"`
	Status    QueryStatus        `json:"status"`
	Plans     []StrategyPlan     `json:"plans"`
	Scores    []RiskScore        `json:"scores"`
	Portfolio []PositionSnapshot `json:"portfolio,omitempty"`
	Manifest  Manifest           `json:"manifest"`
	Elapsed   time.Duration      `json:"elapsed"`
}
