// Package collector 并发调用所有覆盖查询范围的数据源，并把观测记录合并为去重后的收益机会。
//
// 单个数据源失败只会降级，不会中断整体收集；只有全部数据源失败或没有任何记录时才返回 NO_DATA。
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"YieldScout/internal/domain"
	xerrors "YieldScout/internal/errors"
	"YieldScout/internal/provider"
	"YieldScout/pkg/logger"
)

// NodeName 是收集节点在降级记录中使用的名称。
const NodeName = "collect:market"

var hundred = decimal.NewFromInt(100)

// Sources 提供参与收集的适配器，provider.Registry 实现了该接口。
type Sources interface {
	Adapters() []provider.Adapter
}

// Observer 接收每次数据源调用的结果，用于指标统计。
type Observer interface {
	ObserveProviderFetch(providerID string, outcome domain.ProviderOutcome)
}

// Config 控制收集阶段的超时与并发。
type Config struct {
	ProviderTimeout time.Duration
	FanoutLimit     int
}

// Option 调整 Collector 的可选依赖。
type Option func(*Collector)

// WithObserver 注册指标观察者。
func WithObserver(observer Observer) Option {
	return func(c *Collector) { c.observer = observer }
}

// WithLogger 替换默认日志实例。
func WithLogger(log *slog.Logger) Option {
	return func(c *Collector) {
		if log != nil {
			c.log = log
		}
	}
}

// Collection 是一次收集的输出。
type Collection struct {
	Opportunities []domain.Opportunity
	Manifest      domain.Manifest
}

// Collector 是数据收集 Agent。
type Collector struct {
	sources  Sources
	cfg      Config
	observer Observer
	log      *slog.Logger
}

// New 创建收集器。
func New(sources Sources, cfg Config, opts ...Option) *Collector {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if cfg.FanoutLimit <= 0 {
		cfg.FanoutLimit = 8
	}
	c := &Collector{sources: sources, cfg: cfg, log: logger.Named("collector")}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type fetchCall struct {
	adapter provider.Adapter
	scope   domain.ScopeEntry
	records []domain.RawRecord
	err     error
}

// Collect 对范围内的每个 (条目, 适配器) 组合发起一次带超时的调用并合并结果。
func (c *Collector) Collect(ctx context.Context, scope domain.Scope) (Collection, error) {
	entries := normalizeScope(scope)

	var calls []*fetchCall
	for _, entry := range entries {
		for _, adapter := range c.sources.Adapters() {
			if adapter.Covers(entry.ProtocolID) {
				calls = append(calls, &fetchCall{adapter: adapter, scope: entry})
			}
		}
	}
	if len(calls) == 0 {
		return Collection{}, xerrors.New(xerrors.CodeNoData, "没有覆盖查询范围的数据源")
	}

	var group errgroup.Group
	group.SetLimit(c.cfg.FanoutLimit)
	for _, call := range calls {
		call := call
		group.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
			defer cancel()
			call.records, call.err = call.adapter.Fetch(callCtx, call.scope)
			return nil
		})
	}
	_ = group.Wait()

	manifest := domain.Manifest{}
	var failures []*fetchCall
	var observed []domain.Opportunity
	succeeded, total := 0, 0
	for _, call := range calls {
		status := domain.ProviderStatus{ProviderID: call.adapter.ID(), Scope: call.scope.String()}
		switch {
		case call.err == nil:
			status.Outcome = domain.OutcomeOK
			succeeded++
			for _, rec := range call.records {
				if !call.scope.Matches(rec.Ref()) {
					continue
				}
				if rec.ProviderID == "" {
					rec.ProviderID = call.adapter.ID()
				}
				opp, degradations := Normalize(rec)
				manifest.Degradations = append(manifest.Degradations, degradations...)
				observed = append(observed, opp)
				status.Records++
				total++
			}
		case provider.IsTimeout(call.err):
			status.Outcome = domain.OutcomeTimeout
			status.Error = call.err.Error()
			failures = append(failures, call)
			manifest.Degradations = append(manifest.Degradations, domain.Degradation{
				Kind: domain.DegradeTimeout, Node: NodeName, Subject: call.adapter.ID(), Detail: call.scope.String(),
			})
		default:
			status.Outcome = domain.OutcomeFailed
			status.Error = call.err.Error()
			failures = append(failures, call)
			manifest.Degradations = append(manifest.Degradations, domain.Degradation{
				Kind: domain.DegradeProvider, Node: NodeName, Subject: call.adapter.ID(), Detail: call.scope.String(),
			})
		}
		if c.observer != nil {
			c.observer.ObserveProviderFetch(status.ProviderID, status.Outcome)
		}
		if call.err != nil {
			c.log.Warn("数据源调用失败",
				slog.String("provider", status.ProviderID),
				slog.String("scope", status.Scope),
				slog.String("outcome", string(status.Outcome)),
				slog.Any("error", call.err))
		}
		manifest.Providers = append(manifest.Providers, status)
	}

	merged := MergeAll(observed)
	for i := range merged {
		markDegraded(&merged[i], failures)
	}
	manifest.Degradations = append(manifest.Degradations, gaps(entries, merged)...)
	manifest.Sort()

	collection := Collection{Opportunities: merged, Manifest: manifest}
	if succeeded == 0 {
		return collection, xerrors.New(xerrors.CodeNoData, "所有数据源均调用失败")
	}
	if total == 0 {
		return collection, xerrors.New(xerrors.CodeNoData, "数据源未返回任何记录")
	}
	c.log.Debug("收集完成",
		slog.Int("calls", len(calls)),
		slog.Int("failed", len(failures)),
		slog.Int("opportunities", len(merged)))
	return collection, nil
}

// Normalize 把一条观测记录转换为单一来源的机会：APY 由百分数换算为小数，负值截断为 0。
func Normalize(rec domain.RawRecord) (domain.Opportunity, []domain.Degradation) {
	var degradations []domain.Degradation
	apy := rec.APYRaw.Div(hundred)
	if apy.IsNegative() {
		degradations = append(degradations, domain.Degradation{
			Kind: domain.DegradeInput, Node: NodeName, Subject: rec.Ref().Key(),
			Detail: fmt.Sprintf("%s 报告了负 APY %s，已按 0 处理", rec.ProviderID, rec.APYRaw.String()),
		})
		apy = decimal.Zero
	}
	tvl := rec.TVLUSD
	if tvl.IsNegative() {
		degradations = append(degradations, domain.Degradation{
			Kind: domain.DegradeInput, Node: NodeName, Subject: rec.Ref().Key(),
			Detail: fmt.Sprintf("%s 报告了负 TVL，已按 0 处理", rec.ProviderID),
		})
		tvl = decimal.Zero
	}
	opp := domain.Opportunity{
		Ref:         rec.Ref(),
		Chain:       rec.Chain,
		Assets:      domain.UnionSorted(rec.AssetSymbols, nil),
		APY:         apy,
		TVL:         tvl,
		AuditRefs:   domain.UnionSorted(rec.AuditRefs, nil),
		Stablecoin:  rec.Stablecoin,
		LastUpdated: rec.ObservedAt.UTC(),
		SourceSet:   []string{rec.ProviderID},
	}
	if len(rec.APRComponents) > 0 {
		opp.APRComponents = append([]domain.APRComponent(nil), rec.APRComponents...)
	}
	return opp, degradations
}

// Merge 合并同一 (协议, 池子) 的两个观测。最新的观测提供数值字段，
// 时间相同时取来源 ID 字典序最小者；来源、审计与资产集合取并集。结果与参数顺序无关。
func Merge(a, b domain.Opportunity) domain.Opportunity {
	winner := a
	if preferred(b, a) {
		winner = b
	}
	out := winner.Clone()
	out.SourceSet = domain.UnionSorted(a.SourceSet, b.SourceSet)
	out.AuditRefs = domain.UnionSorted(a.AuditRefs, b.AuditRefs)
	out.Assets = domain.UnionSorted(a.Assets, b.Assets)
	out.DegradedBy = domain.UnionSorted(a.DegradedBy, b.DegradedBy)
	out.Degraded = a.Degraded || b.Degraded
	return out
}

// preferred 判断 x 是否应当胜出 y。
func preferred(x, y domain.Opportunity) bool {
	if !x.LastUpdated.Equal(y.LastUpdated) {
		return x.LastUpdated.After(y.LastUpdated)
	}
	xs, ys := firstSource(x), firstSource(y)
	if xs != ys {
		return xs < ys
	}
	// 同一来源同一时刻的重复观测，按数值取确定的一方。
	if c := x.APY.Cmp(y.APY); c != 0 {
		return c > 0
	}
	if c := x.TVL.Cmp(y.TVL); c != 0 {
		return c > 0
	}
	return winnerFields(x) < winnerFields(y)
}

// winnerFields 编码胜出者贡献给合并结果的全部字段，数值相同时以编码的字典序决出胜者。
func winnerFields(o domain.Opportunity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%s|%s|%t|%s",
		o.Ref.ProtocolID, o.Ref.PoolID, o.Chain, o.APY.String(), o.TVL.String(),
		o.Stablecoin, o.LastUpdated.Format(time.RFC3339Nano))
	for _, c := range o.APRComponents {
		fmt.Fprintf(&b, "|%s:%s:%s:%d", c.Name, c.Rate.String(), c.Convention, c.PeriodsPerYear)
	}
	return b.String()
}

func firstSource(o domain.Opportunity) string {
	if len(o.SourceSet) == 0 {
		return ""
	}
	return o.SourceSet[0]
}

// MergeAll 按机会键分组合并，返回按键排序的结果。每组的胜出者在全部观测中选出，与输入顺序无关。
func MergeAll(observed []domain.Opportunity) []domain.Opportunity {
	groups := make(map[string][]domain.Opportunity, len(observed))
	for _, opp := range observed {
		key := opp.Ref.Key()
		groups[key] = append(groups[key], opp)
	}
	out := make([]domain.Opportunity, 0, len(groups))
	for _, group := range groups {
		sort.SliceStable(group, func(i, j int) bool { return preferred(group[i], group[j]) })
		merged := group[0].Clone()
		for _, opp := range group[1:] {
			merged.SourceSet = domain.UnionSorted(merged.SourceSet, opp.SourceSet)
			merged.AuditRefs = domain.UnionSorted(merged.AuditRefs, opp.AuditRefs)
			merged.Assets = domain.UnionSorted(merged.Assets, opp.Assets)
			merged.DegradedBy = domain.UnionSorted(merged.DegradedBy, opp.DegradedBy)
			merged.Degraded = merged.Degraded || opp.Degraded
		}
		out = append(out, merged)
	}
	domain.SortOpportunities(out)
	return out
}

func markDegraded(opp *domain.Opportunity, failures []*fetchCall) {
	var failed []string
	for _, call := range failures {
		if call.adapter.Covers(opp.Ref.ProtocolID) && call.scope.Matches(opp.Ref) {
			failed = append(failed, call.adapter.ID())
		}
	}
	if len(failed) == 0 {
		return
	}
	opp.Degraded = true
	opp.DegradedBy = domain.UnionSorted(opp.DegradedBy, failed)
}

func gaps(entries []domain.ScopeEntry, merged []domain.Opportunity) []domain.Degradation {
	var out []domain.Degradation
	for _, entry := range entries {
		if !entry.Explicit() {
			continue
		}
		found := false
		for _, opp := range merged {
			if entry.Matches(opp.Ref) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, domain.Degradation{
				Kind: domain.DegradeGap, Node: NodeName, Subject: entry.String(),
				Detail: "没有数据源报告该池子",
			})
		}
	}
	return out
}

func normalizeScope(scope domain.Scope) []domain.ScopeEntry {
	if len(scope) == 0 {
		return []domain.ScopeEntry{domain.ScopeEntry{}.Normalize()}
	}
	seen := make(map[string]struct{}, len(scope))
	out := make([]domain.ScopeEntry, 0, len(scope))
	for _, entry := range scope {
		n := entry.Normalize()
		n.ProtocolID = strings.ToLower(n.ProtocolID)
		key := n.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
