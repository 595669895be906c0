package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"YieldScout/internal/analysis"
	"YieldScout/internal/collector"
	"YieldScout/internal/config"
	"YieldScout/internal/domain"
	xerrors "YieldScout/internal/errors"
	"YieldScout/internal/gas"
	"YieldScout/internal/optimizer"
	"YieldScout/pkg/logger"
)

// DataCollector 对应数据收集 Agent。
type DataCollector interface {
	Collect(ctx context.Context, scope domain.Scope) (collector.Collection, error)
}

// Analyzer 对应分析 Agent，只做纯计算。
type Analyzer interface {
	Screen(opps []domain.Opportunity) ([]domain.Opportunity, []domain.Degradation)
	Analyze(opps []domain.Opportunity) []domain.Analysis
}

// Optimizer 对应优化 Agent，只做纯计算。
type Optimizer interface {
	Optimize(in optimizer.Input) []domain.StrategyPlan
}

// PortfolioTracker 对应持仓 Agent。读取持仓与重新估值拆成两个节点执行。
type PortfolioTracker interface {
	Positions(ctx context.Context, userID string) ([]domain.Position, error)
	Price(positions []domain.Position, opportunities []domain.Opportunity) ([]domain.PositionSnapshot, []domain.Degradation)
}

// Observer 接收节点与查询的执行统计。
type Observer interface {
	ObserveNode(kind, state string)
	ObserveQuery(status domain.QueryStatus, elapsed time.Duration)
}

// Components 是编排器依赖的 Agent 集合。Gas 与 Portfolio 可以为空。
type Components struct {
	Collector DataCollector
	Analyzer  Analyzer
	Optimizer Optimizer
	Gas       gas.Estimator
	Portfolio PortfolioTracker
}

// Config 控制查询的默认时间预算、并发以及 gas 兜底配置。
type Config struct {
	DefaultTimeBudget time.Duration
	MaxConcurrency    int
	Gas               config.GasConfig
}

// ConfigFrom 从全局配置中提取编排器配置。
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		DefaultTimeBudget: cfg.Orchestrator.DefaultTimeBudget,
		MaxConcurrency:    cfg.Orchestrator.MaxConcurrency,
		Gas:               cfg.Gas,
	}
}

// Option 调整 Orchestrator。
type Option func(*Orchestrator)

// WithSubstrate 替换节点执行底座。
func WithSubstrate(substrate Substrate) Option {
	return func(o *Orchestrator) {
		if substrate != nil {
			o.substrate = substrate
		}
	}
}

// WithObserver 注册执行统计。
func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) { o.observer = observer }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator 把查询拆成任务图并按依赖顺序执行，是系统的根节点。
// 每次查询都重新建图，任务状态不会跨查询复用。
type Orchestrator struct {
	comps     Components
	cfg       Config
	substrate Substrate
	observer  Observer
	now       func() time.Time
}

// New 创建编排器。
func New(comps Components, cfg Config, opts ...Option) (*Orchestrator, error) {
	if comps.Collector == nil || comps.Analyzer == nil || comps.Optimizer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器缺少必要的 Agent")
	}
	if cfg.DefaultTimeBudget <= 0 {
		cfg.DefaultTimeBudget = 30 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	o := &Orchestrator{
		comps: comps,
		cfg:   cfg,
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.substrate == nil {
		o.substrate = NewSemaphoreSubstrate(cfg.MaxConcurrency)
	}
	return o, nil
}

// Prepare 校验查询并补全 ID 与风险档位。
func (o *Orchestrator) Prepare(q domain.Query) (domain.Query, error) {
	if strings.TrimSpace(q.ID) == "" {
		q.ID = uuid.NewString()
	}
	q.UserID = strings.TrimSpace(q.UserID)
	if q.RiskTolerance == "" {
		q.RiskTolerance = domain.ToleranceBalanced
	}
	if !q.RiskTolerance.Valid() {
		return q, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的风险档位: %s", q.RiskTolerance))
	}
	if q.TimeBudget < 0 {
		return q, xerrors.New(xerrors.CodeInvalidArgument, "时间预算不能为负")
	}
	if q.PrincipalUSD.IsNegative() {
		return q, xerrors.New(xerrors.CodeInvalidArgument, "本金不能为负")
	}
	if q.UserID != "" && o.comps.Portfolio == nil {
		return q, xerrors.New(xerrors.CodeInvalidArgument, "未配置持仓跟踪，无法执行带用户的查询")
	}
	return q, nil
}

// Run 执行一次查询。只有查询本身不合法时才返回错误；
// 数据源失败、超时等情况体现在结果状态与清单中。
func (o *Orchestrator) Run(ctx context.Context, q domain.Query) (domain.Result, error) {
	q, err := o.Prepare(q)
	if err != nil {
		return domain.Result{}, err
	}
	start := o.now()
	log := logger.ForQuery("orchestrator", q.ID)

	budget := q.TimeBudget
	if budget <= 0 {
		budget = o.cfg.DefaultTimeBudget
	}
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	g := o.build(q)
	done := make(chan Completion, len(g.order))
	timedOut := false

loop:
	for {
		o.schedule(runCtx, g, done, log)
		if g.running() == 0 {
			break
		}
		select {
		case c := <-done:
			o.complete(g, c, log)
		case <-runCtx.Done():
			timedOut = true
			o.expire(runCtx, g, log)
			break loop
		}
	}
	// 截止时间与最后一个节点的完成通知可能同时到达，以上下文为准。
	if runCtx.Err() != nil {
		timedOut = true
	}

	result := o.assemble(q, g, timedOut)
	result.Elapsed = o.now().Sub(start)
	if o.observer != nil {
		o.observer.ObserveQuery(result.Status, result.Elapsed)
	}
	log.Info("查询结束",
		slog.String("status", string(result.Status)),
		slog.Int("plans", len(result.Plans)),
		slog.Int("degradations", len(result.Manifest.Degradations)),
		slog.Duration("elapsed", result.Elapsed))
	return result, nil
}

// build 根据查询构建任务图。
func (o *Orchestrator) build(q domain.Query) *graph {
	g := newGraph()
	g.add(NodeCollectMarket, KindCollect, nil, o.collectMarket(q))
	g.add(NodeCollectGas, KindCollect, nil, o.collectGas(q))
	g.add(NodeAnalyze, KindAnalyze, []string{NodeCollectMarket}, o.analyze())

	optimizeDeps := []string{NodeAnalyze, NodeCollectGas}
	if q.UserID != "" {
		g.add(NodeCollectPortfolio, KindCollect, nil, o.collectPortfolio(q))
		g.add(NodeTrack, KindTrack, []string{NodeCollectPortfolio, NodeAnalyze}, o.track())
		optimizeDeps = append(optimizeDeps, NodeTrack)
	}
	g.add(NodeOptimize, KindOptimize, optimizeDeps, o.optimize(q))
	return g
}

// schedule 反复推进任务图，直到没有新的节点可以提交或短路。
func (o *Orchestrator) schedule(ctx context.Context, g *graph, done chan<- Completion, log *slog.Logger) {
	for {
		runnable, shorted := g.ready()
		for _, n := range shorted {
			o.observeNode(n)
			log.Warn("上游失败，节点短路", slog.String("node", n.ID))
		}
		for _, n := range runnable {
			n.State = StateRunning
			in := g.inputsOf(n)
			work := n.work
			o.substrate.Submit(ctx, Job{
				NodeID: n.ID,
				Run:    func(ctx context.Context) Outcome { return work(ctx, in) },
			}, done)
		}
		if len(runnable) == 0 && len(shorted) == 0 {
			return
		}
	}
}

// complete 记录节点结果。消费了部分完成上游的节点即使自身成功也标记为 partial。
func (o *Orchestrator) complete(g *graph, c Completion, log *slog.Logger) {
	n := g.node(c.NodeID)
	if n == nil || n.State != StateRunning {
		return
	}
	out := c.Outcome
	if out.Err != nil && out.State != StatePartial {
		out.State = StateFailed
	}
	if out.State == "" {
		out.State = StateDone
	}
	if out.State == StateDone && g.degradedDeps(n) {
		out.State = StatePartial
	}
	if out.State == StateFailed && out.Err != nil {
		out.Degradations = append(out.Degradations, failure(n.ID, out.Err))
	}
	n.State = out.State
	n.Outcome = out
	o.observeNode(n)

	attrs := []any{slog.String("node", n.ID), slog.String("state", string(n.State))}
	if out.Err != nil {
		attrs = append(attrs, slog.Any("error", out.Err))
		log.Warn("节点执行失败", attrs...)
		return
	}
	log.Debug("节点完成", attrs...)
}

// expire 在查询超时或被取消时结束所有未完成的节点，已完成的结果保留。
func (o *Orchestrator) expire(ctx context.Context, g *graph, log *slog.Logger) {
	err := xerrors.FromContext(ctx, xerrors.CodeTimeout, "查询超出时间预算")
	for _, n := range g.active() {
		n.State = StateFailed
		n.Outcome = Outcome{
			State: StateFailed,
			Err:   err,
			Degradations: []domain.Degradation{{
				Kind:   domain.DegradeTimeout,
				Node:   n.ID,
				Detail: "查询超出时间预算，节点被取消",
			}},
		}
		o.observeNode(n)
		log.Warn("节点因超时被取消", slog.String("node", n.ID))
	}
}

func (o *Orchestrator) observeNode(n *Node) {
	if o.observer != nil {
		o.observer.ObserveNode(string(n.Kind), string(n.State))
	}
}

// assemble 汇总各节点输出，输出顺序只取决于稳定排序键。
func (o *Orchestrator) assemble(q domain.Query, g *graph, timedOut bool) domain.Result {
	result := domain.Result{
		Version: domain.ResultVersion,
		QueryID: q.ID,
		Status:  status(g, timedOut),
		Plans:   []domain.StrategyPlan{},
		Scores:  []domain.RiskScore{},
	}

	manifest := g.node(NodeCollectMarket).Outcome.Manifest
	for _, id := range g.order {
		n := g.node(id)
		manifest = manifest.Merge(domain.Manifest{Degradations: n.Outcome.Degradations})
	}
	result.Manifest = manifest

	if n := g.node(NodeAnalyze); n.State.Usable() {
		if analyses, ok := n.Outcome.Value.([]domain.Analysis); ok {
			result.Scores = analysis.Scores(analyses)
		}
	}
	if n := g.node(NodeOptimize); n.State.Usable() {
		if plans, ok := n.Outcome.Value.([]domain.StrategyPlan); ok && plans != nil {
			result.Plans = plans
		}
	}
	if n := g.node(NodeTrack); n != nil && n.State.Usable() {
		if snaps, ok := n.Outcome.Value.([]domain.PositionSnapshot); ok {
			result.Portfolio = snaps
		}
	}
	return result
}

// status 计算查询终态：全部节点 done 为 done；任一汇聚节点有输出，
// 或超时前至少一个节点完成，为 partial；否则为 failed。
func status(g *graph, timedOut bool) domain.QueryStatus {
	allDone, anyUsable := true, false
	for _, n := range g.nodes {
		if n.State != StateDone {
			allDone = false
		}
		if n.State.Usable() {
			anyUsable = true
		}
	}
	if allDone {
		return domain.QueryDone
	}
	for _, id := range []string{NodeOptimize, NodeTrack} {
		if n := g.node(id); n != nil && n.State.Usable() {
			return domain.QueryPartial
		}
	}
	if timedOut && anyUsable {
		return domain.QueryPartial
	}
	return domain.QueryFailed
}

// failure 把节点错误转换为降级记录。
func failure(nodeID string, err error) domain.Degradation {
	kind := domain.DegradeProvider
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNoData:
		kind = domain.DegradeNoData
	case xerrors.CodeTimeout:
		kind = domain.DegradeTimeout
	case xerrors.CodeDegradedInput:
		kind = domain.DegradeInput
	}
	return domain.Degradation{Kind: kind, Node: nodeID, Detail: err.Error()}
}
