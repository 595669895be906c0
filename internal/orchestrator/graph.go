package orchestrator

import (
	"context"

	"YieldScout/internal/domain"
)

// Kind 是任务节点的类别。
type Kind string

const (
	KindCollect  Kind = "collect"
	KindAnalyze  Kind = "analyze"
	KindOptimize Kind = "optimize"
	KindTrack    Kind = "track"
)

// State 是任务节点的状态，只会沿 pending → running → done|failed|partial 前进。
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
	StatePartial State = "partial"
)

// Terminal 判断状态是否已结束。
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StatePartial
}

// Usable 判断下游能否使用该节点的输出。
func (s State) Usable() bool {
	return s == StateDone || s == StatePartial
}

// 节点 ID。
const (
	NodeCollectMarket    = "collect:market"
	NodeCollectGas       = "collect:gas"
	NodeCollectPortfolio = "collect:portfolio"
	NodeAnalyze          = "analyze:market"
	NodeTrack            = "track"
	NodeOptimize         = "optimize"
)

// Outcome 是节点执行的结果。Value 的具体类型由节点决定，完成之前对外不可见。
type Outcome struct {
	State        State
	Value        any
	Manifest     domain.Manifest
	Degradations []domain.Degradation
	Err          error
}

// Node 是单次查询任务图中的一个节点。
type Node struct {
	ID      string
	Kind    Kind
	Deps    []string
	State   State
	Outcome Outcome

	work workFunc
}

// inputs 是提交节点时从已完成的上游节点中取出的输出。
type inputs map[string]any

type workFunc func(ctx context.Context, in inputs) Outcome

// graph 只属于一次查询，由运行循环独占修改。
type graph struct {
	order []string
	nodes map[string]*Node
}

func newGraph() *graph {
	return &graph{nodes: make(map[string]*Node)}
}

func (g *graph) add(id string, kind Kind, deps []string, work workFunc) {
	g.order = append(g.order, id)
	g.nodes[id] = &Node{ID: id, Kind: kind, Deps: deps, State: StatePending, work: work}
}

func (g *graph) node(id string) *Node {
	return g.nodes[id]
}

// inputsOf 收集节点全部上游的输出。
func (g *graph) inputsOf(n *Node) inputs {
	in := make(inputs, len(n.Deps))
	for _, dep := range n.Deps {
		if d := g.nodes[dep]; d.State.Usable() {
			in[dep] = d.Outcome.Value
		}
	}
	return in
}

// ready 返回依赖全部可用、可以提交执行的节点；依赖失败的节点直接短路为失败。
func (g *graph) ready() (runnable []*Node, shorted []*Node) {
	for _, id := range g.order {
		n := g.nodes[id]
		if n.State != StatePending {
			continue
		}
		blocked := false
		var failedDep string
		for _, dep := range n.Deps {
			d := g.nodes[dep]
			switch {
			case d.State == StateFailed:
				failedDep = dep
			case !d.State.Terminal():
				blocked = true
			}
		}
		switch {
		case failedDep != "":
			shorted = append(shorted, n)
			n.State = StateFailed
			n.Outcome = Outcome{
				State: StateFailed,
				Degradations: []domain.Degradation{{
					Kind:    domain.DegradeDependency,
					Node:    n.ID,
					Subject: failedDep,
					Detail:  "上游节点失败",
				}},
			}
		case !blocked:
			runnable = append(runnable, n)
		}
	}
	return runnable, shorted
}

// degradedDeps 判断节点是否消费了部分完成的上游结果。
func (g *graph) degradedDeps(n *Node) bool {
	for _, dep := range n.Deps {
		if g.nodes[dep].State == StatePartial {
			return true
		}
	}
	return false
}

// active 返回仍未结束的节点。
func (g *graph) active() []*Node {
	var out []*Node
	for _, id := range g.order {
		if n := g.nodes[id]; !n.State.Terminal() {
			out = append(out, n)
		}
	}
	return out
}

func (g *graph) running() int {
	count := 0
	for _, n := range g.nodes {
		if n.State == StateRunning {
			count++
		}
	}
	return count
}
