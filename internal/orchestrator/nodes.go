package orchestrator

import (
	"context"

	"YieldScout/internal/analysis"
	"YieldScout/internal/collector"
	"YieldScout/internal/domain"
	xerrors "YieldScout/internal/errors"
	"YieldScout/internal/gas"
	"YieldScout/internal/optimizer"
)

func (o *Orchestrator) collectMarket(q domain.Query) workFunc {
	return func(ctx context.Context, _ inputs) Outcome {
		collection, err := o.comps.Collector.Collect(ctx, q.Scope)
		out := Outcome{Value: collection, Manifest: collection.Manifest}
		switch {
		case err != nil:
			out.State = StateFailed
			out.Err = err
		case collection.Manifest.Degraded():
			out.State = StatePartial
		default:
			out.State = StateDone
		}
		return out
	}
}

// collectGas 失败时退回配置中的兜底费用；兜底也没有价格时节点失败。
func (o *Orchestrator) collectGas(q domain.Query) workFunc {
	return func(ctx context.Context, _ inputs) Outcome {
		var err error
		if o.comps.Gas == nil {
			err = xerrors.New(xerrors.CodeProviderFailure, "未配置 gas 估算器")
		} else {
			var estimate domain.GasEstimate
			estimate, err = o.comps.Gas.Estimate(ctx, q.ChainID)
			if err == nil {
				return Outcome{State: StateDone, Value: estimate}
			}
		}

		fallback := gas.Fallback(o.cfg.Gas, q.ChainID, o.now())
		if !fallback.NativePriceUSD.IsPositive() {
			return Outcome{
				State: StateFailed,
				Err:   xerrors.Wrap(xerrors.CodeProviderFailure, err, "gas 估算失败且没有兜底价格"),
			}
		}
		return Outcome{
			State: StatePartial,
			Value: fallback,
			Degradations: []domain.Degradation{{
				Kind:    domain.DegradeGasFallback,
				Node:    NodeCollectGas,
				Subject: fallback.ChainID,
				Detail:  err.Error(),
			}},
		}
	}
}

func (o *Orchestrator) collectPortfolio(q domain.Query) workFunc {
	return func(ctx context.Context, _ inputs) Outcome {
		positions, err := o.comps.Portfolio.Positions(ctx, q.UserID)
		if err != nil {
			return Outcome{State: StateFailed, Err: err}
		}
		return Outcome{State: StateDone, Value: positions}
	}
}

// analyze 剔除异常值后评分；没有剩余机会时失败，避免对空集合做分析。
func (o *Orchestrator) analyze() workFunc {
	return func(_ context.Context, in inputs) Outcome {
		collection, ok := in[NodeCollectMarket].(collector.Collection)
		if !ok {
			return missingInput(NodeCollectMarket)
		}
		screened, degradations := o.comps.Analyzer.Screen(collection.Opportunities)
		if len(screened) == 0 {
			return Outcome{
				State:        StateFailed,
				Degradations: degradations,
				Err:          xerrors.New(xerrors.CodeNoData, "筛选后没有可分析的机会"),
			}
		}
		analyses := o.comps.Analyzer.Analyze(screened)
		degradations = append(degradations, analysis.DefaultedFactors(analyses)...)
		return Outcome{State: StateDone, Value: analyses, Degradations: degradations}
	}
}

func (o *Orchestrator) track() workFunc {
	return func(_ context.Context, in inputs) Outcome {
		positions, ok := in[NodeCollectPortfolio].([]domain.Position)
		if !ok {
			return missingInput(NodeCollectPortfolio)
		}
		analyses, ok := in[NodeAnalyze].([]domain.Analysis)
		if !ok {
			return missingInput(NodeAnalyze)
		}
		opportunities := make([]domain.Opportunity, 0, len(analyses))
		for _, a := range analyses {
			opportunities = append(opportunities, a.Opportunity)
		}
		snapshots, degradations := o.comps.Portfolio.Price(positions, opportunities)
		state := StateDone
		if len(degradations) > 0 {
			state = StatePartial
		}
		return Outcome{State: state, Value: snapshots, Degradations: degradations}
	}
}

func (o *Orchestrator) optimize(q domain.Query) workFunc {
	return func(_ context.Context, in inputs) Outcome {
		analyses, ok := in[NodeAnalyze].([]domain.Analysis)
		if !ok {
			return missingInput(NodeAnalyze)
		}
		estimate, ok := in[NodeCollectGas].(domain.GasEstimate)
		if !ok {
			return missingInput(NodeCollectGas)
		}
		snapshots, _ := in[NodeTrack].([]domain.PositionSnapshot)
		plans := o.comps.Optimizer.Optimize(optimizer.Input{
			Analyses:     analyses,
			Gas:          estimate,
			Positions:    snapshots,
			Tolerance:    q.RiskTolerance,
			PrincipalUSD: q.PrincipalUSD,
		})
		return Outcome{State: StateDone, Value: plans}
	}
}

func missingInput(dep string) Outcome {
	return Outcome{
		State: StateFailed,
		Err:   xerrors.New(xerrors.CodeDegradedInput, "缺少上游输出: "+dep),
	}
}
