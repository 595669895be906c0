package optimizer

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"YieldScout/internal/config"
	"YieldScout/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func optimizerConfig() config.OptimizerConfig {
	return config.OptimizerConfig{
		PrincipalUSD:    10000,
		HorizonDays:     30,
		GasUnitsPerLeg:  250000,
		SafetyMarginUSD: 10,
		MaxPlans:        10,
	}
}

func gasEstimate(priceUSD string) domain.GasEstimate {
	return domain.GasEstimate{
		ChainID:        "ethereum",
		BaseFee:        dec("20"),
		PriorityFee:    dec("1.5"),
		NativePriceUSD: dec(priceUSD),
	}
}

func analysis(pool, apy, composite string) domain.Analysis {
	ref := domain.OpportunityRef{ProtocolID: "p", PoolID: pool}
	return domain.Analysis{
		Opportunity: domain.Opportunity{Ref: ref, APY: dec(apy)},
		Risk:        domain.RiskScore{Ref: ref, Composite: dec(composite)},
		Yield:       domain.YieldMetrics{Ref: ref, EffectiveAPY: dec(apy)},
	}
}

func TestLegCostAndGross(t *testing.T) {
	o := New(optimizerConfig())
	assert.True(t, o.LegCost(gasEstimate("3000")).Equal(dec("16.125")))
	assert.True(t, o.Gross(dec("10000"), dec("0.05")).Equal(dec("41.09589")))
}

func TestOptimizeNetEqualsGrossMinusGas(t *testing.T) {
	o := New(optimizerConfig())
	plans := o.Optimize(Input{
		Analyses:  []domain.Analysis{analysis("a", "0.05", "30"), analysis("b", "0.08", "35")},
		Gas:       gasEstimate("3000"),
		Tolerance: domain.ToleranceBalanced,
	})
	require.Len(t, plans, 2)
	assert.Equal(t, "enter:p/b", plans[0].Key())
	for _, plan := range plans {
		assert.True(t, plan.ExpectedNetYield.Equal(plan.ExpectedGrossYield.Sub(plan.EstimatedGasCost)))
		assert.True(t, plan.ExpectedNetYield.IsPositive())
	}
	assert.True(t, plans[1].ExpectedNetYield.Equal(dec("24.97089")), plans[1].ExpectedNetYield.String())
}

func TestOptimizeGasExceedsYield(t *testing.T) {
	o := New(optimizerConfig())
	plans := o.Optimize(Input{
		Analyses:  []domain.Analysis{analysis("a", "0.05", "30"), analysis("b", "0.08", "35")},
		Gas:       gasEstimate("300000"),
		Tolerance: domain.ToleranceAggressive,
	})
	assert.Empty(t, plans)
}

func TestOptimizeRespectsTolerance(t *testing.T) {
	o := New(optimizerConfig())
	in := Input{
		Analyses: []domain.Analysis{analysis("safe", "0.04", "25"), analysis("risky", "0.30", "55")},
		Gas:      gasEstimate("1"),
	}

	in.Tolerance = domain.ToleranceConservative
	conservative := o.Optimize(in)
	require.Len(t, conservative, 1)
	assert.Equal(t, "enter:p/safe", conservative[0].Key())

	in.Tolerance = domain.ToleranceBalanced
	balanced := o.Optimize(in)
	require.Len(t, balanced, 2)
	assert.Equal(t, "enter:p/risky", balanced[0].Key())

	cfg := optimizerConfig()
	cfg.RiskCeilings = map[string]float64{"balanced": 20}
	assert.Empty(t, New(cfg).Optimize(in))
}

func TestRankTieBreaks(t *testing.T) {
	o := New(optimizerConfig())
	plans := o.Optimize(Input{
		Analyses: []domain.Analysis{
			analysis("z", "0.05", "30"),
			analysis("y", "0.05", "20"),
			analysis("x", "0.05", "20"),
		},
		Gas:       gasEstimate("3000"),
		Tolerance: domain.ToleranceBalanced,
	})
	require.Len(t, plans, 3)
	assert.Equal(t, []string{"enter:p/x", "enter:p/y", "enter:p/z"}, []string{plans[0].Key(), plans[1].Key(), plans[2].Key()})

	cfg := optimizerConfig()
	cfg.MaxPlans = 2
	assert.Len(t, New(cfg).Optimize(Input{
		Analyses: []domain.Analysis{analysis("z", "0.05", "30"), analysis("y", "0.05", "20"), analysis("x", "0.05", "20")},
		Gas:      gasEstimate("3000"),
	}), 2)
}

func TestMultiLegRequiresGainAboveThreshold(t *testing.T) {
	cfg := optimizerConfig()
	cfg.MultiLeg = true
	o := New(cfg)

	held := domain.PositionSnapshot{
		Position: domain.Position{
			ID: "pos-1", UserID: "u1",
			Ref:            domain.OpportunityRef{ProtocolID: "p", PoolID: "old"},
			Principal:      dec("100000"),
			EntryTimestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		CurrentValue: dec("100000"),
		CurrentAPY:   dec("0.02"),
		Risk:         &domain.RiskScore{Composite: dec("20")},
		Priced:       true,
	}

	plans := o.Optimize(Input{
		Analyses:  []domain.Analysis{analysis("better", "0.10", "30")},
		Gas:       gasEstimate("3000"),
		Positions: []domain.PositionSnapshot{held},
		Tolerance: domain.ToleranceBalanced,
	})
	require.Len(t, plans, 2)
	move := plans[0]
	require.Len(t, move.Legs, 2)
	assert.Equal(t, "exit:p/old,enter:p/better", move.Key())
	assert.True(t, move.EstimatedGasCost.Equal(dec("32.25")))
	assert.True(t, move.ExpectedNetYield.Equal(move.ExpectedGrossYield.Sub(move.EstimatedGasCost)))
	assert.True(t, move.Risk.Avg.Equal(dec("25")))

	marginal := o.Optimize(Input{
		Analyses:  []domain.Analysis{analysis("slightly", "0.021", "30")},
		Gas:       gasEstimate("3000"),
		Positions: []domain.PositionSnapshot{held},
	})
	for _, plan := range marginal {
		assert.Len(t, plan.Legs, 1)
	}
}
