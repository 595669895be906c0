package static

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"YieldScout/internal/config"
	"YieldScout/internal/domain"
)

func TestFactoryAndFetch(t *testing.T) {
	adapter, err := Factory(context.Background(), config.ProviderConfig{
		ID: "fixtures",
		Records: []config.StaticRecordConfig{
			{Protocol: "aave-v3", Pool: "usdc", APY: 5.2, TVLUSD: 1e8, Components: []config.StaticComponentConfig{
				{Name: "base", Rate: 4, Convention: "APR", PeriodsPerYear: 365},
			}},
			{Protocol: "curve", Pool: "3pool", APY: 2.1},
		},
	})
	require.NoError(t, err)

	records, err := adapter.Fetch(context.Background(), domain.ScopeEntry{ProtocolID: "aave-v3"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "fixtures", records[0].ProviderID)
	assert.False(t, records[0].ObservedAt.IsZero())
	assert.Equal(t, domain.ConventionAPR, records[0].APRComponents[0].Convention)

	all, err := adapter.Fetch(context.Background(), domain.ScopeEntry{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFetchCancelled(t *testing.T) {
	src := New("fixtures", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Fetch(ctx, domain.ScopeEntry{})
	require.Error(t, err)
}

func TestReplaceIsolatesCallerSlice(t *testing.T) {
	records := []domain.RawRecord{{ProtocolID: "p", PoolID: "a"}}
	src := New("fixtures", []string{"p"}, records)
	records[0].PoolID = "mutated"

	out, err := src.Fetch(context.Background(), domain.ScopeEntry{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].PoolID)
	assert.False(t, src.Covers("q"))
}
