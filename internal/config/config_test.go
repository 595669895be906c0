package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
logging:
  level: debug
providers:
  - id: llama
    type: defillama
    chains: [Ethereum, Arbitrum]
    min_tvl_usd: 1000000
    rate_limit:
      per_second: 2
      burst: 1
  - id: fixtures
    type: static
    records:
      - protocol: aave-v3
        pool: usdc
        apy: 5.2
        tvl_usd: 250000000
        audits: [openzeppelin]
scoring:
  weights:
    audit: 0.5
    tvl: 0.3
    liquidity: 0.2
orchestrator:
  default_time_budget: 12s
scheduler:
  interval: 1m
  scans:
    - name: stables
      risk_tolerance: conservative
`

func TestLoadAppliesDefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "yieldscout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("YIELDSCOUT_COINGECKO_API_KEY=from-dotenv\n"), 0o644))
	t.Setenv("YIELDSCOUT_TASK_STORE_DSN", "user:pass@tcp(db:3306)/yieldscout")
	t.Cleanup(func() { os.Unsetenv("YIELDSCOUT_COINGECKO_API_KEY") })

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "https://yields.llama.fi", cfg.Providers[0].BaseURL)
	assert.Equal(t, 0.5, cfg.Scoring.Weights.Audit)
	assert.Equal(t, 12*time.Second, cfg.Orchestrator.DefaultTimeBudget)
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.ProviderTimeout)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, "from-dotenv", cfg.Pricing.CoinGeckoAPIKey)
	assert.Equal(t, "user:pass@tcp(db:3306)/yieldscout", cfg.Storage.TaskStore.DSN)
	assert.Equal(t, cfg.Storage.TaskStore.DSN, cfg.Storage.PositionStore.DSN)
	assert.Equal(t, 40.0, cfg.Optimizer.RiskCeilings["conservative"])
	assert.Equal(t, 5.2, cfg.Providers[1].Records[0].APY)
}

func TestDefaultWeights(t *testing.T) {
	cfg := Default()
	assert.Equal(t, WeightsConfig{Audit: 0.40, TVL: 0.35, Liquidity: 0.25}, cfg.Scoring.Weights)
	assert.Equal(t, "memory", cfg.TaskQueue.Driver)
	_, ok := cfg.Gas.Chain("ETHEREUM")
	assert.True(t, ok)
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsIssues(t *testing.T) {
	cfg := Default()
	cfg.Scoring.Weights = WeightsConfig{Audit: -1}
	cfg.Providers = []ProviderConfig{{ID: "x", Type: "ftp"}, {ID: "x", Type: "aave"}}
	cfg.Scheduler.Scans = []ScanConfig{{Name: "bad", RiskTolerance: "yolo"}}

	err := cfg.Validate()
	require.Error(t, err)
	for _, fragment := range []string{"不能为负数", "之和必须大于 0", "不支持的类型", "重复", "pool_address", "yolo"} {
		assert.Contains(t, err.Error(), fragment)
	}
}

func TestLoadRequiresPath(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}
