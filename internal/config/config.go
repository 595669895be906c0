package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 是环境变量覆盖项的统一前缀。
const EnvPrefix = "YIELDSCOUT"

// Config 描述了 YieldScout 在启动阶段需要加载的全部配置。
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Alerting     AlertingConfig     `yaml:"alerting"`
	Providers    []ProviderConfig   `yaml:"providers"`
	Gas          GasConfig          `yaml:"gas"`
	Pricing      PricingConfig      `yaml:"pricing"`
	Scoring      ScoringConfig      `yaml:"scoring"`
	Optimizer    OptimizerConfig    `yaml:"optimizer"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Cache        CacheConfig        `yaml:"cache"`
	Storage      StorageConfig      `yaml:"storage"`
	TaskQueue    TaskQueueConfig    `yaml:"task_queue"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths"`
	AddSource   bool        `yaml:"add_source"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志文件及其轮转策略。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig 控制 Prometheus 指标端点。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// AlertingConfig 配置查询降级或失败时的通知渠道。
type AlertingConfig struct {
	LogEnabled bool          `yaml:"log_enabled"`
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RateLimitConfig 限制单个数据源的调用频率。
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// AaveMarketConfig 描述 Aave 上需要读取的一个储备资产。
type AaveMarketConfig struct {
	Symbol     string `yaml:"symbol"`
	Asset      string `yaml:"asset"`
	Decimals   int    `yaml:"decimals"`
	Stablecoin bool   `yaml:"stablecoin"`
}

// StaticComponentConfig 是静态数据源中的一个收益分项。
type StaticComponentConfig struct {
	Name           string  `yaml:"name"`
	Rate           float64 `yaml:"rate"`
	Convention     string  `yaml:"convention"`
	PeriodsPerYear int     `yaml:"periods_per_year"`
}

// StaticRecordConfig 是静态数据源返回的一条记录，APY 为百分数。
type StaticRecordConfig struct {
	Protocol   string                  `yaml:"protocol"`
	Pool       string                  `yaml:"pool"`
	Chain      string                  `yaml:"chain"`
	Assets     []string                `yaml:"assets"`
	APY        float64                 `yaml:"apy"`
	Components []StaticComponentConfig `yaml:"components"`
	TVLUSD     float64                 `yaml:"tvl_usd"`
	Audits     []string                `yaml:"audits"`
	Stablecoin bool                    `yaml:"stablecoin"`
}

// ProviderConfig 定义一个数据源适配器。
type ProviderConfig struct {
	ID        string          `yaml:"id"`
	Type      string          `yaml:"type"`
	Disabled  bool            `yaml:"disabled"`
	Protocols []string        `yaml:"protocols"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CacheTTL  time.Duration   `yaml:"cache_ttl"`

	// defillama
	BaseURL        string   `yaml:"base_url"`
	ProtocolsURL   string   `yaml:"protocols_url"`
	Chains         []string `yaml:"chains"`
	MinTVLUSD      float64  `yaml:"min_tvl_usd"`
	StablecoinOnly bool     `yaml:"stablecoin_only"`
	Symbols        []string `yaml:"symbols"`
	MaxPools       int      `yaml:"max_pools"`

	// aave
	RPCURL      string             `yaml:"rpc_url"`
	Chain       string             `yaml:"chain"`
	PoolAddress string             `yaml:"pool_address"`
	Markets     []AaveMarketConfig `yaml:"markets"`

	// static
	Records []StaticRecordConfig `yaml:"records"`
}

// ChainGasConfig 描述一条链的费用来源与兜底值。
type ChainGasConfig struct {
	ID                  string  `yaml:"id"`
	RPCURL              string  `yaml:"rpc_url"`
	NativeCoinID        string  `yaml:"native_coin_id"`
	FallbackBaseFeeGwei float64 `yaml:"fallback_base_fee_gwei"`
	FallbackTipGwei     float64 `yaml:"fallback_tip_gwei"`
	FallbackNativeUSD   float64 `yaml:"fallback_native_usd"`
}

// GasConfig 控制 GasEstimate 的获取方式。
type GasConfig struct {
	DefaultChain string           `yaml:"default_chain"`
	Chains       []ChainGasConfig `yaml:"chains"`
}

// Chain 返回指定链的配置。
func (g GasConfig) Chain(id string) (ChainGasConfig, bool) {
	for _, chain := range g.Chains {
		if strings.EqualFold(chain.ID, id) {
			return chain, true
		}
	}
	return ChainGasConfig{}, false
}

// PricingConfig 配置原生代币价格来源。
type PricingConfig struct {
	CoinGeckoURL    string        `yaml:"coingecko_url"`
	CoinGeckoAPIKey string        `yaml:"coingecko_api_key"`
	Timeout         time.Duration `yaml:"timeout"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

// WeightsConfig 是风险因子的权重。
type WeightsConfig struct {
	Audit     float64 `yaml:"audit"`
	TVL       float64 `yaml:"tvl"`
	Liquidity float64 `yaml:"liquidity"`
}

// ScoringConfig 配置风险评分与收益归一化。
type ScoringConfig struct {
	Weights               WeightsConfig `yaml:"weights"`
	NeutralDefault        float64       `yaml:"neutral_default"`
	ReferencePrincipalUSD float64       `yaml:"reference_principal_usd"`
	MaxPoolShare          float64       `yaml:"max_pool_share"`
	DefaultPeriodsPerYear int           `yaml:"default_periods_per_year"`
	MaxAPYPercent         float64       `yaml:"max_apy_percent"`
	CacheMaxEntries       int64         `yaml:"cache_max_entries"`
}

// OptimizerConfig 配置策略生成与排序。
type OptimizerConfig struct {
	PrincipalUSD    float64            `yaml:"principal_usd"`
	HorizonDays     int                `yaml:"horizon_days"`
	GasUnitsPerLeg  uint64             `yaml:"gas_units_per_leg"`
	SafetyMarginUSD float64            `yaml:"safety_margin_usd"`
	MultiLeg        bool               `yaml:"multi_leg"`
	MaxPlans        int                `yaml:"max_plans"`
	RiskCeilings    map[string]float64 `yaml:"risk_ceilings"`
}

// OrchestratorConfig 控制查询执行的时间与并发。
type OrchestratorConfig struct {
	DefaultTimeBudget time.Duration `yaml:"default_time_budget"`
	ProviderTimeout   time.Duration `yaml:"provider_timeout"`
	MaxConcurrency    int           `yaml:"max_concurrency"`
	FanoutLimit       int           `yaml:"fanout_limit"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Queue     string        `yaml:"queue"`
	BlockWait time.Duration `yaml:"block_wait"`
}

// CacheConfig 控制数据源响应的共享缓存。
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Redis      RedisConfig   `yaml:"redis"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	KeyPrefix  string        `yaml:"key_prefix"`
}

// StoreConfig 描述一个 MySQL 或内存存储。
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	Retries         int           `yaml:"retries"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// StorageConfig 统一描述查询任务与持仓的存储后端。
type StorageConfig struct {
	TaskStore     StoreConfig `yaml:"task_store"`
	PositionStore StoreConfig `yaml:"position_store"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// TaskQueueConfig 选择查询任务的队列实现。
type TaskQueueConfig struct {
	Driver   string         `yaml:"driver"`
	Worker   int            `yaml:"worker"`
	Buffer   int            `yaml:"buffer"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// ScopeConfig 是定时扫描中的一个范围条目。
type ScopeConfig struct {
	Protocol string `yaml:"protocol"`
	Pool     string `yaml:"pool"`
}

// ScanConfig 是一条定时提交的查询。
type ScanConfig struct {
	Name          string        `yaml:"name"`
	Scope         []ScopeConfig `yaml:"scope"`
	UserID        string        `yaml:"user_id"`
	RiskTolerance string        `yaml:"risk_tolerance"`
	TimeBudget    time.Duration `yaml:"time_budget"`
	PrincipalUSD  float64       `yaml:"principal_usd"`
	Chain         string        `yaml:"chain"`
}

// SchedulerConfig 控制周期性扫描。
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
	Scans    []ScanConfig  `yaml:"scans"`
}

// envOverrides 汇总允许通过环境变量覆盖的敏感或部署相关字段。
type envOverrides struct {
	LogLevel         string `envconfig:"LOG_LEVEL"`
	MetricsAddress   string `envconfig:"METRICS_ADDRESS"`
	CoinGeckoAPIKey  string `envconfig:"COINGECKO_API_KEY"`
	GasRPCURL        string `envconfig:"GAS_RPC_URL"`
	TaskStoreDSN     string `envconfig:"TASK_STORE_DSN"`
	PositionStoreDSN string `envconfig:"POSITION_STORE_DSN"`
	QueueDriver      string `envconfig:"QUEUE_DRIVER"`
	RedisAddress     string `envconfig:"REDIS_ADDRESS"`
	RedisPassword    string `envconfig:"REDIS_PASSWORD"`
	RabbitMQURL      string `envconfig:"RABBITMQ_URL"`
	WebhookURL       string `envconfig:"ALERT_WEBHOOK_URL"`
}

// Load 解析指定路径的 YAML 配置，并叠加 .env 与环境变量中的覆盖项。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	baseDir := filepath.Dir(path)
	if err := loadDotEnv(baseDir); err != nil {
		return nil, err
	}

	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 仅解析 YAML 内容，不叠加环境变量与默认值。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return &cfg, nil
}

// Default 返回只包含默认值的配置，便于测试与离线运行。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

func loadDotEnv(baseDir string) error {
	envPath := filepath.Join(baseDir, ".env")
	if _, err := os.Stat(envPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("检查 .env 文件失败: %w", err)
	}
	// godotenv.Load 不会覆盖已经存在的环境变量。
	if err := godotenv.Load(envPath); err != nil {
		return fmt.Errorf("加载 .env 文件失败: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}
	setIf := func(target *string, value string) {
		if strings.TrimSpace(value) != "" {
			*target = value
		}
	}
	setIf(&c.Logging.Level, env.LogLevel)
	setIf(&c.Metrics.Address, env.MetricsAddress)
	setIf(&c.Pricing.CoinGeckoAPIKey, env.CoinGeckoAPIKey)
	setIf(&c.Storage.TaskStore.DSN, env.TaskStoreDSN)
	setIf(&c.Storage.PositionStore.DSN, env.PositionStoreDSN)
	setIf(&c.TaskQueue.Driver, env.QueueDriver)
	setIf(&c.TaskQueue.Redis.Address, env.RedisAddress)
	setIf(&c.TaskQueue.Redis.Password, env.RedisPassword)
	setIf(&c.Cache.Redis.Address, env.RedisAddress)
	setIf(&c.Cache.Redis.Password, env.RedisPassword)
	setIf(&c.TaskQueue.RabbitMQ.URL, env.RabbitMQURL)
	setIf(&c.Alerting.WebhookURL, env.WebhookURL)
	if env.GasRPCURL != "" {
		for i := range c.Gas.Chains {
			if strings.EqualFold(c.Gas.Chains[i].ID, c.Gas.DefaultChain) || len(c.Gas.Chains) == 1 {
				c.Gas.Chains[i].RPCURL = env.GasRPCURL
			}
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
		} else if !filepath.IsAbs(c.Logging.Audit.Path) {
			c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
		}
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9102"
	}
	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))
		if p.ID == "" {
			p.ID = p.Type
		}
		if p.Type == "defillama" && p.BaseURL == "" {
			p.BaseURL = "https://yields.llama.fi"
		}
	}

	if c.Gas.DefaultChain == "" {
		c.Gas.DefaultChain = "ethereum"
	}
	if len(c.Gas.Chains) == 0 {
		c.Gas.Chains = []ChainGasConfig{{ID: c.Gas.DefaultChain}}
	}
	for i := range c.Gas.Chains {
		chain := &c.Gas.Chains[i]
		if chain.NativeCoinID == "" {
			chain.NativeCoinID = "ethereum"
		}
		if chain.FallbackBaseFeeGwei <= 0 {
			chain.FallbackBaseFeeGwei = 20
		}
		if chain.FallbackTipGwei <= 0 {
			chain.FallbackTipGwei = 1.5
		}
	}

	if c.Pricing.CoinGeckoURL == "" {
		c.Pricing.CoinGeckoURL = "https://api.coingecko.com/api/v3"
	}
	if c.Pricing.Timeout <= 0 {
		c.Pricing.Timeout = 10 * time.Second
	}
	if c.Pricing.CacheTTL <= 0 {
		c.Pricing.CacheTTL = time.Minute
	}

	if c.Scoring.Weights == (WeightsConfig{}) {
		c.Scoring.Weights = WeightsConfig{Audit: 0.40, TVL: 0.35, Liquidity: 0.25}
	}
	if c.Scoring.NeutralDefault <= 0 {
		c.Scoring.NeutralDefault = 50
	}
	if c.Scoring.ReferencePrincipalUSD <= 0 {
		c.Scoring.ReferencePrincipalUSD = 10_000
	}
	if c.Scoring.MaxPoolShare <= 0 {
		c.Scoring.MaxPoolShare = 0.01
	}
	if c.Scoring.DefaultPeriodsPerYear <= 0 {
		c.Scoring.DefaultPeriodsPerYear = 365
	}
	if c.Scoring.MaxAPYPercent <= 0 {
		c.Scoring.MaxAPYPercent = 1000
	}
	if c.Scoring.CacheMaxEntries <= 0 {
		c.Scoring.CacheMaxEntries = 10_000
	}

	if c.Optimizer.PrincipalUSD <= 0 {
		c.Optimizer.PrincipalUSD = c.Scoring.ReferencePrincipalUSD
	}
	if c.Optimizer.HorizonDays <= 0 {
		c.Optimizer.HorizonDays = 30
	}
	if c.Optimizer.GasUnitsPerLeg == 0 {
		c.Optimizer.GasUnitsPerLeg = 250_000
	}
	if c.Optimizer.MaxPlans <= 0 {
		c.Optimizer.MaxPlans = 10
	}
	if c.Optimizer.RiskCeilings == nil {
		c.Optimizer.RiskCeilings = map[string]float64{}
	}
	for name, ceiling := range map[string]float64{"conservative": 40, "balanced": 60, "aggressive": 100} {
		if _, ok := c.Optimizer.RiskCeilings[name]; !ok {
			c.Optimizer.RiskCeilings[name] = ceiling
		}
	}

	if c.Orchestrator.DefaultTimeBudget <= 0 {
		c.Orchestrator.DefaultTimeBudget = 30 * time.Second
	}
	if c.Orchestrator.ProviderTimeout <= 0 {
		c.Orchestrator.ProviderTimeout = 10 * time.Second
	}
	if c.Orchestrator.MaxConcurrency <= 0 {
		c.Orchestrator.MaxConcurrency = 8
	}
	if c.Orchestrator.FanoutLimit <= 0 {
		c.Orchestrator.FanoutLimit = 8
	}

	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = 30 * time.Second
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "yieldscout:provider"
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 3
	}
	if c.Storage.PositionStore.Driver == "" {
		c.Storage.PositionStore.Driver = c.Storage.TaskStore.Driver
	}
	if c.Storage.PositionStore.DSN == "" {
		c.Storage.PositionStore.DSN = c.Storage.TaskStore.DSN
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 4
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 1024
	}
	if c.TaskQueue.Redis.Queue == "" {
		c.TaskQueue.Redis.Queue = "yieldscout:queries"
	}
	if c.TaskQueue.RabbitMQ.Queue == "" {
		c.TaskQueue.RabbitMQ.Queue = "yieldscout.queries"
	}

	if c.Scheduler.Interval <= 0 {
		c.Scheduler.Interval = 5 * time.Minute
	}
}

// Validate 检查配置中的取值范围，返回所有问题的汇总。
func (c *Config) Validate() error {
	var issues []string

	w := c.Scoring.Weights
	if w.Audit < 0 || w.TVL < 0 || w.Liquidity < 0 {
		issues = append(issues, "scoring.weights 不能为负数")
	}
	if w.Audit+w.TVL+w.Liquidity <= 0 {
		issues = append(issues, "scoring.weights 之和必须大于 0")
	}
	if c.Scoring.NeutralDefault < 0 || c.Scoring.NeutralDefault > 100 {
		issues = append(issues, "scoring.neutral_default 必须在 0 到 100 之间")
	}
	if c.Scoring.MaxPoolShare > 1 {
		issues = append(issues, "scoring.max_pool_share 不能大于 1")
	}
	if c.Optimizer.SafetyMarginUSD < 0 {
		issues = append(issues, "optimizer.safety_margin_usd 不能为负数")
	}
	for name, ceiling := range c.Optimizer.RiskCeilings {
		if ceiling < 0 || ceiling > 100 {
			issues = append(issues, fmt.Sprintf("optimizer.risk_ceilings.%s 必须在 0 到 100 之间", name))
		}
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if _, ok := seen[p.ID]; ok {
			issues = append(issues, fmt.Sprintf("数据源 ID %s 重复", p.ID))
		}
		seen[p.ID] = struct{}{}
		switch p.Type {
		case "defillama", "static":
		case "aave":
			if p.PoolAddress == "" || len(p.Markets) == 0 {
				issues = append(issues, fmt.Sprintf("数据源 %s 缺少 pool_address 或 markets", p.ID))
			}
		default:
			issues = append(issues, fmt.Sprintf("数据源 %s 使用了不支持的类型 %q", p.ID, p.Type))
		}
	}

	for _, scan := range c.Scheduler.Scans {
		switch scan.RiskTolerance {
		case "", "conservative", "balanced", "aggressive":
		default:
			issues = append(issues, fmt.Sprintf("扫描 %s 的 risk_tolerance %q 无效", scan.Name, scan.RiskTolerance))
		}
	}

	if len(issues) > 0 {
		return fmt.Errorf("配置校验失败: %s", strings.Join(issues, "; "))
	}
	return nil
}
