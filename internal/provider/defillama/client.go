// Package defillama adapts the DefiLlama yields API into provider records.
package defillama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"YieldScout/internal/config"
	"YieldScout/internal/domain"
	"YieldScout/internal/provider"
	"YieldScout/pkg/logger"
)

const (
	defaultBaseURL       = "https://yields.llama.fi"
	rewardPeriodsPerYear = 52
	maxResponseBytes     = 64 << 20
)

// Config configures the DefiLlama adapter.
type Config struct {
	ID             string
	BaseURL        string
	ProtocolsURL   string
	Protocols      []string
	Chains         []string
	Symbols        []string
	MinTVLUSD      float64
	StablecoinOnly bool
	MaxPools       int
	HTTPClient     *http.Client
	Now            func() time.Time
}

// Client fetches pools from the DefiLlama yields endpoint.
type Client struct {
	id           string
	baseURL      string
	protocolsURL string
	coverage     provider.Coverage
	chains       map[string]struct{}
	symbols      []string
	minTVL       decimal.Decimal
	stableOnly   bool
	maxPools     int
	http         *http.Client
	now          func() time.Time
}

// New validates the configuration and builds a client.
func New(cfg Config) (*Client, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = "defillama"
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	chains := make(map[string]struct{}, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		if chain = strings.ToLower(strings.TrimSpace(chain)); chain != "" {
			chains[chain] = struct{}{}
		}
	}
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		if symbol = strings.ToUpper(strings.TrimSpace(symbol)); symbol != "" {
			symbols = append(symbols, symbol)
		}
	}
	return &Client{
		id:           id,
		baseURL:      base,
		protocolsURL: strings.TrimSpace(cfg.ProtocolsURL),
		coverage:     provider.NewCoverage(cfg.Protocols),
		chains:       chains,
		symbols:      symbols,
		minTVL:       decimal.NewFromFloat(cfg.MinTVLUSD),
		stableOnly:   cfg.StablecoinOnly,
		maxPools:     cfg.MaxPools,
		http:         httpClient,
		now:          now,
	}, nil
}

// Factory builds the adapter from a provider configuration block.
func Factory(_ context.Context, cfg config.ProviderConfig) (provider.Adapter, error) {
	return New(Config{
		ID:             cfg.ID,
		BaseURL:        cfg.BaseURL,
		ProtocolsURL:   cfg.ProtocolsURL,
		Protocols:      cfg.Protocols,
		Chains:         cfg.Chains,
		Symbols:        cfg.Symbols,
		MinTVLUSD:      cfg.MinTVLUSD,
		StablecoinOnly: cfg.StablecoinOnly,
		MaxPools:       cfg.MaxPools,
	})
}

// ID implements provider.Adapter.
func (c *Client) ID() string { return c.id }

// Covers implements provider.Adapter.
func (c *Client) Covers(protocolID string) bool { return c.coverage.Covers(protocolID) }

type poolsResponse struct {
	Status string `json:"status"`
	Data   []pool `json:"data"`
}

type pool struct {
	Chain            string   `json:"chain"`
	Project          string   `json:"project"`
	Symbol           string   `json:"symbol"`
	TVLUSD           float64  `json:"tvlUsd"`
	APYBase          *float64 `json:"apyBase"`
	APYReward        *float64 `json:"apyReward"`
	APY              *float64 `json:"apy"`
	Pool             string   `json:"pool"`
	Stablecoin       bool     `json:"stablecoin"`
	UnderlyingTokens []string `json:"underlyingTokens"`
}

type protocolEntry struct {
	Slug       string   `json:"slug"`
	Audits     string   `json:"audits"`
	AuditLinks []string `json:"audit_links"`
}

// Fetch implements provider.Adapter.
func (c *Client) Fetch(ctx context.Context, scope domain.ScopeEntry) ([]domain.RawRecord, error) {
	scope = scope.Normalize()
	if !c.Covers(scope.ProtocolID) {
		return []domain.RawRecord{}, nil
	}

	var payload poolsResponse
	if err := c.getJSON(ctx, c.baseURL+"/pools", &payload); err != nil {
		return nil, err
	}
	if !strings.EqualFold(payload.Status, "success") {
		return nil, provider.Failure(c.id, fmt.Errorf("unexpected status %q", payload.Status), "DefiLlama 返回异常状态")
	}

	observed := c.now().UTC()
	pools := make([]pool, 0, len(payload.Data))
	for _, p := range payload.Data {
		if c.accept(p, scope) {
			pools = append(pools, p)
		}
	}
	sort.SliceStable(pools, func(i, j int) bool {
		if pools[i].TVLUSD == pools[j].TVLUSD {
			return pools[i].Pool < pools[j].Pool
		}
		return pools[i].TVLUSD > pools[j].TVLUSD
	})
	if c.maxPools > 0 && len(pools) > c.maxPools {
		pools = pools[:c.maxPools]
	}
	if len(pools) == 0 {
		return []domain.RawRecord{}, nil
	}

	audits := c.loadAudits(ctx)
	records := make([]domain.RawRecord, 0, len(pools))
	for _, p := range pools {
		records = append(records, c.toRecord(p, observed, audits))
	}
	return records, nil
}

func (c *Client) accept(p pool, scope domain.ScopeEntry) bool {
	if p.Pool == "" || p.Project == "" {
		return false
	}
	if !c.coverage.Covers(p.Project) {
		return false
	}
	if !scope.Matches(domain.OpportunityRef{ProtocolID: p.Project, PoolID: p.Pool}) {
		return false
	}
	if len(c.chains) > 0 {
		if _, ok := c.chains[strings.ToLower(p.Chain)]; !ok {
			return false
		}
	}
	if c.minTVL.IsPositive() && decimal.NewFromFloat(p.TVLUSD).LessThan(c.minTVL) {
		return false
	}
	if c.stableOnly && !p.Stablecoin {
		return false
	}
	if len(c.symbols) > 0 && !slices.Contains(c.symbols, strings.ToUpper(strings.TrimSpace(p.Symbol))) {
		return false
	}
	return true
}

func (c *Client) toRecord(p pool, observed time.Time, audits map[string][]string) domain.RawRecord {
	record := domain.RawRecord{
		ProviderID:   c.id,
		ProtocolID:   p.Project,
		PoolID:       p.Pool,
		Chain:        p.Chain,
		AssetSymbols: splitSymbols(p.Symbol),
		TVLUSD:       decimal.NewFromFloat(p.TVLUSD),
		AuditRefs:    audits[strings.ToLower(p.Project)],
		Stablecoin:   p.Stablecoin,
		ObservedAt:   observed,
	}
	if p.APYBase != nil {
		record.APRComponents = append(record.APRComponents, domain.APRComponent{
			Name: "base", Rate: decimal.NewFromFloat(*p.APYBase), Convention: domain.ConventionAPY,
		})
	}
	if p.APYReward != nil && *p.APYReward != 0 {
		record.APRComponents = append(record.APRComponents, domain.APRComponent{
			Name: "reward", Rate: decimal.NewFromFloat(*p.APYReward), Convention: domain.ConventionAPR,
			PeriodsPerYear: rewardPeriodsPerYear,
		})
	}
	switch {
	case p.APY != nil:
		record.APYRaw = decimal.NewFromFloat(*p.APY)
	default:
		total := decimal.Zero
		for _, component := range record.APRComponents {
			total = total.Add(component.Rate)
		}
		record.APYRaw = total
	}
	return record
}

// loadAudits maps protocol slugs to audit references. Failures only drop the enrichment.
func (c *Client) loadAudits(ctx context.Context) map[string][]string {
	if c.protocolsURL == "" {
		return nil
	}
	var entries []protocolEntry
	if err := c.getJSON(ctx, c.protocolsURL, &entries); err != nil {
		logger.L().Warn("获取 DefiLlama 审计信息失败", slog.String("provider", c.id), slog.Any("error", err))
		return nil
	}
	out := make(map[string][]string, len(entries))
	for _, entry := range entries {
		slug := strings.ToLower(strings.TrimSpace(entry.Slug))
		if slug == "" {
			continue
		}
		refs := domain.UnionSorted(entry.AuditLinks, nil)
		if len(refs) == 0 {
			if n, err := strconv.Atoi(strings.TrimSpace(entry.Audits)); err == nil {
				for i := 1; i <= n; i++ {
					refs = append(refs, fmt.Sprintf("defillama:%s#%d", slug, i))
				}
			}
		}
		if len(refs) > 0 {
			out[slug] = refs
		}
	}
	return out
}

func (c *Client) getJSON(ctx context.Context, url string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return provider.Failure(c.id, err, "构造请求失败")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return provider.Failure(c.id, err, "请求 DefiLlama 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return provider.Failure(c.id, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), "DefiLlama 返回错误")
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(target); err != nil {
		return provider.Failure(c.id, err, "解析 DefiLlama 响应失败")
	}
	return nil
}

func splitSymbols(symbol string) []string {
	parts := strings.FieldsFunc(symbol, func(r rune) bool { return r == '-' || r == '/' || r == ' ' })
	return domain.UnionSorted(parts, nil)
}

var _ provider.Adapter = (*Client)(nil)
