// Package coingecko resolves USD prices: native coins for gas costs and ERC-20
// tokens by contract address for valuing on-chain reserves.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	xerrors "YieldScout/internal/errors"
	"YieldScout/internal/provider"
)

const providerID = "coingecko"

// Config configures the price client.
type Config struct {
	BaseURL    string
	APIKey     string
	CacheTTL   time.Duration
	RateLimit  rate.Limit
	HTTPClient *http.Client
	Now        func() time.Time
}

type cachedPrice struct {
	value   decimal.Decimal
	fetched time.Time
}

// Client queries the simple price endpoints and keeps a short-lived in-process cache.
type Client struct {
	baseURL string
	apiKey  string
	ttl     time.Duration
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cachedPrice
}

// New builds a price client.
func New(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "https://api.coingecko.com/api/v3"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = rate.Every(2 * time.Second)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		baseURL: base,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		ttl:     cfg.CacheTTL,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
		now:     now,
		cache:   make(map[string]cachedPrice),
	}
}

// PriceUSD returns the USD price of the given CoinGecko coin id.
func (c *Client) PriceUSD(ctx context.Context, coinID string) (decimal.Decimal, error) {
	coinID = strings.ToLower(strings.TrimSpace(coinID))
	if coinID == "" {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, "coin id 不能为空")
	}
	if price, ok := c.lookup(coinID); ok {
		return price, nil
	}

	query := url.Values{}
	query.Set("ids", coinID)
	query.Set("vs_currencies", "usd")
	var payload map[string]map[string]json.Number
	if err := c.get(ctx, "/simple/price?"+query.Encode(), &payload); err != nil {
		return decimal.Zero, err
	}
	raw, ok := payload[coinID]["usd"]
	if !ok {
		return decimal.Zero, provider.Failure(providerID, fmt.Errorf("price for %s missing", coinID), "CoinGecko 未返回价格")
	}
	price, err := parsePrice(raw.String())
	if err != nil {
		return decimal.Zero, err
	}
	c.store(coinID, price)
	return price, nil
}

// Network maps a chain name to the CoinGecko onchain network slug.
func Network(chain string) (string, bool) {
	network, ok := networks[strings.ToLower(strings.TrimSpace(chain))]
	return network, ok
}

var networks = map[string]string{
	"ethereum": "ethereum",
	"arbitrum": "arbitrum-one",
	"base":     "base",
	"polygon":  "polygon-pos",
	"optimism": "optimistic-ethereum",
}

// tokenPricePayload accepts both the onchain JSON:API envelope and the flat
// {"<address>": {"usd": ...}} form.
type tokenPricePayload struct {
	Data struct {
		Attributes struct {
			TokenPrices map[string]json.Number `json:"token_prices"`
		} `json:"attributes"`
	} `json:"data"`
}

// TokenPriceUSD returns the USD price of an ERC-20 token by contract address.
func (c *Client) TokenPriceUSD(ctx context.Context, chain, address string) (decimal.Decimal, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, "代币地址不能为空")
	}
	network, ok := Network(chain)
	if !ok {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的链 %q", chain))
	}
	key := "token:" + network + ":" + address
	if price, ok := c.lookup(key); ok {
		return price, nil
	}

	var body json.RawMessage
	if err := c.get(ctx, "/onchain/simple/networks/"+network+"/token_price/"+address, &body); err != nil {
		return decimal.Zero, err
	}
	var raw string
	var envelope tokenPricePayload
	if err := json.Unmarshal(body, &envelope); err == nil {
		for addr, v := range envelope.Data.Attributes.TokenPrices {
			if strings.EqualFold(addr, address) {
				raw = v.String()
			}
		}
	}
	if raw == "" {
		var flat map[string]map[string]json.Number
		if err := json.Unmarshal(body, &flat); err == nil {
			for addr, v := range flat {
				if strings.EqualFold(addr, address) {
					raw = v["usd"].String()
				}
			}
		}
	}
	if raw == "" {
		return decimal.Zero, provider.Failure(providerID, fmt.Errorf("price for %s missing", address), "CoinGecko 未返回代币价格")
	}
	price, err := parsePrice(raw)
	if err != nil {
		return decimal.Zero, err
	}
	c.store(key, price)
	return price, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return provider.LimitFailure(ctx, providerID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return provider.Failure(providerID, err, "构造价格请求失败")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return provider.Failure(providerID, err, "请求 CoinGecko 失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return provider.Failure(providerID, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), "CoinGecko 返回错误")
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.Failure(providerID, err, "解析 CoinGecko 响应失败")
	}
	return nil
}

func parsePrice(raw string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(raw)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, provider.Failure(providerID, fmt.Errorf("invalid price %q", raw), "CoinGecko 价格无效")
	}
	return price, nil
}

func (c *Client) lookup(coinID string) (decimal.Decimal, bool) {
	if c.ttl <= 0 {
		return decimal.Zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[coinID]
	if !ok || c.now().Sub(entry.fetched) > c.ttl {
		return decimal.Zero, false
	}
	return entry.value, true
}

func (c *Client) store(coinID string, price decimal.Decimal) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.cache[coinID] = cachedPrice{value: price, fetched: c.now()}
	c.mu.Unlock()
}
