// Package aave reads supply rates directly from an Aave V3 pool contract.
package aave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"YieldScout/internal/config"
	"YieldScout/internal/domain"
	"YieldScout/internal/provider"
	"YieldScout/pkg/logger"
)

const (
	defaultProtocolID = "aave-v3"
	secondsPerYear    = 365 * 24 * 60 * 60
	wordSize          = 32

	// getReserveData return layout (Aave V3 ReserveData).
	wordLiquidityRate = 2
	wordLastUpdate    = 6
	wordAToken        = 8
	minReserveWords   = 9
)

const callABI = `[
 {"name":"getReserveData","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[]},
 {"name":"totalSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[]}
]`

var (
	parsedABI = mustParseABI(callABI)
	ray       = decimal.New(1, 27)
)

// ContractCaller is the subset of ethclient used by the adapter.
type ContractCaller interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// TokenPricer values reserve assets by contract address. coingecko.Client implements it.
type TokenPricer interface {
	TokenPriceUSD(ctx context.Context, chain, address string) (decimal.Decimal, error)
}

// Market is a reserve asset tracked on the pool.
type Market struct {
	Symbol     string
	Asset      common.Address
	Decimals   int
	Stablecoin bool
}

// Config configures the adapter.
type Config struct {
	ID         string
	ProtocolID string
	Chain      string
	Pool       common.Address
	Markets    []Market
	Caller     ContractCaller
	Prices     TokenPricer
	Now        func() time.Time
}

// Client is a provider.Adapter backed by eth_call.
type Client struct {
	id         string
	protocolID string
	chain      string
	pool       common.Address
	markets    []Market
	caller     ContractCaller
	prices     TokenPricer
	closer     func()
	now        func() time.Time
}

// New builds the adapter around an existing contract caller.
func New(cfg Config) (*Client, error) {
	if cfg.Caller == nil {
		return nil, errors.New("aave 适配器缺少链访问后端")
	}
	if cfg.Pool == (common.Address{}) {
		return nil, errors.New("aave 适配器缺少 pool 地址")
	}
	if len(cfg.Markets) == 0 {
		return nil, errors.New("aave 适配器未配置任何 market")
	}
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = "aave"
	}
	protocolID := strings.TrimSpace(cfg.ProtocolID)
	if protocolID == "" {
		protocolID = defaultProtocolID
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		id:         id,
		protocolID: protocolID,
		chain:      cfg.Chain,
		pool:       cfg.Pool,
		markets:    append([]Market(nil), cfg.Markets...),
		caller:     cfg.Caller,
		prices:     cfg.Prices,
		now:        now,
	}, nil
}

// NewFactory returns a provider.Factory that dials the configured RPC endpoint.
// Non-stablecoin reserves are valued with prices; with nil prices only
// stablecoin reserves get a TVL.
func NewFactory(prices TokenPricer) provider.Factory {
	return func(ctx context.Context, cfg config.ProviderConfig) (provider.Adapter, error) {
		return dial(ctx, cfg, prices)
	}
}

func dial(ctx context.Context, cfg config.ProviderConfig, prices TokenPricer) (provider.Adapter, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, errors.New("aave 适配器未配置 rpc_url")
	}
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	markets := make([]Market, 0, len(cfg.Markets))
	for _, m := range cfg.Markets {
		if !common.IsHexAddress(m.Asset) {
			eth.Close()
			return nil, fmt.Errorf("market %s 的资产地址无效", m.Symbol)
		}
		markets = append(markets, Market{
			Symbol:     m.Symbol,
			Asset:      common.HexToAddress(m.Asset),
			Decimals:   m.Decimals,
			Stablecoin: m.Stablecoin,
		})
	}
	protocolID := defaultProtocolID
	if len(cfg.Protocols) > 0 {
		protocolID = cfg.Protocols[0]
	}
	client, err := New(Config{
		ID:         cfg.ID,
		ProtocolID: protocolID,
		Chain:      cfg.Chain,
		Pool:       common.HexToAddress(cfg.PoolAddress),
		Markets:    markets,
		Caller:     eth,
		Prices:     prices,
	})
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.closer = eth.Close
	return client, nil
}

// ID implements provider.Adapter.
func (c *Client) ID() string { return c.id }

// Covers implements provider.Adapter.
func (c *Client) Covers(protocolID string) bool {
	protocolID = strings.TrimSpace(protocolID)
	return protocolID == "" || protocolID == domain.Wildcard || strings.EqualFold(protocolID, c.protocolID)
}

// Close releases the RPC connection when the adapter dialed it.
func (c *Client) Close() error {
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
	return nil
}

// PoolID is the pool identifier reported for a market.
func PoolID(chain, symbol string) string {
	if chain == "" {
		return strings.ToLower(symbol)
	}
	return strings.ToLower(chain + "-" + symbol)
}

// Fetch implements provider.Adapter.
func (c *Client) Fetch(ctx context.Context, scope domain.ScopeEntry) ([]domain.RawRecord, error) {
	scope = scope.Normalize()
	records := []domain.RawRecord{}
	if !c.Covers(scope.ProtocolID) {
		return records, nil
	}
	for _, market := range c.markets {
		ref := domain.OpportunityRef{ProtocolID: c.protocolID, PoolID: PoolID(c.chain, market.Symbol)}
		if !scope.Matches(ref) {
			continue
		}
		record, err := c.readMarket(ctx, market, ref)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (c *Client) readMarket(ctx context.Context, market Market, ref domain.OpportunityRef) (domain.RawRecord, error) {
	input, err := parsedABI.Pack("getReserveData", market.Asset)
	if err != nil {
		return domain.RawRecord{}, provider.Failure(c.id, err, "编码 getReserveData 失败")
	}
	pool := c.pool
	out, err := c.caller.CallContract(ctx, gethcore.CallMsg{To: &pool, Data: input}, nil)
	if err != nil {
		return domain.RawRecord{}, provider.Failure(c.id, err, fmt.Sprintf("读取 %s 储备数据失败", market.Symbol))
	}
	if len(out) < minReserveWords*wordSize {
		return domain.RawRecord{}, provider.Failure(c.id, fmt.Errorf("short response: %d bytes", len(out)), "getReserveData 响应长度不足")
	}

	liquidityRate := new(big.Int).SetBytes(word(out, wordLiquidityRate))
	aprPercent := decimal.NewFromBigInt(liquidityRate, 0).Div(ray).Mul(decimal.NewFromInt(100))
	observed := c.now().UTC()
	if ts := new(big.Int).SetBytes(word(out, wordLastUpdate)); ts.Sign() > 0 && ts.IsInt64() {
		observed = time.Unix(ts.Int64(), 0).UTC()
	}

	record := domain.RawRecord{
		ProviderID:   c.id,
		ProtocolID:   ref.ProtocolID,
		PoolID:       ref.PoolID,
		Chain:        c.chain,
		AssetSymbols: []string{strings.ToUpper(market.Symbol)},
		APYRaw:       aprToAPYPercent(aprPercent),
		APRComponents: []domain.APRComponent{{
			Name:           "supply",
			Rate:           aprPercent,
			Convention:     domain.ConventionAPR,
			PeriodsPerYear: secondsPerYear,
		}},
		TVLUSD:     decimal.Zero,
		Stablecoin: market.Stablecoin,
		ObservedAt: observed,
	}

	price, ok := c.unitPrice(ctx, market)
	if !ok {
		return record, nil
	}
	aToken := common.BytesToAddress(word(out, wordAToken))
	supply, err := c.totalSupply(ctx, aToken)
	if err != nil {
		return domain.RawRecord{}, err
	}
	record.TVLUSD = decimal.NewFromBigInt(supply, int32(-market.Decimals)).Mul(price)
	return record, nil
}

// unitPrice 返回储备资产的美元单价。稳定币按 1 计；其余资产价格获取失败时不估算 TVL。
func (c *Client) unitPrice(ctx context.Context, market Market) (decimal.Decimal, bool) {
	if market.Stablecoin {
		return decimal.NewFromInt(1), true
	}
	if c.prices == nil {
		return decimal.Zero, false
	}
	price, err := c.prices.TokenPriceUSD(ctx, c.chain, market.Asset.Hex())
	if err != nil {
		logger.L().Warn("获取储备资产价格失败",
			slog.String("provider", c.id),
			slog.String("symbol", market.Symbol),
			slog.Any("error", err))
		return decimal.Zero, false
	}
	return price, true
}

func (c *Client) totalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	input, err := parsedABI.Pack("totalSupply")
	if err != nil {
		return nil, provider.Failure(c.id, err, "编码 totalSupply 失败")
	}
	out, err := c.caller.CallContract(ctx, gethcore.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return nil, provider.Failure(c.id, err, "读取 aToken 总供应量失败")
	}
	if len(out) < wordSize {
		return nil, provider.Failure(c.id, fmt.Errorf("short response: %d bytes", len(out)), "totalSupply 响应长度不足")
	}
	return new(big.Int).SetBytes(word(out, 0)), nil
}

func word(data []byte, index int) []byte {
	return data[index*wordSize : (index+1)*wordSize]
}

// aprToAPYPercent compounds a per-second APR (percent) into an APY (percent).
func aprToAPYPercent(aprPercent decimal.Decimal) decimal.Decimal {
	apr, _ := aprPercent.Div(decimal.NewFromInt(100)).Float64()
	apy := math.Pow(1+apr/secondsPerYear, secondsPerYear) - 1
	return decimal.NewFromFloat(apy * 100).Round(6)
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("aave: invalid call ABI: %v", err))
	}
	return parsed
}

var _ provider.Adapter = (*Client)(nil)
