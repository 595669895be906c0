// Package gas 提供链上费用快照，供优化阶段换算每一步操作的美元成本。
package gas

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"YieldScout/internal/config"
	"YieldScout/internal/domain"
	xerrors "YieldScout/internal/errors"
	"YieldScout/internal/provider"
)

var (
	confidenceDynamic = decimal.NewFromInt(1)
	confidenceLegacy  = decimal.RequireFromString("0.8")
)

// Estimator 返回指定链的当前费用快照。
type Estimator interface {
	Estimate(ctx context.Context, chainID string) (domain.GasEstimate, error)
}

// PriceSource 返回原生代币的美元价格。
type PriceSource interface {
	PriceUSD(ctx context.Context, coinID string) (decimal.Decimal, error)
}

// feeReader mirrors the subset of ethclient used for fee discovery.
type feeReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// ChainEstimator 通过 RPC 读取 base fee 与小费，并结合价格源给出美元价格。
type ChainEstimator struct {
	cfg     config.GasConfig
	prices  PriceSource
	readers map[string]feeReader
	now     func() time.Time

	mu      sync.Mutex
	clients []*ethclient.Client
}

// Dial 为每条配置了 rpc_url 的链建立连接。
func Dial(ctx context.Context, cfg config.GasConfig, prices PriceSource) (*ChainEstimator, error) {
	e := newChainEstimator(cfg, prices, nil)
	for _, chain := range cfg.Chains {
		url := strings.TrimSpace(chain.RPCURL)
		if url == "" {
			continue
		}
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("连接链 %s 的 RPC 节点失败: %w", chain.ID, err)
		}
		e.clients = append(e.clients, client)
		e.readers[strings.ToLower(chain.ID)] = client
	}
	return e, nil
}

func newChainEstimator(cfg config.GasConfig, prices PriceSource, readers map[string]feeReader) *ChainEstimator {
	normalized := make(map[string]feeReader, len(readers))
	for id, reader := range readers {
		normalized[strings.ToLower(id)] = reader
	}
	return &ChainEstimator{cfg: cfg, prices: prices, readers: normalized, now: time.Now}
}

// Close 释放 RPC 连接。
func (e *ChainEstimator) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, client := range e.clients {
		client.Close()
	}
	e.clients = nil
}

// Estimate 实现 Estimator。任何一步失败都返回错误，由调用方决定是否使用兜底估算。
func (e *ChainEstimator) Estimate(ctx context.Context, chainID string) (domain.GasEstimate, error) {
	chainID = resolveChain(e.cfg, chainID)
	chain, ok := e.cfg.Chain(chainID)
	if !ok {
		return domain.GasEstimate{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未配置链 %s 的费用参数", chainID))
	}
	reader, ok := e.readers[strings.ToLower(chainID)]
	if !ok {
		return domain.GasEstimate{}, xerrors.New(xerrors.CodeProviderFailure, fmt.Sprintf("链 %s 未配置 RPC 节点", chainID))
	}

	estimate := domain.GasEstimate{ChainID: chainID, Timestamp: e.now().UTC()}

	header, err := reader.HeaderByNumber(ctx, nil)
	if err != nil {
		return domain.GasEstimate{}, provider.Failure("rpc:"+chainID, err, "读取最新区块头失败")
	}
	if header != nil && header.BaseFee != nil {
		tip, err := reader.SuggestGasTipCap(ctx)
		if err != nil {
			return domain.GasEstimate{}, provider.Failure("rpc:"+chainID, err, "获取建议小费失败")
		}
		estimate.BaseFee = weiToGwei(header.BaseFee)
		estimate.PriorityFee = weiToGwei(tip)
		estimate.Confidence = confidenceDynamic
	} else {
		price, err := reader.SuggestGasPrice(ctx)
		if err != nil {
			return domain.GasEstimate{}, provider.Failure("rpc:"+chainID, err, "获取建议 gas 价格失败")
		}
		estimate.BaseFee = weiToGwei(price)
		estimate.PriorityFee = decimal.Zero
		estimate.Confidence = confidenceLegacy
	}

	native, err := e.nativePrice(ctx, chain)
	if err != nil {
		return domain.GasEstimate{}, err
	}
	estimate.NativePriceUSD = native
	return estimate, nil
}

func (e *ChainEstimator) nativePrice(ctx context.Context, chain config.ChainGasConfig) (decimal.Decimal, error) {
	if e.prices == nil || strings.TrimSpace(chain.NativeCoinID) == "" {
		if chain.FallbackNativeUSD > 0 {
			return decimal.NewFromFloat(chain.FallbackNativeUSD), nil
		}
		return decimal.Zero, xerrors.New(xerrors.CodeProviderFailure, fmt.Sprintf("链 %s 缺少原生代币价格来源", chain.ID))
	}
	price, err := e.prices.PriceUSD(ctx, chain.NativeCoinID)
	if err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

// Fallback 根据配置给出兜底估算，Confidence 为 0；未配置价格时 NativePriceUSD 为 0。
func Fallback(cfg config.GasConfig, chainID string, now time.Time) domain.GasEstimate {
	chainID = resolveChain(cfg, chainID)
	estimate := domain.GasEstimate{
		ChainID:    chainID,
		Timestamp:  now.UTC(),
		Confidence: decimal.Zero,
	}
	chain, ok := cfg.Chain(chainID)
	if !ok {
		return estimate
	}
	estimate.BaseFee = decimal.NewFromFloat(chain.FallbackBaseFeeGwei)
	estimate.PriorityFee = decimal.NewFromFloat(chain.FallbackTipGwei)
	estimate.NativePriceUSD = decimal.NewFromFloat(chain.FallbackNativeUSD)
	return estimate
}

func resolveChain(cfg config.GasConfig, chainID string) string {
	chainID = strings.TrimSpace(chainID)
	if chainID == "" {
		return cfg.DefaultChain
	}
	return chainID
}

func weiToGwei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -9)
}

var _ Estimator = (*ChainEstimator)(nil)
