package gas

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"YieldScout/internal/config"
	xerrors "YieldScout/internal/errors"
)

type stubReader struct {
	baseFee  *big.Int
	tip      *big.Int
	price    *big.Int
	err      error
	tipCalls int
}

func (s *stubReader) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &coretypes.Header{BaseFee: s.baseFee}, nil
}

func (s *stubReader) SuggestGasTipCap(context.Context) (*big.Int, error) {
	s.tipCalls++
	return s.tip, nil
}

func (s *stubReader) SuggestGasPrice(context.Context) (*big.Int, error) {
	return s.price, nil
}

type stubPrices struct {
	price decimal.Decimal
	err   error
}

func (s stubPrices) PriceUSD(context.Context, string) (decimal.Decimal, error) {
	return s.price, s.err
}

func gasConfig() config.GasConfig {
	return config.GasConfig{
		DefaultChain: "ethereum",
		Chains: []config.ChainGasConfig{{
			ID:                  "ethereum",
			NativeCoinID:        "ethereum",
			FallbackBaseFeeGwei: 20,
			FallbackTipGwei:     1.5,
			FallbackNativeUSD:   3000,
		}},
	}
}

func TestEstimateDynamicFees(t *testing.T) {
	reader := &stubReader{baseFee: big.NewInt(12_500_000_000), tip: big.NewInt(1_000_000_000)}
	est := newChainEstimator(gasConfig(), stubPrices{price: decimal.NewFromInt(3200)}, map[string]feeReader{"Ethereum": reader})

	got, err := est.Estimate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "ethereum", got.ChainID)
	assert.True(t, got.BaseFee.Equal(decimal.RequireFromString("12.5")), got.BaseFee.String())
	assert.True(t, got.PriorityFee.Equal(decimal.NewFromInt(1)))
	assert.True(t, got.FeePerGas().Equal(decimal.RequireFromString("13.5")))
	assert.True(t, got.Confidence.Equal(decimal.NewFromInt(1)))
	assert.True(t, got.NativePriceUSD.Equal(decimal.NewFromInt(3200)))
	assert.Equal(t, 1, reader.tipCalls)
}

func TestEstimateLegacyPricing(t *testing.T) {
	reader := &stubReader{price: big.NewInt(30_000_000_000)}
	est := newChainEstimator(gasConfig(), nil, map[string]feeReader{"ethereum": reader})

	got, err := est.Estimate(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.True(t, got.BaseFee.Equal(decimal.NewFromInt(30)))
	assert.True(t, got.PriorityFee.IsZero())
	assert.True(t, got.Confidence.Equal(decimal.RequireFromString("0.8")))
	assert.True(t, got.NativePriceUSD.Equal(decimal.NewFromInt(3000)))
	assert.Zero(t, reader.tipCalls)
}

func TestEstimateFailures(t *testing.T) {
	est := newChainEstimator(gasConfig(), stubPrices{}, map[string]feeReader{"ethereum": &stubReader{err: errors.New("dial tcp: refused")}})
	_, err := est.Estimate(context.Background(), "ethereum")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeProviderFailure, xerrors.CodeOf(err))

	_, err = est.Estimate(context.Background(), "polygon")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))

	priceless := newChainEstimator(gasConfig(), stubPrices{err: xerrors.New(xerrors.CodeProviderFailure, "rate limited")},
		map[string]feeReader{"ethereum": &stubReader{baseFee: big.NewInt(1), tip: big.NewInt(1)}})
	_, err = priceless.Estimate(context.Background(), "ethereum")
	require.Error(t, err)

	timeout := newChainEstimator(gasConfig(), nil, map[string]feeReader{"ethereum": &stubReader{err: context.DeadlineExceeded}})
	_, err = timeout.Estimate(context.Background(), "ethereum")
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
}

func TestFallback(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := Fallback(gasConfig(), "", now)
	assert.Equal(t, "ethereum", got.ChainID)
	assert.Equal(t, now, got.Timestamp)
	assert.True(t, got.Confidence.IsZero())
	assert.True(t, got.FeePerGas().Equal(decimal.RequireFromString("21.5")))
	assert.True(t, got.NativePriceUSD.Equal(decimal.NewFromInt(3000)))

	unknown := Fallback(gasConfig(), "solana", now)
	assert.True(t, unknown.NativePriceUSD.IsZero())
}
