package coingecko

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	xerrors "YieldScout/internal/errors"
)

func TestPriceUSDCachesAndSendsKey(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "ethereum", r.URL.Query().Get("ids"))
		assert.Equal(t, "secret", r.Header.Get("x-cg-pro-api-key"))
		_, _ = w.Write([]byte(`{"ethereum":{"usd":3120.55}}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, APIKey: "secret", CacheTTL: time.Minute, RateLimit: rate.Inf})
	price, err := client.PriceUSD(context.Background(), "Ethereum")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("3120.55")))

	_, err = client.PriceUSD(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestPriceUSDErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ids") == "missing" {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, RateLimit: rate.Inf})
	_, err := client.PriceUSD(context.Background(), "ethereum")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeProviderFailure, xerrors.CodeOf(err))

	_, err = client.PriceUSD(context.Background(), "missing")
	require.Error(t, err)

	_, err = client.PriceUSD(context.Background(), " ")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestTokenPriceUSDReadsOnchainEnvelope(t *testing.T) {
	const weth = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/onchain/simple/networks/arbitrum-one/token_price/"+weth, r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"id":"x","type":"simple_token_price","attributes":{"token_prices":{"` + weth + `":"3120.5"}}}}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, CacheTTL: time.Minute, RateLimit: rate.Inf})
	price, err := client.TokenPriceUSD(context.Background(), "Arbitrum", "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("3120.5")), price.String())

	_, err = client.TokenPriceUSD(context.Background(), "arbitrum", weth)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestTokenPriceUSDAcceptsFlatPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"0xabc":{"usd":1.02}}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, RateLimit: rate.Inf})
	price, err := client.TokenPriceUSD(context.Background(), "base", "0xABC")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("1.02")))

	_, err = client.TokenPriceUSD(context.Background(), "base", "0xdef")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeProviderFailure, xerrors.CodeOf(err))
}

func TestTokenPriceUSDRejectsUnknownNetwork(t *testing.T) {
	client := New(Config{BaseURL: "http://127.0.0.1:0", RateLimit: rate.Inf})
	_, err := client.TokenPriceUSD(context.Background(), "solana", "0xabc")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	_, err = client.TokenPriceUSD(context.Background(), "ethereum", "")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
