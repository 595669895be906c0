package provider

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"YieldScout/internal/config"
	"YieldScout/internal/domain"
	xerrors "YieldScout/internal/errors"
)

type countingAdapter struct {
	id       string
	coverage Coverage
	calls    atomic.Int32
	closed   atomic.Bool
	records  []domain.RawRecord
}

func (c *countingAdapter) ID() string                    { return c.id }
func (c *countingAdapter) Covers(protocolID string) bool { return c.coverage.Covers(protocolID) }
func (c *countingAdapter) Close() error                  { c.closed.Store(true); return nil }

func (c *countingAdapter) Fetch(ctx context.Context, _ domain.ScopeEntry) ([]domain.RawRecord, error) {
	c.calls.Add(1)
	return c.records, nil
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	failGet bool
}

func (m *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, false, stdErrors.New("connection reset")
	}
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string][]byte{}
	}
	m.entries[key] = value
	return nil
}

func TestCoverage(t *testing.T) {
	cov := NewCoverage([]string{" Aave-V3 ", "*", ""})
	assert.True(t, cov.Covers("aave-v3"))
	assert.True(t, cov.Covers("*"))
	assert.False(t, cov.Covers("curve"))
	assert.True(t, NewCoverage(nil).Covers("anything"))
}

func TestRegistryOrdersAndFiltersAdapters(t *testing.T) {
	b := &countingAdapter{id: "b", coverage: NewCoverage([]string{"curve"})}
	a := &countingAdapter{id: "a"}
	reg, err := NewRegistry(b, a)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, reg.IDs())
	covering := reg.Covering("aave-v3")
	require.Len(t, covering, 1)
	assert.Equal(t, "a", covering[0].ID())

	_, err = NewRegistry(a, &countingAdapter{id: "a"})
	require.Error(t, err)

	reg.Close()
	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())
}

func TestBuildDecoratesAdapters(t *testing.T) {
	inner := &countingAdapter{id: "fixtures"}
	factories := map[string]Factory{
		"static": func(context.Context, config.ProviderConfig) (Adapter, error) { return inner, nil },
	}
	cache := &memoryCache{}
	reg, err := Build(context.Background(), []config.ProviderConfig{
		{ID: "fixtures", Type: "static", CacheTTL: time.Minute, RateLimit: config.RateLimitConfig{PerSecond: 100}},
		{ID: "off", Type: "static", Disabled: true},
	}, factories, WithResponseCache(cache))
	require.NoError(t, err)

	adapter, ok := reg.Adapter("fixtures")
	require.True(t, ok)
	_, isCached := adapter.(*cached)
	assert.True(t, isCached)

	_, err = Build(context.Background(), []config.ProviderConfig{{ID: "x", Type: "ftp"}}, factories)
	require.Error(t, err)
}

func TestCacheServesRepeatedFetches(t *testing.T) {
	inner := &countingAdapter{id: "llama", records: []domain.RawRecord{{
		ProviderID: "llama", ProtocolID: "aave-v3", PoolID: "usdc",
		APYRaw: decimal.RequireFromString("5.2"), ObservedAt: time.Unix(1700000000, 0).UTC(),
	}}}
	cache := &memoryCache{}
	adapter := WithCache(inner, cache, time.Minute)
	scope := domain.ScopeEntry{ProtocolID: "aave-v3"}

	first, err := adapter.Fetch(context.Background(), scope)
	require.NoError(t, err)
	second, err := adapter.Fetch(context.Background(), scope)
	require.NoError(t, err)

	assert.Equal(t, int32(1), inner.calls.Load())
	require.Len(t, second, 1)
	assert.True(t, first[0].APYRaw.Equal(second[0].APYRaw))
	assert.True(t, first[0].ObservedAt.Equal(second[0].ObservedAt))
	assert.Contains(t, cache.entries, "llama:aave-v3:*")
}

func TestCacheFailureFallsThrough(t *testing.T) {
	inner := &countingAdapter{id: "llama"}
	adapter := WithCache(inner, &memoryCache{failGet: true}, time.Minute)
	_, err := adapter.Fetch(context.Background(), domain.ScopeEntry{})
	require.NoError(t, err)
	_, err = adapter.Fetch(context.Background(), domain.ScopeEntry{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestRateLimitHonoursContext(t *testing.T) {
	inner := &countingAdapter{id: "slow"}
	adapter := WithRateLimit(inner, rate.Every(time.Hour), 1)

	_, err := adapter.Fetch(context.Background(), domain.ScopeEntry{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = adapter.Fetch(ctx, domain.ScopeEntry{})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err), "budget shorter than the token wait is a timeout")
	assert.True(t, IsTimeout(err))

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	_, err = adapter.Fetch(cancelled, domain.ScopeEntry{})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeProviderFailure, xerrors.CodeOf(err))
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestFailureClassifiesTimeouts(t *testing.T) {
	err := Failure("llama", context.DeadlineExceeded, "fetch")
	assert.Equal(t, xerrors.CodeTimeout, err.Code())
	assert.True(t, IsTimeout(err))

	err = Failure("llama", stdErrors.New("503"), "fetch")
	assert.Equal(t, xerrors.CodeProviderFailure, err.Code())
	assert.Equal(t, "llama", err.Metadata()["provider"])
	assert.Same(t, err, Failure("other", err, "again"))
	assert.Nil(t, Failure("llama", nil, ""))
}
