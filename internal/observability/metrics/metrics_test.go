package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"YieldScout/internal/domain"
	"YieldScout/internal/job"
)

type staticStats struct {
	stats job.Stats
	err   error
}

func (s staticStats) Stats(context.Context, ...job.ListOption) (job.Stats, error) {
	return s.stats, s.err
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestObserversExportCounters(t *testing.T) {
	m := New()
	m.ObserveProviderFetch("defillama", domain.OutcomeOK)
	m.ObserveProviderFetch("defillama", domain.OutcomeOK)
	m.ObserveProviderFetch("aave", domain.OutcomeTimeout)
	m.ObserveNode("collect", "done")
	m.ObserveQuery(domain.QueryPartial, 1500*time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `yieldscout_provider_fetch_total{outcome="ok",provider="defillama"} 2`)
	assert.Contains(t, body, `yieldscout_provider_fetch_total{outcome="timeout",provider="aave"} 1`)
	assert.Contains(t, body, `yieldscout_task_nodes_total{kind="collect",status="done"} 1`)
	assert.Contains(t, body, `yieldscout_queries_total{status="partial"} 1`)
	assert.Contains(t, body, `yieldscout_query_duration_seconds_bucket{le="2.5"} 1`)
	assert.Contains(t, body, `yieldscout_query_duration_seconds_bucket{le="1"} 0`)
	assert.Contains(t, body, "go_goroutines")
}

func TestJobCollectorReadsStats(t *testing.T) {
	m := New()
	require.NoError(t, m.RegisterJobStats(staticStats{stats: job.Stats{Pending: 2, Succeeded: 5, Failed: 1, Partial: 3}}))

	body := scrape(t, m)
	assert.Contains(t, body, `yieldscout_jobs{status="pending"} 2`)
	assert.Contains(t, body, `yieldscout_jobs{status="succeeded"} 5`)
	assert.Contains(t, body, `yieldscout_jobs{status="running"} 0`)
	assert.Contains(t, body, `yieldscout_jobs_partial_results 3`)
}

func TestJobCollectorReadsServiceStats(t *testing.T) {
	service := job.NewService(job.NewMemoryStore(), job.NewMemoryQueue(4), 3)
	defer service.Close()
	_, err := service.Submit(context.Background(), domain.Query{ID: "q-1"})
	require.NoError(t, err)

	m := New()
	require.NoError(t, m.RegisterJobStats(service))

	body := scrape(t, m)
	assert.Contains(t, body, `yieldscout_jobs{status="pending"} 1`)
}

func TestJobCollectorSkipsOnError(t *testing.T) {
	m := New()
	require.NoError(t, m.RegisterJobStats(staticStats{err: errors.New("db down")}))

	body := scrape(t, m)
	assert.False(t, strings.Contains(body, "yieldscout_jobs{"))
}

func TestStartServerRequiresAddress(t *testing.T) {
	assert.Error(t, New().StartServer(context.Background(), ""))
}

func TestStartServerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New().StartServer(ctx, "127.0.0.1:0") }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
