package job

import (
	"context"
	"strconv"
	"testing"
	"time"

	"YieldScout/internal/config"
	"YieldScout/internal/domain"
)

func TestScanQueryNormalizesScope(t *testing.T) {
	q, err := ScanQuery(config.ScanConfig{
		Name:          "stables",
		Scope:         []config.ScopeConfig{{Protocol: "aave-v3"}, {Protocol: "compound", Pool: "usdc"}},
		RiskTolerance: "Conservative",
		PrincipalUSD:  2500,
		Chain:         "ethereum",
	})
	if err != nil {
		t.Fatalf("scan query: %v", err)
	}
	if q.RiskTolerance != domain.ToleranceConservative {
		t.Fatalf("unexpected tolerance: %s", q.RiskTolerance)
	}
	if len(q.Scope) != 2 || q.Scope[0].PoolID != domain.Wildcard || q.Scope[1].PoolID != "usdc" {
		t.Fatalf("unexpected scope: %+v", q.Scope)
	}
	if q.PrincipalUSD.String() != "2500" || q.ChainID != "ethereum" {
		t.Fatalf("unexpected query: %+v", q)
	}

	if _, err := ScanQuery(config.ScanConfig{PrincipalUSD: -1}); err == nil {
		t.Fatalf("negative principal should be rejected")
	}
}

func TestSchedulerSubmitAllIsIdempotentWithinSlot(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)

	scheduler := NewScheduler(service, config.SchedulerConfig{
		Interval: time.Hour,
		Scans: []config.ScanConfig{
			{Name: "Wide Scan"},
			{Name: "bad", PrincipalUSD: -5},
			{Name: "aave", Scope: []config.ScopeConfig{{Protocol: "aave-v3"}}},
		},
	})
	fixed := time.Date(2024, 5, 1, 10, 42, 0, 0, time.UTC)
	scheduler.now = func() time.Time { return fixed }

	first := scheduler.SubmitAll(context.Background())
	if len(first) != 2 {
		t.Fatalf("expected two valid scans, got %d", len(first))
	}
	slot := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).Unix()
	if first[0].ID != "scan-wide-scan-"+strconv.FormatInt(slot, 10) {
		t.Fatalf("unexpected job id: %s", first[0].ID)
	}

	scheduler.now = func() time.Time { return fixed.Add(10 * time.Minute) }
	second := scheduler.SubmitAll(context.Background())
	if len(second) != 2 || second[0].ID != first[0].ID {
		t.Fatalf("same slot should reuse job ids: %+v", second)
	}
	if len(queue.ch) != 2 {
		t.Fatalf("each scan should be published once per slot, queue holds %d", len(queue.ch))
	}
}

func TestSchedulerRunWithoutScansReturns(t *testing.T) {
	scheduler := NewScheduler(nil, config.SchedulerConfig{})
	if err := scheduler.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
}
