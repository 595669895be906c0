package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"YieldScout/internal/domain"
	xerrors "YieldScout/internal/errors"
	"YieldScout/internal/observability/alerting"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	run       func(q domain.Query, attempt int32) (domain.Result, error)
}

func (f *fakeExecutor) Run(ctx context.Context, q domain.Query) (domain.Result, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return domain.Result{}, ctx.Err()
		}
	}
	attempt := f.processed.Add(1)
	if f.run != nil {
		return f.run(q, attempt)
	}
	return domain.Result{Version: domain.ResultVersion, QueryID: q.ID, Status: domain.QueryDone}, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) snapshot() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

func startProcessor(t *testing.T, executor Executor, opts ...ProcessorOption) (*Service, *MemoryStore, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, opts...)
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(cancel)
	return service, store, cancel
}

func waitJob(t *testing.T, service *Service, id string) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := service.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("等待任务 %s 失败: %v", id, err)
	}
	return job
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	executor := &fakeExecutor{latency: 10 * time.Millisecond}
	service, store, cancel := startProcessor(t, executor, WithWorkerCount(8))
	ctx := context.Background()

	total := 200
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, domain.Query{ID: fmt.Sprintf("q-%d", i)}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		stats, err := store.Stats(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Succeeded >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", executor.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
	if got := int(executor.processed.Load()); got != total {
		t.Fatalf("每个任务应只执行一次，实际执行 %d 次", got)
	}
}

func TestProcessorStoresPartialResultAndAlerts(t *testing.T) {
	executor := &fakeExecutor{run: func(q domain.Query, _ int32) (domain.Result, error) {
		return domain.Result{
			QueryID: q.ID,
			Status:  domain.QueryPartial,
			Manifest: domain.Manifest{
				Providers: []domain.ProviderStatus{
					{ProviderID: "aave", Outcome: domain.OutcomeOK},
					{ProviderID: "llama", Outcome: domain.OutcomeTimeout},
				},
				Degradations: []domain.Degradation{{Kind: domain.DegradeTimeout, Node: "collect:market", Subject: "llama"}},
			},
		}, nil
	}}
	alerts := &recordingDispatcher{}
	service, _, _ := startProcessor(t, executor, WithAlertDispatcher(alerts))

	if _, err := service.Submit(context.Background(), domain.Query{ID: "partial"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := waitJob(t, service, "partial")
	if job.Status != StatusSucceeded || job.Result == nil || job.Result.Status != domain.QueryPartial {
		t.Fatalf("partial result should be stored on a succeeded job: %+v", job)
	}

	events := alerts.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected one alert, got %d", len(events))
	}
	event := events[0]
	if event.Code != CodeQueryDegraded || event.QueryStatus != "partial" || event.JobID != "partial" {
		t.Fatalf("unexpected alert: %+v", event)
	}
	if event.Metadata["failed_providers"] != "llama" || event.Metadata["stage"] != "partial" {
		t.Fatalf("unexpected alert metadata: %+v", event.Metadata)
	}
}

func TestProcessorRetriesFailedQueriesUntilExhausted(t *testing.T) {
	executor := &fakeExecutor{run: func(q domain.Query, _ int32) (domain.Result, error) {
		return domain.Result{
			QueryID:  q.ID,
			Status:   domain.QueryFailed,
			Manifest: domain.Manifest{Degradations: []domain.Degradation{{Kind: domain.DegradeProvider, Subject: "llama"}}},
		}, nil
	}}
	alerts := &recordingDispatcher{}
	service, _, _ := startProcessor(t, executor, WithAlertDispatcher(alerts))

	if _, err := service.Submit(context.Background(), domain.Query{ID: "failing"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := waitJob(t, service, "failing")
	if job.Status != StatusFailed || job.Attempts != 3 {
		t.Fatalf("expected failed job after 3 attempts: %+v", job)
	}
	if job.ErrorCode != string(CodeQueryFailed) {
		t.Fatalf("unexpected error code: %s", job.ErrorCode)
	}
	if job.Result == nil || job.Result.Status != domain.QueryFailed {
		t.Fatalf("failed result should be kept for inspection: %+v", job.Result)
	}

	events := alerts.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected an alert per attempt, got %d", len(events))
	}
	if events[0].Metadata["stage"] != "retry" || events[2].Metadata["stage"] != "exhausted" {
		t.Fatalf("unexpected alert stages: %q %q", events[0].Metadata["stage"], events[2].Metadata["stage"])
	}
}

func TestProcessorDoesNotRetryInvalidQueries(t *testing.T) {
	executor := &fakeExecutor{run: func(domain.Query, int32) (domain.Result, error) {
		return domain.Result{}, xerrors.New(xerrors.CodeInvalidArgument, "不支持的风险档位")
	}}
	service, _, _ := startProcessor(t, executor)

	if _, err := service.Submit(context.Background(), domain.Query{ID: "invalid"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := waitJob(t, service, "invalid")
	if job.Status != StatusFailed || job.Attempts != 1 {
		t.Fatalf("non-retryable error should fail immediately: %+v", job)
	}
	if job.ErrorCode != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("unexpected error code: %s", job.ErrorCode)
	}
}

func TestProcessorRecoversAfterTransientFailure(t *testing.T) {
	executor := &fakeExecutor{run: func(q domain.Query, attempt int32) (domain.Result, error) {
		if attempt == 1 {
			return domain.Result{}, xerrors.New(xerrors.CodeProviderFailure, "temporary")
		}
		return domain.Result{QueryID: q.ID, Status: domain.QueryDone}, nil
	}}
	service, _, _ := startProcessor(t, executor)

	if _, err := service.Submit(context.Background(), domain.Query{ID: "flaky"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := waitJob(t, service, "flaky")
	if job.Status != StatusSucceeded || job.Attempts != 2 || job.LastError != "" {
		t.Fatalf("expected success on second attempt: %+v", job)
	}
}
