package orchestrator

import (
	"context"

	"golang.org/x/sync/semaphore"

	xerrors "YieldScout/internal/errors"
)

// Job 是提交给执行底座的一个节点任务。
type Job struct {
	NodeID string
	Run    func(ctx context.Context) Outcome
}

// Completion 是执行底座回报的完成通知。
type Completion struct {
	NodeID  string
	Outcome Outcome
}

// Substrate 负责实际调度节点任务，完成后必须向 done 恰好发送一次通知。
type Substrate interface {
	Submit(ctx context.Context, job Job, done chan<- Completion)
}

// SemaphoreSubstrate 以加权信号量限制同时运行的节点数量。
type SemaphoreSubstrate struct {
	sem *semaphore.Weighted
}

// NewSemaphoreSubstrate 创建并发上限为 limit 的执行底座。
func NewSemaphoreSubstrate(limit int) *SemaphoreSubstrate {
	if limit <= 0 {
		limit = 1
	}
	return &SemaphoreSubstrate{sem: semaphore.NewWeighted(int64(limit))}
}

// Submit 实现 Substrate。等待信号量时上下文结束会以失败结果回报。
func (s *SemaphoreSubstrate) Submit(ctx context.Context, job Job, done chan<- Completion) {
	go func() {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			done <- Completion{NodeID: job.NodeID, Outcome: Outcome{
				State: StateFailed,
				Err:   xerrors.Wrap(xerrors.CodeTimeout, err, "等待执行资源超时"),
			}}
			return
		}
		defer s.sem.Release(1)
		done <- Completion{NodeID: job.NodeID, Outcome: job.Run(ctx)}
	}()
}

var _ Substrate = (*SemaphoreSubstrate)(nil)
