package job

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"YieldScout/internal/domain"
	xerrors "YieldScout/internal/errors"
	"YieldScout/pkg/logger"
)

// Preparer 在入队前校验并规范化查询，orchestrator.Orchestrator 实现了该接口。
type Preparer interface {
	Prepare(q domain.Query) (domain.Query, error)
}

// Service 负责查询任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	preparer   Preparer
	maxRetries int
}

// ServiceOption 调整 Service 的可选依赖。
type ServiceOption func(*Service)

// WithPreparer 在提交时先校验查询，非法查询不会入队。
func WithPreparer(preparer Preparer) ServiceOption {
	return func(s *Service) {
		s.preparer = preparer
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建查询任务并推送到队列。查询 ID 即任务 ID，重复提交同一 ID 返回已有任务。
func (s *Service) Submit(ctx context.Context, q domain.Query) (*Job, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	q.ID = strings.TrimSpace(q.ID)
	if q.ID != "" {
		existing, err := s.store.Get(ctx, q.ID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		q.ID = uuid.NewString()
	}

	if s.preparer != nil {
		prepared, err := s.preparer.Prepare(q)
		if err != nil {
			return nil, xerrors.Wrap(CodeJobValidation, err, "查询校验失败")
		}
		q = prepared
	}

	job := &Job{
		ID:         q.ID,
		Query:      q,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			existing, getErr := s.store.Get(ctx, job.ID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrJobNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, job.ID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("job_id", job.ID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, job.ID, Failure{Code: CodeJobPublish, Message: wrapped.Error(), Terminal: true})
		return nil, wrapped
	}
	logger.Audit().Info("查询任务入队成功",
		slog.String("job_id", job.ID),
		slog.String("user_id", q.UserID),
		slog.String("risk_tolerance", string(q.RiskTolerance)),
		slog.Int("scope_entries", len(q.Scope)),
		slog.Int("max_retries", job.MaxRetries),
	)
	return job, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询任务直到进入终态或上下文结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
