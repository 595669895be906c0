package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"YieldScout/internal/domain"
	xerrors "YieldScout/internal/errors"
	"YieldScout/internal/observability/alerting"
	"YieldScout/pkg/logger"
)

// Executor 执行一次查询，orchestrator.Orchestrator 实现了该接口。
type Executor interface {
	Run(ctx context.Context, q domain.Query) (domain.Result, error)
}

// Processor 负责从队列消费任务并交给编排器执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	now         func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("job"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到上下文结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted) || stdErrors.Is(err, ErrJobConflict) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim", nil)
		return err
	}

	result, execErr := p.executor.Run(ctx, job.Query)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, job, execErr, nil)
	}
	if result.Status == domain.QueryFailed {
		cause := xerrors.New(CodeQueryFailed, "查询失败: "+summarize(result.Manifest))
		return p.handleExecutionFailure(ctx, job, cause, &result)
	}

	if err := p.store.MarkSucceeded(ctx, job.ID, result); err != nil {
		p.logger.Error("保存查询结果失败", slog.Any("error", err), slog.String("job_id", job.ID))
		failure := Failure{Code: CodeJobProcessing, Message: err.Error(), Terminal: job.Attempts >= job.MaxRetries}
		if storeErr := p.store.MarkFailed(ctx, job.ID, failure); storeErr != nil {
			p.logger.Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
			return storeErr
		}
		if failure.Terminal {
			return nil
		}
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("任务 %s 在保存结果失败后重投失败", job.ID))
		}
		logger.Audit().Warn("保存查询结果失败后重试",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Audit().Info("查询任务完成",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.Query.UserID),
		slog.String("status", string(result.Status)),
		slog.Int("plans", len(result.Plans)),
		slog.Int("scores", len(result.Scores)),
		slog.Int("degradations", len(result.Manifest.Degradations)),
		slog.Duration("elapsed", result.Elapsed),
	)
	if result.Status == domain.QueryPartial {
		cause := xerrors.New(CodeQueryDegraded, "查询部分完成: "+summarize(result.Manifest))
		p.emitAlert(ctx, job, CodeQueryDegraded, cause, "partial", &result)
	}
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, job *Job, execErr error, result *domain.Result) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := job.Attempts >= job.MaxRetries || !retryable

	failure := Failure{Code: code, Message: execErr.Error(), Terminal: terminal, Result: result}
	if storeErr := p.store.MarkFailed(ctx, job.ID, failure); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	logger.Audit().Warn("查询任务执行失败",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.Query.UserID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
		if retryable {
			stage = "exhausted"
		}
	}
	p.emitAlert(ctx, job, code, execErr, stage, result)

	if !terminal {
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", job.ID))
		}
		p.logger.Debug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string, result *domain.Result) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		JobID:      job.ID,
		QueryID:    job.Query.ID,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
		OccurredAt: p.now(),
	}
	if result != nil {
		event.QueryStatus = string(result.Status)
		metadata["degradations"] = strconv.Itoa(len(result.Manifest.Degradations))
		if failed := failedProviders(result.Manifest); failed != "" {
			metadata["failed_providers"] = failed
		}
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}

// summarize 按降级类别计数，例如 "provider=2,timeout=1"。
func summarize(m domain.Manifest) string {
	if len(m.Degradations) == 0 {
		return "无降级记录"
	}
	counts := make(map[domain.DegradationKind]int)
	for _, d := range m.Degradations {
		counts[d.Kind]++
	}
	kinds := make([]string, 0, len(counts))
	for kind, n := range counts {
		kinds = append(kinds, fmt.Sprintf("%s=%d", kind, n))
	}
	sort.Strings(kinds)
	return strings.Join(kinds, ",")
}

func failedProviders(m domain.Manifest) string {
	var ids []string
	for _, p := range m.Providers {
		if p.Outcome != domain.OutcomeOK {
			ids = append(ids, p.ProviderID)
		}
	}
	return strings.Join(domain.UnionSorted(ids, nil), ",")
}
