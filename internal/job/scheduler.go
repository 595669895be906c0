package job

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"YieldScout/internal/config"
	"YieldScout/internal/domain"
	xerrors "YieldScout/internal/errors"
	"YieldScout/pkg/logger"
)

// Submitter 是调度器提交查询所需的能力，Service 实现了该接口。
type Submitter interface {
	Submit(ctx context.Context, q domain.Query) (*Job, error)
}

// Scheduler 按固定间隔提交配置中的扫描查询。
type Scheduler struct {
	submitter Submitter
	interval  time.Duration
	scans     []config.ScanConfig
	log       *slog.Logger
	now       func() time.Time
}

// NewScheduler 创建调度器。
func NewScheduler(submitter Submitter, cfg config.SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		submitter: submitter,
		interval:  interval,
		scans:     cfg.Scans,
		log:       logger.Named("scheduler"),
		now:       time.Now,
	}
}

// Run 启动后立即提交一轮，然后每个周期提交一次，直到上下文结束。
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.scans) == 0 {
		s.log.Info("未配置定时扫描，调度器退出")
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SubmitAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SubmitAll(ctx)
		}
	}
}

// SubmitAll 提交所有扫描并返回成功入队的任务。
// 同一周期内重复提交得到相同的任务 ID，多实例共享存储时不会重复执行。
func (s *Scheduler) SubmitAll(ctx context.Context) []*Job {
	slot := s.now().UTC().Truncate(s.interval).Unix()
	jobs := make([]*Job, 0, len(s.scans))
	for _, scan := range s.scans {
		q, err := ScanQuery(scan)
		if err != nil {
			s.log.Error("扫描配置无效", slog.String("scan", scan.Name), slog.Any("error", err))
			continue
		}
		q.ID = fmt.Sprintf("scan-%s-%d", scanName(scan), slot)
		job, err := s.submitter.Submit(ctx, q)
		if err != nil {
			s.log.Error("提交定时扫描失败", slog.String("scan", scan.Name), slog.Any("error", err))
			continue
		}
		s.log.Debug("定时扫描已提交", slog.String("scan", scan.Name), slog.String("job_id", job.ID))
		jobs = append(jobs, job)
	}
	return jobs
}

// ScanQuery 把扫描配置转换为查询。
func ScanQuery(scan config.ScanConfig) (domain.Query, error) {
	if scan.PrincipalUSD < 0 {
		return domain.Query{}, xerrors.New(xerrors.CodeInvalidArgument, "principal_usd 不能为负")
	}
	q := domain.Query{
		UserID:        strings.TrimSpace(scan.UserID),
		RiskTolerance: domain.RiskTolerance(strings.ToLower(strings.TrimSpace(scan.RiskTolerance))),
		TimeBudget:    scan.TimeBudget,
		ChainID:       scan.Chain,
	}
	if scan.PrincipalUSD > 0 {
		q.PrincipalUSD = decimal.NewFromFloat(scan.PrincipalUSD)
	}
	for _, entry := range scan.Scope {
		q.Scope = append(q.Scope, domain.ScopeEntry{ProtocolID: entry.Protocol, PoolID: entry.Pool}.Normalize())
	}
	return q, nil
}

func scanName(scan config.ScanConfig) string {
	name := strings.TrimSpace(scan.Name)
	if name == "" {
		return "default"
	}
	return strings.ReplaceAll(strings.ToLower(name), " ", "-")
}
