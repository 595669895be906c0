package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"YieldScout/internal/domain"
	"YieldScout/internal/job"
	"YieldScout/pkg/logger"
)

// Metrics 持有 YieldScout 的全部指标，注册在独立的 Registry 上。
type Metrics struct {
	registry *prometheus.Registry

	queries       *prometheus.CounterVec
	queryDuration prometheus.Histogram
	providerFetch *prometheus.CounterVec
	taskNodes     *prometheus.CounterVec
}

// New 创建指标集合并注册 Go 运行时与进程指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yieldscout_queries_total",
				Help: "Total number of finished queries",
			},
			[]string{"status"}, // done|partial|failed
		),
		queryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "yieldscout_query_duration_seconds",
				Help:    "Query wall-clock duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		providerFetch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yieldscout_provider_fetch_total",
				Help: "Total number of provider adapter calls",
			},
			[]string{"provider", "outcome"}, // ok|failed|timeout
		),
		taskNodes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yieldscout_task_nodes_total",
				Help: "Total number of task graph nodes reaching a terminal state",
			},
			[]string{"kind", "status"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queries,
		m.queryDuration,
		m.providerFetch,
		m.taskNodes,
	)
	return m
}

// Registry 返回底层 Registry，供测试与 HTTP 端点使用。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveProviderFetch 记录一次数据源调用，实现 collector.Observer。
func (m *Metrics) ObserveProviderFetch(providerID string, outcome domain.ProviderOutcome) {
	m.providerFetch.WithLabelValues(providerID, string(outcome)).Inc()
}

// ObserveNode 记录一个任务节点的终态，实现 orchestrator.Observer。
func (m *Metrics) ObserveNode(kind, state string) {
	m.taskNodes.WithLabelValues(kind, state).Inc()
}

// ObserveQuery 记录查询结果与耗时，实现 orchestrator.Observer。
func (m *Metrics) ObserveQuery(status domain.QueryStatus, elapsed time.Duration) {
	m.queries.WithLabelValues(string(status)).Inc()
	m.queryDuration.Observe(elapsed.Seconds())
}

// JobStatsSource 提供任务统计，job.Service 实现了该接口。
type JobStatsSource interface {
	Stats(ctx context.Context, opts ...job.ListOption) (job.Stats, error)
}

var _ JobStatsSource = (*job.Service)(nil)

// RegisterJobStats 注册在每次抓取时读取任务统计的采集器。
func (m *Metrics) RegisterJobStats(source JobStatsSource) error {
	return m.registry.Register(newJobCollector(source))
}

// jobCollector 在抓取时查询任务存储，导出各状态的任务数量。
type jobCollector struct {
	source  JobStatsSource
	timeout time.Duration
	jobs    *prometheus.Desc
	partial *prometheus.Desc
}

func newJobCollector(source JobStatsSource) *jobCollector {
	return &jobCollector{
		source:  source,
		timeout: 2 * time.Second,
		jobs: prometheus.NewDesc(
			"yieldscout_jobs",
			"Number of query jobs by status",
			[]string{"status"}, nil,
		),
		partial: prometheus.NewDesc(
			"yieldscout_jobs_partial_results",
			"Number of jobs whose stored result is partial",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *jobCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.partial
}

// Collect implements prometheus.Collector.
func (c *jobCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.source.Stats(ctx)
	if err != nil {
		logger.Named("metrics").Warn("读取任务统计失败", slog.Any("error", err))
		return
	}
	for status, count := range map[job.Status]int{
		job.StatusPending:   stats.Pending,
		job.StatusRunning:   stats.Running,
		job.StatusSucceeded: stats.Succeeded,
		job.StatusFailed:    stats.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(count), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.partial, prometheus.GaugeValue, float64(stats.Partial))
}
