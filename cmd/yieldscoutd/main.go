package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/time/rate"

	"YieldScout/internal/analysis"
	"YieldScout/internal/collector"
	"YieldScout/internal/config"
	"YieldScout/internal/gas"
	"YieldScout/internal/job"
	"YieldScout/internal/observability/alerting"
	"YieldScout/internal/observability/metrics"
	"YieldScout/internal/optimizer"
	"YieldScout/internal/orchestrator"
	"YieldScout/internal/portfolio"
	"YieldScout/internal/provider"
	"YieldScout/internal/provider/aave"
	"YieldScout/internal/provider/coingecko"
	"YieldScout/internal/provider/defillama"
	"YieldScout/internal/provider/static"
	"YieldScout/internal/storage/mysql"
	"YieldScout/pkg/logger"
)

// main 是 YieldScout 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("yieldscoutd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("YIELDSCOUT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "yieldscout.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		AddSource:   cfg.Logging.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("daemon")

	m := metrics.New()

	prices := coingecko.New(coingecko.Config{
		BaseURL:  cfg.Pricing.CoinGeckoURL,
		APIKey:   cfg.Pricing.CoinGeckoAPIKey,
		CacheTTL: cfg.Pricing.CacheTTL,
		// 公共接口每分钟约 30 次调用。
		RateLimit: rate.Limit(0.5),
	})

	// 数据源与可选的共享响应缓存。
	var buildOpts []provider.BuildOption
	if cfg.Cache.Enabled {
		cache, err := provider.NewRedisCache(ctx, provider.RedisCacheConfig{
			Address:   cfg.Cache.Redis.Address,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			KeyPrefix: cfg.Cache.KeyPrefix,
		})
		if err != nil {
			return err
		}
		defer cache.Close()
		buildOpts = append(buildOpts, provider.WithResponseCache(cache))
	}

	registry, err := provider.Build(ctx, cfg.Providers, map[string]provider.Factory{
		"defillama": defillama.Factory,
		"aave":      aave.NewFactory(prices),
		"static":    static.Factory,
	}, buildOpts...)
	if err != nil {
		return err
	}
	defer registry.Close()

	estimator, err := gas.Dial(ctx, cfg.Gas, prices)
	if err != nil {
		return err
	}
	defer estimator.Close()

	analyzer, err := analysis.New(cfg.Scoring)
	if err != nil {
		return err
	}
	defer analyzer.Close()

	opt := optimizer.New(cfg.Optimizer)

	coll := collector.New(registry, collector.Config{
		ProviderTimeout: cfg.Orchestrator.ProviderTimeout,
		FanoutLimit:     cfg.Orchestrator.FanoutLimit,
	}, collector.WithObserver(m))

	positionStore, err := openPositionStore(ctx, cfg.Storage.PositionStore)
	if err != nil {
		return err
	}
	defer positionStore.Close()
	tracker := portfolio.NewTracker(positionStore, analyzer)

	orch, err := orchestrator.New(orchestrator.Components{
		Collector: coll,
		Analyzer:  analyzer,
		Optimizer: opt,
		Gas:       estimator,
		Portfolio: tracker,
	}, orchestrator.ConfigFrom(cfg), orchestrator.WithObserver(m))
	if err != nil {
		return err
	}

	jobStore, err := openJobStore(ctx, cfg.Storage.TaskStore)
	if err != nil {
		return err
	}
	queue, err := job.NewQueue(cfg.TaskQueue)
	if err != nil {
		_ = jobStore.Close()
		return err
	}

	service := job.NewService(jobStore, queue, cfg.Storage.TaskStore.Retries, job.WithPreparer(orch))
	defer func() {
		if err := service.Close(); err != nil {
			lg.Warn("关闭查询服务失败", slog.Any("error", err))
		}
	}()
	if err := m.RegisterJobStats(service); err != nil {
		return fmt.Errorf("注册任务指标失败: %w", err)
	}

	processor := job.NewProcessor(orch, jobStore, queue, queue,
		job.WithWorkerCount(cfg.TaskQueue.Worker),
		job.WithAlertDispatcher(buildAlerts(cfg.Alerting)),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("查询处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			if err := m.StartServer(ctx, cfg.Metrics.Address); err != nil {
				lg.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	if len(cfg.Scheduler.Scans) > 0 {
		scheduler := job.NewScheduler(service, cfg.Scheduler)
		go func() {
			if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("定时扫描异常退出", slog.Any("error", err))
			}
		}()
	}

	lg.Info("yieldscoutd 已启动",
		slog.String("queue", cfg.TaskQueue.Driver),
		slog.String("task_store", cfg.Storage.TaskStore.Driver),
		slog.Any("providers", registry.IDs()),
	)
	<-ctx.Done()
	lg.Info("yieldscoutd 正在退出")
	return nil
}

func openPositionStore(ctx context.Context, cfg config.StoreConfig) (portfolio.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return portfolio.NewMemoryStore(), nil
	case "mysql":
		db, err := mysql.OpenAndMigrate(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return portfolio.NewMySQLStore(db), nil
	default:
		return nil, fmt.Errorf("未知的持仓存储驱动: %s", cfg.Driver)
	}
}

func openJobStore(ctx context.Context, cfg config.StoreConfig) (job.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return job.NewMemoryStore(), nil
	case "mysql":
		db, err := mysql.OpenAndMigrate(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return job.NewMySQLStore(db), nil
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Driver)
	}
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.LogEnabled {
		notifiers = append(notifiers, &alerting.LogNotifier{Logger: logger.Named("alert")})
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout))
	}
	return alerting.NewFanout(notifiers...)
}
