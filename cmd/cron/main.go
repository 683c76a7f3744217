package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"license-service/internal/biz"
	"license-service/internal/conf"
	"license-service/internal/metrics"

	"github.com/gaoyong06/go-pkg/logger"
	"github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/config/file"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
	_ "go.uber.org/automaxprocs"
)

// 默认每 5 分钟对账一次
const defaultReconcileSpec = "0 */5 * * * *"

var (
	flagconf string
	flagonce bool
)

func init() {
	flag.StringVar(&flagconf, "conf", "../../configs/config.yaml", "config path, eg: -conf config.yaml")
	flag.BoolVar(&flagonce, "once", false, "run reconciliation once and exit")
}

func main() {
	flag.Parse()

	// 初始化配置
	c := config.New(
		config.WithSource(
			file.NewSource(flagconf),
		),
	)
	defer c.Close()

	if err := c.Load(); err != nil {
		panic(err)
	}

	var bc conf.Bootstrap
	if err := c.Scan(&bc); err != nil {
		panic(err)
	}
	if err := conf.ApplyEnv(&bc); err != nil {
		panic(err)
	}

	// 初始化日志 (使用 go-pkg/logger)
	logConfig := &logger.Config{
		Level:         "info",
		Format:        "json",
		Output:        "stdout",
		FilePath:      "logs/license-cron.log",
		MaxSize:       100,
		MaxAge:        30,
		MaxBackups:    10,
		Compress:      true,
		EnableConsole: true,
	}

	loggerInstance := logger.NewLogger(logConfig)

	// 添加基本字段
	loggerInstance = log.With(loggerInstance,
		"ts", log.DefaultTimestamp,
		"caller", log.DefaultCaller,
		"service.name", "license-cron",
	)

	logHelper := log.NewHelper(loggerInstance)
	metrics.InitMetrics()

	// 初始化应用
	app, cleanup, err := wireApp(&bc, loggerInstance)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	if flagonce {
		app.reconcile(logHelper)
		return
	}

	spec := defaultReconcileSpec
	if bc.Reconcile != nil && bc.Reconcile.Cron != "" {
		spec = bc.Reconcile.Cron
	}

	// 创建定时任务调度器（支持秒级调度）；上一轮未结束时跳过本轮
	cronScheduler := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	// 退款对账
	_, err = cronScheduler.AddFunc(spec, func() {
		app.reconcile(logHelper)
	})
	if err != nil {
		logHelper.Errorf("Failed to add reconcile job: %v", err)
		return
	}

	// 启动定时任务
	cronScheduler.Start()
	logHelper.Info("========================================")
	logHelper.Info("Cron jobs started successfully")
	logHelper.Info("Scheduled jobs:")
	logHelper.Infof("  - Refund reconciliation: %s", spec)
	logHelper.Info("========================================")

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logHelper.Info("Shutting down gracefully...")

	// 停止定时任务，等待正在执行的对账结束
	ctx := cronScheduler.Stop()
	select {
	case <-ctx.Done():
		logHelper.Info("Cron jobs stopped gracefully")
	case <-time.After(30 * time.Second):
		logHelper.Info("Cron jobs forced to stop after timeout")
	}
}

// CronApp Cron 应用结构
type CronApp struct {
	reconcileUsecase *biz.ReconcileUseCase
}

// reconcile 执行一轮对账，超时由 ReconcileUseCase 按配置控制
func (a *CronApp) reconcile(logHelper *log.Helper) {
	logHelper.Info("[CRON] Starting refund reconciliation...")
	report, err := a.reconcileUsecase.Run(context.Background())
	if err != nil {
		logHelper.Errorf("[CRON] Error reconciling refunds: %v", err)
	}
	if report == nil {
		return
	}
	if report.Skipped {
		logHelper.Info("[CRON] Reconciliation skipped, another instance is running")
		return
	}
	logHelper.Infof("[CRON] Finished refund reconciliation: processed=%d, succeeded=%d, manual_review=%d, retry_scheduled=%d, escalated=%d",
		report.Processed, report.Succeeded, report.ManualReview, report.RetryScheduled, report.Escalated)
}
