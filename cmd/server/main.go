package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/apk-analysis/device-posture-go/internal/api"
	"github.com/apk-analysis/device-posture-go/internal/config"
	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/middleware"
	"github.com/apk-analysis/device-posture-go/internal/queue"
	"github.com/apk-analysis/device-posture-go/internal/repository"
	"github.com/apk-analysis/device-posture-go/internal/scan"
	"github.com/apk-analysis/device-posture-go/internal/service"
	"github.com/apk-analysis/device-posture-go/internal/signature"
	"github.com/apk-analysis/device-posture-go/internal/source"
	"github.com/apk-analysis/device-posture-go/internal/watcher"
	"github.com/apk-analysis/device-posture-go/internal/worker"
)

var (
	Version   = api.Version
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("Device Posture Scanner\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	configPath := flag.String("config", "./configs/config.yaml", "config file path")
	flag.Parse()

	// 2. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting device posture scanner %s", Version)
	logger.Infof("Config loaded from: %s", *configPath)

	// 进程级 context，收到退出信号时取消
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. 初始化数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")

	// 5. 初始化 Prometheus 指标和内存监控
	promMetrics := middleware.NewPrometheusMetrics(logger, "device_posture", nil)
	memMonitor := middleware.NewMemoryMonitor(logger, promMetrics, 30*time.Second)
	go memMonitor.Run(ctx)
	logger.Info("Prometheus metrics and memory monitor initialized")

	// 6. 加载特征库，可选监控规则文件变化
	fs := afero.NewOsFs()
	store, err := signature.NewStore(fs, logger)
	if err != nil {
		logger.Fatalf("Failed to build signature store: %v", err)
	}
	if cfg.Signatures.Path != "" {
		if err := store.Reload(cfg.Signatures.Path); err != nil {
			// 规则文件有误时继续使用内置规则
			logger.WithError(err).WithField("path", cfg.Signatures.Path).Warn("Failed to load signature file, using built-in rules")
		}
	}
	promMetrics.UpdateSignatureStats(store.Stats())

	if cfg.Signatures.Path != "" && cfg.Signatures.Watch {
		fileWatcher, err := watcher.NewFileWatcher(cfg.Signatures.Path, cfg.Signatures.Debounce(), createReloadHandler(store, promMetrics, logger), logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to create signature watcher, hot reload disabled")
		} else {
			fileWatcher.Start(ctx)
			defer fileWatcher.Stop()
		}
	}

	// 7. 组装设备数据源
	src, err := source.Build(cfg, fs, logger)
	if err != nil {
		logger.Fatalf("Failed to build device source: %v", err)
	}
	var device api.DeviceStatus
	if src.Client != nil {
		device = src.Client
		// 设备暂时不可用时不阻塞启动，由健康检查负责重连
		if err := src.Client.Connect(ctx); err != nil {
			logger.WithError(err).WithField("target", src.Client.Target()).Warn("Device not connected at startup")
		} else {
			logger.WithField("target", src.Client.Target()).Info("Device connected")
		}
		if interval := cfg.ADB.HealthCheckInterval(); interval > 0 {
			go src.Client.ConnectionManager().StartHealthCheck(ctx, interval, src.Client.Target())
			logger.WithField("interval", interval.String()).Info("ADB connection health check started")
		}
	}

	// 8. 初始化扫描编排器
	orchestrator := scan.NewOrchestrator(src.Providers, store, logger,
		scan.WithMetrics(promMetrics),
		scan.WithNetworkOptions(cfg.Scan.NetworkOptions()),
	)

	// 9. 初始化 Worker Pool
	workerPool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, logger)

	// 10. 选择派发方式：有 RabbitMQ 时经队列派发，否则直接进入 Worker Pool
	var (
		dispatcher service.Dispatcher = workerPool
		mq         *queue.RabbitMQ
	)
	if cfg.RabbitMQ.Enabled() {
		// prefetch = worker 数量，以支持并行消费
		mq, err = queue.NewRabbitMQ(queue.Options{
			URL:      cfg.RabbitMQ.URL(),
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.Worker.Concurrency,
		}, logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}
		defer mq.Close()
		dispatcher = queue.NewProducer(mq, logger)
		logger.WithField("prefetch_count", cfg.Worker.Concurrency).Info("RabbitMQ connected successfully")
	}

	// 11. 初始化扫描服务并启动 Worker Pool
	defaultDepth, _ := domain.ParseScanDepth(cfg.Scan.DefaultDepth) // 已在配置加载时校验
	scanService := service.NewScanService(repository.NewScanRepository(db, logger), orchestrator, dispatcher, service.Options{
		DeviceID:     src.DeviceID,
		DefaultDepth: defaultDepth,
		FileSystem:   src.FileSystem,
		Metrics:      promMetrics,
	}, logger)

	workerPool.Start(ctx, scanService)
	defer workerPool.Stop()
	logger.Infof("Worker pool started with %d workers", cfg.Worker.Concurrency)

	go reportPoolStats(ctx, workerPool, promMetrics)

	// 12. 重新派发中断的扫描（以数据库为准重建队列，先于消费者启动）
	if err := requeueInterrupted(ctx, scanService, mq, logger); err != nil {
		logger.WithError(err).Warn("Failed to requeue interrupted scans")
	}

	// 12.1 启动扫描消费者 (从 RabbitMQ 读取扫描并提交到 Worker Pool)
	consumerDone := make(chan struct{})
	if mq != nil {
		consumer := queue.NewConsumer(mq, createScanHandler(workerPool, logger), cfg.Worker.Concurrency, logger)
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil {
				logger.WithError(err).Error("Scan consumer stopped")
			}
		}()
		logger.Infof("Scan consumer started with %d workers", cfg.Worker.Concurrency)
	} else {
		close(consumerDone)
	}

	// 13. 设置 HTTP Server
	router := api.SetupRouter(cfg, logger, api.Deps{
		Scans:         scanService,
		Signatures:    store,
		SignaturePath: cfg.Signatures.Path,
		Metrics:       promMetrics,
		Memory:        memMonitor,
		Device:        device,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket 长连接
		IdleTimeout:  120 * time.Second,
	}

	// 14. 启动 HTTP Server
	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 15. 等待中断信号
	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	// 16. 优雅关闭 (30秒超时)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		logger.Warn("Timed out waiting for scan consumer")
	}

	if src.Client != nil {
		if err := src.Client.Disconnect(shutdownCtx); err != nil {
			logger.WithError(err).Debug("ADB disconnect failed")
		}
	}

	sqlDB, _ := db.DB()
	sqlDB.Close()

	logger.Info("Server stopped")
}

// createScanHandler 把 RabbitMQ 消息提交到 Worker Pool 并等待完成，完成后消息才被确认
func createScanHandler(workerPool *worker.Pool, logger *logrus.Logger) queue.ScanHandler {
	return func(ctx context.Context, msg *queue.ScanMessage) error {
		logger.WithFields(logrus.Fields{
			"scan_id": msg.ScanID,
			"depth":   msg.Depth,
		}).Info("Received scan from RabbitMQ, submitting to worker pool")

		if err := workerPool.SubmitAndWait(ctx, msg.Job()); err != nil {
			logger.WithError(err).WithField("scan_id", msg.ScanID).Error("Scan execution failed")
			return err
		}
		return nil
	}
}

// createReloadHandler 规则文件变化后重新加载特征库
func createReloadHandler(store *signature.Store, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) watcher.ReloadHandler {
	return func(ctx context.Context, filePath string) error {
		if err := store.Reload(filePath); err != nil {
			return err
		}
		stats := store.Stats()
		metrics.UpdateSignatureStats(stats)
		logger.WithFields(logrus.Fields{
			"path":    filePath,
			"version": stats.Version,
			"rules":   stats.Total(),
		}).Info("Signature file reloaded")
		return nil
	}
}

// requeueInterrupted 服务重启后重新派发 queued/running 的扫描。
// 使用 RabbitMQ 时先清空队列，避免残留消息重复投递
func requeueInterrupted(ctx context.Context, svc *service.ScanService, mq *queue.RabbitMQ, logger *logrus.Logger) error {
	if mq != nil {
		purged, err := mq.Purge()
		if err != nil {
			logger.WithError(err).Warn("Failed to purge queue, continuing with requeue...")
		} else if purged > 0 {
			logger.WithField("purged_count", purged).Info("Cleared stale messages from queue")
		}
	}

	_, err := svc.Requeue(ctx)
	return err
}

// reportPoolStats 定期更新 Worker Pool 指标
func reportPoolStats(ctx context.Context, pool *worker.Pool, metrics *middleware.PrometheusMetrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.UpdateWorkerPoolStats(pool.Size(), pool.Active(), pool.QueueSize())
		}
	}
}
