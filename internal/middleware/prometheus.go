package middleware

import (
	"strconv"
	"time"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/signature"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger   *logrus.Logger
	gatherer prometheus.Gatherer

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 扫描指标
	scansTotal      *prometheus.CounterVec
	scansInProgress prometheus.Gauge
	scanDuration    *prometheus.HistogramVec
	scanScore       prometheus.Histogram
	phaseTotal      *prometheus.CounterVec
	phaseDuration   *prometheus.HistogramVec
	findingsTotal   *prometheus.CounterVec

	// 特征库
	signatureRules *prometheus.GaugeVec

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolActive    prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器，reg 为 nil 时注册到默认 registry
func NewPrometheusMetrics(logger *logrus.Logger, namespace string, reg *prometheus.Registry) *PrometheusMetrics {
	if namespace == "" {
		namespace = "device_posture"
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	pm := &PrometheusMetrics{
		logger:   logger,
		gatherer: gatherer,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		scansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Finished scans by overall risk level",
			},
			[]string{"level"}, // SECURE..CRITICAL, cancelled
		),
		scansInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scans_in_progress",
				Help:      "Number of scans currently running",
			},
		),
		scanDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_seconds",
				Help:      "Scan duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		scanScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_overall_score",
				Help:      "Distribution of overall risk scores",
				Buckets:   []float64{0, 20, 40, 60, 80, 100},
			},
		),
		phaseTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scan_phases_total",
				Help:      "Scan phases by terminal status",
			},
			[]string{"phase", "status"},
		),
		phaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_phase_duration_seconds",
				Help:      "Scan phase duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"phase"},
		),
		findingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_total",
				Help:      "Findings reported by severity",
			},
			[]string{"severity"},
		),

		signatureRules: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "signature_rules",
				Help:      "Number of active signature rules by kind",
			},
			[]string{"kind"},
		),

		memoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		workerPoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Total number of workers in the pool",
			},
		),
		workerPoolActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_active",
				Help:      "Number of workers running a scan",
			},
		),
		workerPoolQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of scans waiting in the pool",
			},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(pm.gatherer, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// ObservePhase 记录阶段结束状态与耗时
func (pm *PrometheusMetrics) ObservePhase(phase domain.PhaseID, status domain.PhaseStatus, duration time.Duration) {
	pm.phaseTotal.WithLabelValues(string(phase), string(status)).Inc()
	pm.phaseDuration.WithLabelValues(string(phase)).Observe(duration.Seconds())
}

// ObserveScan 记录一次扫描的汇总结果
func (pm *PrometheusMetrics) ObserveScan(report *domain.ScanReport) {
	level := string(report.OverallLevel)
	if report.Cancelled {
		level = "cancelled"
	}
	pm.scansTotal.WithLabelValues(level).Inc()
	pm.scanScore.Observe(float64(report.OverallScore))

	for _, f := range report.AllFindings() {
		pm.findingsTotal.WithLabelValues(f.Severity.String()).Inc()
	}
}

// RecordScanStarted 扫描开始
func (pm *PrometheusMetrics) RecordScanStarted() {
	pm.scansInProgress.Inc()
}

// RecordScanFinished 扫描结束（任何终态）
func (pm *PrometheusMetrics) RecordScanFinished(status domain.ScanStatus, duration time.Duration) {
	pm.scansInProgress.Dec()
	pm.scanDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// UpdateSignatureStats 更新特征库规则数量
func (pm *PrometheusMetrics) UpdateSignatureStats(stats signature.Stats) {
	pm.signatureRules.WithLabelValues("known_bad_packages").Set(float64(stats.KnownBadPackages))
	pm.signatureRules.WithLabelValues("hash_prefixes").Set(float64(stats.HashPrefixes))
	pm.signatureRules.WithLabelValues("name_patterns").Set(float64(stats.NamePatterns))
	pm.signatureRules.WithLabelValues("permission_combos").Set(float64(stats.PermissionCombos))
	pm.signatureRules.WithLabelValues("dangerous_apps").Set(float64(stats.DangerousApps))
	pm.signatureRules.WithLabelValues("suspicious_files").Set(float64(stats.SuspiciousFiles))
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, active, queueSize int) {
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolActive.Set(float64(active))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}
