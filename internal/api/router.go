package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/device-posture-go/internal/api/handlers"
	"github.com/apk-analysis/device-posture-go/internal/config"
	"github.com/apk-analysis/device-posture-go/internal/middleware"
	"github.com/apk-analysis/device-posture-go/internal/signature"
)

// Version 服务版本
const Version = "1.0.0"

// DeviceStatus 被扫描设备的连接状态
type DeviceStatus interface {
	Target() string
	IsConnected(ctx context.Context) bool
}

// Deps 路由依赖
type Deps struct {
	Scans         handlers.ScanService
	Signatures    handlers.SignatureStore
	SignaturePath string
	Metrics       *middleware.PrometheusMetrics // 可为空
	Memory        *middleware.MemoryMonitor     // 可为空
	Device        DeviceStatus                  // 快照或本机模式下为空
}

func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps Deps) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
	}

	scanHandler := handlers.NewScanHandler(deps.Scans, logger)
	streamHandler := handlers.NewStreamHandler(deps.Scans, logger)

	var onLoad func(signature.Stats)
	if deps.Metrics != nil {
		onLoad = deps.Metrics.UpdateSignatureStats
	}
	signatureHandler := handlers.NewSignatureHandler(deps.Signatures, deps.SignaturePath, onLoad, logger)

	r.GET("/ws/scans/:id", streamHandler.HandleWebSocket)

	if deps.Memory != nil {
		r.GET("/metrics", deps.Memory.MetricsEndpoint())
	}
	if deps.Metrics != nil {
		r.GET("/metrics/prometheus", deps.Metrics.Handler())
	}

	v1 := r.Group("/api")
	{
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"version": Version,
			})
		})

		v1.GET("/device", func(c *gin.Context) {
			if deps.Device == nil {
				c.JSON(http.StatusOK, gin.H{"mode": "offline"})
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"mode":      "adb",
				"target":    deps.Device.Target(),
				"connected": deps.Device.IsConnected(c.Request.Context()),
			})
		})

		v1.GET("/stats", scanHandler.GetStats)

		v1.POST("/scans", scanHandler.CreateScan)
		v1.GET("/scans", scanHandler.ListScans)
		v1.GET("/scans/:id", scanHandler.GetScan)
		v1.POST("/scans/:id/cancel", scanHandler.CancelScan)
		v1.DELETE("/scans/:id", scanHandler.DeleteScan)

		v1.GET("/signatures/stats", signatureHandler.GetStats)
		v1.POST("/signatures/reload", signatureHandler.Reload)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
