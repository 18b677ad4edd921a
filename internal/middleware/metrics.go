package middleware

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`      // 当前分配的内存 (字节)
	Sys        uint64 `json:"sys"`        // 从系统获取的内存
	NumGC      uint32 `json:"num_gc"`     // GC 次数
	Goroutines int    `json:"goroutines"` // Goroutine 数量
	AllocMB    uint64 `json:"alloc_mb"`   // 当前分配 (MB)
}

// MemoryMonitor 定期采样运行时内存并写入 Prometheus
type MemoryMonitor struct {
	logger   *logrus.Logger
	metrics  *PrometheusMetrics
	interval time.Duration

	mu    sync.RWMutex
	stats MemoryStats
}

// NewMemoryMonitor 创建内存监控器，metrics 可为 nil
func NewMemoryMonitor(logger *logrus.Logger, metrics *PrometheusMetrics, interval time.Duration) *MemoryMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &MemoryMonitor{
		logger:   logger,
		metrics:  metrics,
		interval: interval,
	}
}

// Run 阻塞采样直到 ctx 结束
func (m *MemoryMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample 采样一次
func (m *MemoryMonitor) Sample() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{
		Alloc:      ms.Alloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc / 1024 / 1024,
	}

	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.UpdateMemoryStats(stats)
	}
	m.logger.WithFields(logrus.Fields{
		"alloc_mb":   stats.AllocMB,
		"num_gc":     stats.NumGC,
		"goroutines": stats.Goroutines,
	}).Debug("Memory stats")

	return stats
}

// GetStats 获取最近一次采样
func (m *MemoryMonitor) GetStats() MemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// MetricsEndpoint 返回内存统计的 JSON 端点
func (m *MemoryMonitor) MetricsEndpoint() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{
			"memory": m.GetStats(),
		})
	}
}
