package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/repository"
	"github.com/apk-analysis/device-posture-go/internal/service"
	"github.com/apk-analysis/device-posture-go/internal/worker"
)

// ScanService 处理器依赖的扫描服务
type ScanService interface {
	CreateScan(ctx context.Context, req service.CreateScanRequest) (*domain.ScanRecord, error)
	GetScan(ctx context.Context, id string) (*domain.ScanRecord, *domain.ScanReport, error)
	ListScans(ctx context.Context, filter repository.ListFilter) ([]*domain.ScanRecord, int64, error)
	StatusCounts(ctx context.Context) (map[domain.ScanStatus]int64, int64, error)
	CancelScan(ctx context.Context, id string) error
	DeleteScan(ctx context.Context, id string) error
	Subscribe(id string) (<-chan domain.ProgressEvent, func())
}

// ScanHandler 扫描处理器
type ScanHandler struct {
	scanService ScanService
	logger      *logrus.Logger
}

// NewScanHandler 创建扫描处理器实例
func NewScanHandler(scanService ScanService, logger *logrus.Logger) *ScanHandler {
	return &ScanHandler{
		scanService: scanService,
		logger:      logger,
	}
}

// ScanDetail 记录与完整报告
type ScanDetail struct {
	*domain.ScanRecord
	Report *domain.ScanReport `json:"report,omitempty"`
}

// CreateScan 新建扫描
// POST /api/scans {"depth": "FULL", "filesystem": true}
func (h *ScanHandler) CreateScan(c *gin.Context) {
	var req service.CreateScanRequest
	// 允许空 body
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	record, err := h.scanService.CreateScan(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err, "Failed to create scan")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"scan_id": record.ID,
		"status":  record.Status,
		"depth":   record.Depth,
	})
}

// ListScans 获取扫描列表
// GET /api/scans?page=1&page_size=20&status=completed&device_id=xxx
func (h *ScanHandler) ListScans(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}

	filter := repository.ListFilter{
		Page:     page,
		PageSize: pageSize,
		Status:   domain.ScanStatus(c.Query("status")),
		DeviceID: c.Query("device_id"),
	}

	scans, total, err := h.scanService.ListScans(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err, "Failed to list scans")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scans":     scans,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetScan 获取扫描详情，完成后包含报告
// GET /api/scans/:id
func (h *ScanHandler) GetScan(c *gin.Context) {
	record, report, err := h.scanService.GetScan(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to get scan")
		return
	}
	c.JSON(http.StatusOK, ScanDetail{ScanRecord: record, Report: report})
}

// CancelScan 取消扫描
// POST /api/scans/:id/cancel
func (h *ScanHandler) CancelScan(c *gin.Context) {
	id := c.Param("id")
	if err := h.scanService.CancelScan(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "Failed to cancel scan")
		return
	}
	c.JSON(http.StatusOK, gin.H{"scan_id": id, "message": "cancellation requested"})
}

// DeleteScan 删除扫描
// DELETE /api/scans/:id
func (h *ScanHandler) DeleteScan(c *gin.Context) {
	id := c.Param("id")
	if err := h.scanService.DeleteScan(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "Failed to delete scan")
		return
	}
	c.Status(http.StatusNoContent)
}

// GetStats 各状态扫描数量
// GET /api/stats
func (h *ScanHandler) GetStats(c *gin.Context) {
	counts, total, err := h.scanService.StatusCounts(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to get scan statistics")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":    total,
		"by_state": counts,
	})
}

// respondError 按错误类型映射 HTTP 状态码
func (h *ScanHandler) respondError(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrScanNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrScanFinished):
		status = http.StatusConflict
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolStopped):
		status = http.StatusServiceUnavailable
	}

	entry := h.logger.WithError(err).WithField("path", c.FullPath())
	if status == http.StatusInternalServerError {
		entry.Error(msg)
	} else {
		entry.Debug(msg)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
