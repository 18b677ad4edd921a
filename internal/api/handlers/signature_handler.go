package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/device-posture-go/internal/signature"
)

// SignatureStore 特征库
type SignatureStore interface {
	Stats() signature.Stats
	Reload(path string) error
}

// SignatureHandler 特征库处理器
type SignatureHandler struct {
	store  SignatureStore
	path   string
	onLoad func(signature.Stats)
	logger *logrus.Logger
}

// NewSignatureHandler 创建特征库处理器；onLoad 在重载成功后调用，可为空
func NewSignatureHandler(store SignatureStore, path string, onLoad func(signature.Stats), logger *logrus.Logger) *SignatureHandler {
	return &SignatureHandler{store: store, path: path, onLoad: onLoad, logger: logger}
}

// GetStats 各类规则数量
// GET /api/signatures/stats
func (h *SignatureHandler) GetStats(c *gin.Context) {
	stats := h.store.Stats()
	c.JSON(http.StatusOK, gin.H{
		"rules": stats,
		"total": stats.Total(),
		"path":  h.path,
	})
}

// Reload 重新加载规则文件
// POST /api/signatures/reload
func (h *SignatureHandler) Reload(c *gin.Context) {
	if h.path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no signature file configured"})
		return
	}
	if err := h.store.Reload(h.path); err != nil {
		h.logger.WithError(err).WithField("path", h.path).Warn("Signature reload rejected")
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	stats := h.store.Stats()
	if h.onLoad != nil {
		h.onLoad(stats)
	}
	c.JSON(http.StatusOK, gin.H{"rules": stats, "total": stats.Total()})
}
