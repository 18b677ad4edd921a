package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/device-posture-go/internal/domain"
)

const (
	writeWait = 10 * time.Second
	// queuedPoll 排队中的扫描还没有事件流，定期重新订阅
	queuedPoll = 500 * time.Millisecond
)

// StreamMessage 推送给客户端的消息
type StreamMessage struct {
	Type  string                `json:"type"`
	Event *domain.ProgressEvent `json:"event,omitempty"`
	Scan  *domain.ScanRecord    `json:"scan,omitempty"`
}

// StreamHandler 通过 WebSocket 推送扫描进度
type StreamHandler struct {
	scanService ScanService
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
}

// NewStreamHandler 创建进度推送处理器
func NewStreamHandler(scanService ScanService, logger *logrus.Logger) *StreamHandler {
	return &StreamHandler{
		scanService: scanService,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket 推送指定扫描的进度事件，扫描结束后发送最终记录并关闭
// GET /ws/scans/:id
func (h *StreamHandler) HandleWebSocket(c *gin.Context) {
	scanID := c.Param("id")
	if _, _, err := h.scanService.GetScan(c.Request.Context(), scanID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	log := h.logger.WithField("scan_id", scanID)
	log.Info("WebSocket client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 读循环只用于感知客户端断开
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).Warn("WebSocket error")
				}
				return
			}
		}
	}()

	record, err := h.stream(ctx, conn, scanID)
	if err != nil {
		log.WithError(err).Debug("WebSocket stream ended")
		return
	}

	if record != nil {
		h.write(conn, StreamMessage{Type: "scan_finished", Scan: record})
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	log.Info("WebSocket client disconnected")
}

// stream 转发事件直到扫描进入终态，返回最终记录
func (h *StreamHandler) stream(ctx context.Context, conn *websocket.Conn, scanID string) (*domain.ScanRecord, error) {
	for {
		events, unsubscribe := h.scanService.Subscribe(scanID)
		err := h.forward(ctx, conn, events)
		unsubscribe()
		if err != nil {
			return nil, err
		}

		record, _, err := h.scanService.GetScan(context.WithoutCancel(ctx), scanID)
		if err != nil {
			return nil, err
		}
		if record.Status.IsFinal() {
			return record, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(queuedPoll):
		}
	}
}

func (h *StreamHandler) forward(ctx context.Context, conn *websocket.Conn, events <-chan domain.ProgressEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := h.write(conn, StreamMessage{Type: string(ev.Type), Event: &ev}); err != nil {
				return err
			}
		}
	}
}

func (h *StreamHandler) write(conn *websocket.Conn, msg StreamMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.WithError(err).Warn("Failed to write to WebSocket client")
		return err
	}
	return nil
}
