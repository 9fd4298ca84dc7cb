package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/taskmgr818/frame-relay/internal/blob"
	"github.com/taskmgr818/frame-relay/internal/model"
	"github.com/taskmgr818/frame-relay/internal/queue"
	"github.com/taskmgr818/frame-relay/internal/service"
	"github.com/taskmgr818/frame-relay/internal/ws"
	"go.uber.org/zap"
)

// FrameAPI serves stored frames and results.
type FrameAPI interface {
	Result(ctx context.Context, frameID string) (*model.InferenceResult, error)
	Blob(ctx context.Context, key string) ([]byte, blob.Meta, error)
}

// QueueCounter reports queue depths.
type QueueCounter interface {
	Counts(ctx context.Context, name string) (queue.Counts, error)
}

// Publisher puts operator events on the result bus.
type Publisher interface {
	PublishTelemetry(ctx context.Context, ev *model.TelemetryEvent) (int64, error)
	PublishBroadcast(ctx context.Context, ev *model.BroadcastEvent) (int64, error)
}

// Handler holds HTTP/WS endpoint handlers.
type Handler struct {
	manager  *ws.Manager
	frames   FrameAPI
	queues   QueueCounter
	bus      Publisher
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the handler set.
func NewHandler(manager *ws.Manager, frames FrameAPI, queues QueueCounter, bus Publisher, logger *zap.Logger) *Handler {
	return &Handler{
		manager: manager,
		frames:  frames,
		queues:  queues,
		bus:     bus,
		logger:  logger.Named("handler"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers all routes on the Gin engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", h.WebSocket)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		api.GET("/health", h.Health)
		api.GET("/queues", h.Queues)
		api.GET("/frames/:id/result", h.FrameResult)
		api.GET("/blobs/:key", h.Blob)
		api.POST("/telemetry", h.Telemetry)
		api.POST("/broadcast", h.Broadcast)
	}
}

// ─────────────────────────────────────────────
// GET /ws
// ─────────────────────────────────────────────

// WebSocket upgrades the connection and serves it until it closes.
// Query: sessionId resumes a live session; an unknown or ended id gets a new one.
func (h *Handler) WebSocket(c *gin.Context) {
	if h.manager.Closing() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": ws.ErrShuttingDown.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	meta := map[string]string{
		"userAgent":  c.Request.UserAgent(),
		"remoteAddr": c.ClientIP(),
	}
	client, err := h.manager.Accept(conn, c.Query("sessionId"), meta)
	if err != nil {
		// shutdown began after the upgrade
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(ws.CloseShuttingDown, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	// the request context is cancelled once the handler returns, so the
	// connection outlives it on its own background context
	h.manager.Serve(context.Background(), client)
}

// ─────────────────────────────────────────────
// GET /api/v1/health
// ─────────────────────────────────────────────

// Health returns basic server health info.
func (h *Handler) Health(c *gin.Context) {
	status := "ok"
	if h.manager.Closing() {
		status = "shutting_down"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"connections": h.manager.ConnectionCount(),
		"sessions":    h.manager.Sessions().SessionCount(),
	})
}

// ─────────────────────────────────────────────
// GET /api/v1/queues
// ─────────────────────────────────────────────

// Queues returns the depth of every pipeline queue.
func (h *Handler) Queues(c *gin.Context) {
	out := make(gin.H, 2)
	for _, name := range []string{model.QueueIngest, model.QueueInference} {
		counts, err := h.queues.Counts(c.Request.Context(), name)
		if err != nil {
			h.logger.Error("queue counts", zap.String("queue", name), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "queue unavailable"})
			return
		}
		out[name] = counts
	}
	c.JSON(http.StatusOK, out)
}

// ─────────────────────────────────────────────
// GET /api/v1/frames/:id/result
// ─────────────────────────────────────────────

// FrameResult returns the stored result of a frame. 202 means the frame is
// known but not scored yet.
func (h *Handler) FrameResult(c *gin.Context) {
	frameID := c.Param("id")
	r, err := h.frames.Result(c.Request.Context(), frameID)
	switch {
	case errors.Is(err, service.ErrFrameNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, service.ErrNoResult):
		c.JSON(http.StatusAccepted, gin.H{"frameId": frameID, "status": "pending"})
		return
	case err != nil:
		h.logger.Error("load result", zap.String("frame_id", frameID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
		return
	}
	c.JSON(http.StatusOK, r)
}

// ─────────────────────────────────────────────
// GET /api/v1/blobs/:key
// ─────────────────────────────────────────────

// Blob serves a stored frame payload. The scorer fetches frames from here.
func (h *Handler) Blob(c *gin.Context) {
	data, meta, err := h.frames.Blob(c.Request.Context(), c.Param("key"))
	if errors.Is(err, blob.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("load blob", zap.String("key", c.Param("key")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load blob"})
		return
	}
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Data(http.StatusOK, meta.MIME, data)
}

// ─────────────────────────────────────────────
// POST /api/v1/telemetry
// ─────────────────────────────────────────────

// Telemetry publishes a sensor update. Without sessionId it reaches every
// connection in the cluster.
func (h *Handler) Telemetry(c *gin.Context) {
	var ev model.TelemetryEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ev.Sensor == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sensor is required"})
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	receivers, err := h.bus.PublishTelemetry(c.Request.Context(), &ev)
	if err != nil {
		h.logger.Error("publish telemetry", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "bus unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"receivers": receivers})
}

// ─────────────────────────────────────────────
// POST /api/v1/broadcast
// ─────────────────────────────────────────────

// Broadcast publishes a notice to every connection in the cluster.
func (h *Handler) Broadcast(c *gin.Context) {
	var ev model.BroadcastEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ev.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	receivers, err := h.bus.PublishBroadcast(c.Request.Context(), &ev)
	if err != nil {
		h.logger.Error("publish broadcast", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "bus unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"receivers": receivers})
}
