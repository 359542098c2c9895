package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/protrack-sync/internal/api/protrack"
	"github.com/langchou/protrack-sync/internal/models"
	"github.com/langchou/protrack-sync/internal/service"
	"github.com/langchou/protrack-sync/pkg/ws"
)

// Handler HTTP 处理器
type Handler struct {
	logger      *zap.Logger
	syncService *service.SyncService
	wsHub       *ws.Hub
	upgrader    websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	syncService *service.SyncService,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		logger:      logger,
		syncService: syncService,
		wsHub:       wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// action 触发
		api.POST("/actions/auth", h.CheckAuth)
		api.POST("/actions/pull_observations", h.PullObservations)
		api.POST("/actions/playback", h.Playback)

		// 查询
		api.GET("/devices", h.ListDevices)
		api.GET("/status", h.GetStatus)
		api.GET("/activities", h.ListActivities)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// CheckAuth 校验 ProTrack 凭证
// POST /api/actions/auth
// 凭证无效是正常业务结果（200 + valid_credentials=false），
// 传输层失败返回 error=true 和上游状态码
func (h *Handler) CheckAuth(c *gin.Context) {
	// Credential 的 Password 不参与序列化，这里单独定义绑定结构
	var req struct {
		Account  string `json:"account"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid credential payload"})
		return
	}
	if req.Account == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Account and password are required"})
		return
	}

	result := h.syncService.CheckAuth(c.Request.Context(), models.Credential{
		Account:  req.Account,
		Password: req.Password,
	})
	switch result.Status {
	case protrack.AuthAuthenticated:
		c.JSON(http.StatusOK, gin.H{
			"valid_credentials": true,
			"token":             result.Token,
		})
	case protrack.AuthInvalidCredentials:
		c.JSON(http.StatusOK, gin.H{
			"valid_credentials": false,
			"message":           "Bad credentials",
		})
	default:
		h.logger.Error("Auth check transport failure",
			zap.Int("upstream_status", result.HTTPStatus),
			zap.Error(result.Err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":       true,
			"status_code": result.HTTPStatus,
		})
	}
}

// PullObservations 触发一个完整同步周期
// POST /api/actions/pull_observations
func (h *Handler) PullObservations(c *gin.Context) {
	triggered, err := h.syncService.PullObservations(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to run sync cycle", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to run sync cycle"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"devices_triggered": triggered})
}

// Playback 同步单台设备
// POST /api/actions/playback
func (h *Handler) Playback(c *gin.Context) {
	var req struct {
		IMEI string `json:"imei"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.IMEI == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "IMEI is required"})
		return
	}

	extracted, err := h.syncService.SyncDeviceByIMEI(c.Request.Context(), req.IMEI)
	if err != nil {
		if errors.Is(err, service.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
			return
		}
		h.logger.Error("Failed to sync device",
			zap.String("imei", req.IMEI),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to sync device"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"observations_extracted": extracted})
}

// ListDevices 获取账号下设备列表
func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.syncService.ListDevices(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list devices", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": devices})
}

// GetStatus 获取所有设备同步状态
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.syncService.GetAllStates()})
}

// ListActivities 获取最近活动记录
func (h *Handler) ListActivities(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	activities, err := h.syncService.ListActivities(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list activities", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list activities"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": activities})
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": h.wsHub.ClientCount(),
	})
}
