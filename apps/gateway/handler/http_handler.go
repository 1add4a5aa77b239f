package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chatgate/apps/gateway/service"
	"chatgate/pkg/logger"
)

// HTTPHandler 网关HTTP接口：健康检查与在线状态查询
type HTTPHandler struct {
	svc *service.Service
	log logger.Logger
}

// NewHTTPHandler 创建HTTP处理器
func NewHTTPHandler(svc *service.Service, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, log: log}
}

// RegisterRoutes 注册路由
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api/v1")
	{
		api.GET("/presence", h.Presence)
	}
}

// Health 健康检查，带实例ID与降级标记，便于LB与排障定位实例
func (h *HTTPHandler) Health(c *gin.Context) {
	status := http.StatusOK
	state := "ok"
	if h.svc.Degraded() {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":      state,
		"instance":    h.svc.InstanceID(),
		"connections": h.svc.LocalConnections(),
	})
}

// Presence 批量在线状态查询：GET /api/v1/presence?ids=a,b,c
func (h *HTTPHandler) Presence(c *gin.Context) {
	raw := c.Query("ids")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids is required"})
		return
	}
	ids := strings.Split(raw, ",")

	status, err := h.svc.OnlineStatus(c.Request.Context(), ids)
	if err != nil {
		h.log.Error(c.Request.Context(), "Presence query failed", logger.F("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": status})
}
