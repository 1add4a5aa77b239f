package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatgate/apps/gateway/service"
	"chatgate/pkg/auth"
	"chatgate/pkg/logger"
)

type identityKey struct{}

// WSHandler WebSocket连接处理器：握手鉴权、读循环、关闭清理
type WSHandler struct {
	svc              *service.Service
	verifier         auth.Verifier
	heartbeatTimeout time.Duration
	log              logger.Logger
}

// NewWSHandler 创建连接处理器
func NewWSHandler(svc *service.Service, verifier auth.Verifier, heartbeatTimeout time.Duration, log logger.Logger) *WSHandler {
	return &WSHandler{
		svc:              svc,
		verifier:         verifier,
		heartbeatTimeout: heartbeatTimeout,
		log:              log,
	}
}

// Authenticate 升级前握手鉴权
// 凭证取自query参数token或Authorization头；校验失败返回401，不分配任何状态
func (h *WSHandler) Authenticate(c *gin.Context) bool {
	credential := c.Query("token")
	if credential == "" {
		header := c.GetHeader("Authorization")
		credential = strings.TrimPrefix(header, "Bearer ")
	}

	identity, err := h.verifier.Verify(c.Request.Context(), credential)
	if err != nil {
		h.log.Warn(c.Request.Context(), "Handshake rejected",
			logger.F("remote", c.ClientIP()),
			logger.F("error", err.Error()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
		return false
	}

	// 身份通过请求上下文带给升级后的处理器，避免二次校验
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), identityKey{}, identity))
	return true
}

// HandleConnection 升级完成后的连接生命周期
func (h *WSHandler) HandleConnection(wsConn *websocket.Conn, r *http.Request) {
	ctx := context.Background()

	identity, _ := r.Context().Value(identityKey{}).(string)
	conn, err := h.svc.Admit(ctx, wsConn, identity)
	if err != nil {
		h.log.Error(ctx, "Connection admission failed",
			logger.F("identity", identity),
			logger.F("error", err.Error()))
		_ = wsConn.Close()
		return
	}
	ctx = logger.WithConnID(ctx, conn.ID)

	// 协议层ping与应用层heartbeat事件都算心跳
	_ = wsConn.SetReadDeadline(time.Now().Add(h.heartbeatTimeout))
	wsConn.SetPingHandler(func(appData string) error {
		_ = wsConn.SetReadDeadline(time.Now().Add(h.heartbeatTimeout))
		if err := h.svc.Heartbeat(ctx, conn); err != nil {
			h.log.Warn(ctx, "Lease renewal on ping failed", logger.F("error", err.Error()))
		}
		return wsConn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
	})

	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			h.svc.Close(ctx, conn, closeReason(err))
			return
		}
		_ = wsConn.SetReadDeadline(time.Now().Add(h.heartbeatTimeout))
		h.svc.Dispatch(ctx, conn, raw)
	}
}

func closeReason(err error) string {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return "client closed"
	}
	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		return "heartbeat timeout"
	}
	return "read failed"
}
