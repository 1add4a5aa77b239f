package server

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"github.com/gorilla/websocket"
)

// WebSocketHandler WebSocket处理器接口
// 握手鉴权在升级前完成，升级失败不会触发处理器
type WebSocketHandler interface {
	HandleConnection(conn *websocket.Conn, r *http.Request)
}

// WebSocketHandlerFunc WebSocket处理器函数类型
type WebSocketHandlerFunc func(conn *websocket.Conn, r *http.Request)

// HandleConnection WebSocketHandler接口实现
func (f WebSocketHandlerFunc) HandleConnection(conn *websocket.Conn, r *http.Request) {
	f(conn, r)
}

// AuthFunc 升级前的握手鉴权：返回false时终止连接，不分配任何状态
type AuthFunc func(c *gin.Context) bool

// WebSocketServerWrapper WebSocket服务器包装器
type WebSocketServerWrapper struct {
	engine   *gin.Engine
	upgrader websocket.Upgrader
	handlers map[string]WebSocketHandler
	logger   kratoslog.Logger
	mu       sync.RWMutex
}

// NewWebSocketServerWrapper 创建WebSocket服务器包装器
func NewWebSocketServerWrapper(engine *gin.Engine, logger kratoslog.Logger) *WebSocketServerWrapper {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// 网关部署在LB之后，Origin校验交给边缘层
			return true
		},
	}

	return &WebSocketServerWrapper{
		engine:   engine,
		upgrader: upgrader,
		handlers: make(map[string]WebSocketHandler),
		logger:   logger,
	}
}

// RegisterHandler 注册WebSocket处理器
func (ws *WebSocketServerWrapper) RegisterHandler(path string, auth AuthFunc, handler WebSocketHandler) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.handlers[path] = handler

	ws.engine.GET(path, func(c *gin.Context) {
		if auth != nil && !auth(c) {
			return
		}
		ws.handleWebSocket(c, handler)
	})
}

// handleWebSocket 处理WebSocket连接
func (ws *WebSocketServerWrapper) handleWebSocket(c *gin.Context, handler WebSocketHandler) {
	conn, err := ws.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ws.logger.Log(kratoslog.LevelError, "msg", "WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	handler.HandleConnection(conn, c.Request)
}
