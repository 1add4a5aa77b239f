package service

import (
	"sync"
	"sync/atomic"
	"time"

	"chatgate/apps/gateway/model"
)

// Wire 出站写入口，由websocket连接实现
// gorilla的写端要求单写者，Connection用互斥锁串行化
type Wire interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Connection 本实例独占的一条客户端连接
// 身份在连接生命周期内不可变；joined集合由成员管理器维护
type Connection struct {
	ID       string
	Identity string

	wire    Wire
	writeMu sync.Mutex

	joinedMu sync.Mutex
	joined   map[string]struct{}

	lastHeartbeat int64 // unix纳秒
	closeOnce     sync.Once
}

// NewConnection 创建连接
func NewConnection(id, identity string, wire Wire) *Connection {
	return &Connection{
		ID:            id,
		Identity:      identity,
		wire:          wire,
		joined:        make(map[string]struct{}),
		lastHeartbeat: time.Now().UnixNano(),
	}
}

// SendEvent 向客户端写一帧
func (c *Connection) SendEvent(event string, data interface{}) error {
	frame, err := model.NewFrame(event, data)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// Send 写出站帧
func (c *Connection) Send(frame *model.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.wire.WriteJSON(frame)
}

// Touch 刷新心跳时间
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastHeartbeat, time.Now().UnixNano())
}

// LastHeartbeat 最近一次心跳时间
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastHeartbeat))
}

// markJoined 登记已加入的频道
func (c *Connection) markJoined(channelID string) {
	c.joinedMu.Lock()
	defer c.joinedMu.Unlock()
	c.joined[channelID] = struct{}{}
}

// markLeft 撤销已加入的频道
func (c *Connection) markLeft(channelID string) {
	c.joinedMu.Lock()
	defer c.joinedMu.Unlock()
	delete(c.joined, channelID)
}

// HasJoined 是否加入了某频道
func (c *Connection) HasJoined(channelID string) bool {
	c.joinedMu.Lock()
	defer c.joinedMu.Unlock()
	_, ok := c.joined[channelID]
	return ok
}

// JoinedChannels 已加入频道快照
func (c *Connection) JoinedChannels() []string {
	c.joinedMu.Lock()
	defer c.joinedMu.Unlock()
	channels := make([]string, 0, len(c.joined))
	for ch := range c.joined {
		channels = append(channels, ch)
	}
	return channels
}

// ConnectionManager 本实例连接表
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionManager 创建连接表
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		conns: make(map[string]*Connection),
	}
}

// Add 登记连接
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.conns[conn.ID] = conn
}

// Remove 移除连接
func (cm *ConnectionManager) Remove(connID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.conns, connID)
}

// Get 查找连接
func (cm *ConnectionManager) Get(connID string) (*Connection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conn, ok := cm.conns[connID]
	return conn, ok
}

// All 所有本地连接快照
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conns := make([]*Connection, 0, len(cm.conns))
	for _, conn := range cm.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Count 本地连接数
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}
