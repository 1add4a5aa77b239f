package model

import (
	"encoding/json"
	"errors"
)

// 错误分类
// 所有错误只影响出错的连接或本实例，不会波及其他连接
var (
	// ErrAuth 凭证缺失或无效，连接被拒绝，不分配任何状态
	ErrAuth = errors.New("authentication failed")

	// ErrValidation 入站事件格式非法，事件丢弃，连接保持
	ErrValidation = errors.New("invalid event payload")

	// ErrNotJoined 连接未加入目标会话频道
	ErrNotJoined = errors.New("connection has not joined the chat")
)

// 入站事件名
const (
	EventJoinChat   = "join-chat"
	EventLeaveChat  = "leave-chat"
	EventNewMessage = "new-message"
	EventTyping     = "typing"
	EventStopTyping = "stop-typing"
	EventHeartbeat  = "heartbeat"
)

// 出站事件名
const (
	EventMessageDelivered = "message-delivered"
	EventChatUpdated      = "chat-updated"
	EventPresenceChanged  = "presence-changed"
	EventOnlineUsers      = "online-users"
)

// Frame 客户端帧：{"event": ..., "data": {...}}
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewFrame 构造出站帧
func NewFrame(event string, data interface{}) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{Event: event, Data: raw}, nil
}

// ChatRef join-chat / leave-chat / typing / stop-typing 载荷
type ChatRef struct {
	ChatID string `json:"chatId"`
}

// NewMessagePayload new-message 载荷
// 消息此时已由外部存储提交落库，网关只负责实时扇出通知
type NewMessagePayload struct {
	ChatID     string   `json:"chatId"`
	MessageID  string   `json:"messageId"`
	Sender     string   `json:"sender"`
	Content    string   `json:"content"`
	CreatedAt  string   `json:"createdAt"`
	Recipients []string `json:"recipients"`
}

// Validate 扇出前置校验
func (p *NewMessagePayload) Validate() error {
	if p.ChatID == "" || p.Sender == "" || len(p.Recipients) == 0 {
		return ErrValidation
	}
	return nil
}

// MessageDeliveredPayload message-delivered 载荷
type MessageDeliveredPayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

// ChatUpdatedPayload chat-updated 载荷
type ChatUpdatedPayload struct {
	ChatID        string `json:"chatId"`
	LatestMessage string `json:"latestMessage"`
	UpdatedAt     string `json:"updatedAt"`
}

// TypingPayload typing / stop-typing 载荷
type TypingPayload struct {
	ChatID   string `json:"chatId"`
	Identity string `json:"identity"`
}

// PresenceChangedPayload presence-changed 载荷
type PresenceChangedPayload struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
}

// OnlineUsersPayload online-users 快照载荷，连接建立后下发一次
type OnlineUsersPayload struct {
	Identities []string `json:"identities"`
}
