package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatgate/apps/gateway/model"
	"chatgate/pkg/bridge"
	"chatgate/pkg/kafka"
	"chatgate/pkg/logger"
	"chatgate/pkg/presence"
)

// Broadcaster 跨实例广播桥，由pkg/bridge实现
type Broadcaster interface {
	Publish(ctx context.Context, ev *bridge.Event) error
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Degraded() bool
}

// Service 网关核心：连接准入、在线状态聚合、频道扇出
type Service struct {
	log        logger.Logger
	broadcast  Broadcaster
	presence   *presence.Counter
	connMgr    *ConnectionManager
	membership *Membership
	producer   *kafka.Producer // 可为nil，投递缺口上报尽力而为
	gapTopic   string
	instanceID string
}

// NewService 创建网关服务
func NewService(log logger.Logger, broadcast Broadcaster, counter *presence.Counter, producer *kafka.Producer, gapTopic, instanceID string) *Service {
	return &Service{
		log:        log,
		broadcast:  broadcast,
		presence:   counter,
		connMgr:    NewConnectionManager(),
		membership: NewMembership(broadcast),
		producer:   producer,
		gapTopic:   gapTopic,
		instanceID: instanceID,
	}
}

// InstanceID 实例ID
func (s *Service) InstanceID() string {
	return s.instanceID
}

// LocalConnections 本地连接数
func (s *Service) LocalConnections() int {
	return s.connMgr.Count()
}

// Degraded 广播桥是否降级
func (s *Service) Degraded() bool {
	return s.broadcast.Degraded()
}

// personalChannel 个人频道：按身份寻址，跨设备跨实例可达
func personalChannel(identity string) string {
	return "user:" + identity
}

// conversationChannel 会话频道：按会话ID寻址，用于会话内瞬时信号
func conversationChannel(chatID string) string {
	return "chat:" + chatID
}

// Admit 准入一条已通过身份校验的连接
// 注册本地连接表 → 自动加入个人频道 → 在线计数递增；
// 计数0→1时本实例负责发出上线广播（零交叉规则）
func (s *Service) Admit(ctx context.Context, wire Wire, identity string) (*Connection, error) {
	if identity == "" {
		return nil, model.ErrAuth
	}

	conn := NewConnection(uuid.NewString(), identity, wire)
	s.connMgr.Add(conn)

	if err := s.membership.Join(ctx, conn, personalChannel(identity)); err != nil {
		s.connMgr.Remove(conn.ID)
		return nil, fmt.Errorf("join personal channel: %w", err)
	}

	count, err := s.presence.Increment(ctx, identity, conn.ID)
	if err != nil {
		s.membership.LeaveAll(ctx, conn)
		s.connMgr.Remove(conn.ID)
		return nil, fmt.Errorf("presence increment: %w", err)
	}

	if count == 1 {
		s.publishPresence(ctx, identity, true)
	}

	s.sendOnlineSnapshot(ctx, conn)

	s.log.Info(ctx, "Connection admitted",
		logger.F("conn_id", conn.ID),
		logger.F("identity", identity),
		logger.F("global_count", count))
	return conn, nil
}

// Close 关闭连接并清理全部状态
// 传输层可能重复上报关闭，once保证计数只递减一次
func (s *Service) Close(ctx context.Context, conn *Connection, reason string) {
	conn.closeOnce.Do(func() {
		s.membership.LeaveAll(ctx, conn)
		s.connMgr.Remove(conn.ID)

		// 租约已被清理任务消费时递减不再生效，下线事件也已由清理路径发出
		count, applied, err := s.presence.Decrement(ctx, conn.Identity, conn.ID)
		if err != nil {
			s.log.Error(ctx, "Presence decrement failed",
				logger.F("conn_id", conn.ID),
				logger.F("identity", conn.Identity),
				logger.F("error", err.Error()))
		} else if applied && count == 0 {
			s.publishPresence(ctx, conn.Identity, false)
		}

		_ = conn.wire.Close()

		s.log.Info(ctx, "Connection closed",
			logger.F("conn_id", conn.ID),
			logger.F("identity", conn.Identity),
			logger.F("reason", reason))
	})
}

// JoinChat 加入会话频道
// 广播桥降级时拒绝：孤立实例无法保证跨实例投递
func (s *Service) JoinChat(ctx context.Context, conn *Connection, chatID string) error {
	if s.broadcast.Degraded() {
		return bridge.ErrUnavailable
	}
	return s.membership.Join(ctx, conn, conversationChannel(chatID))
}

// LeaveChat 离开会话频道
func (s *Service) LeaveChat(ctx context.Context, conn *Connection, chatID string) {
	s.membership.Leave(ctx, conn, conversationChannel(chatID))
}

// Heartbeat 心跳：刷新本地时间并续期在线租约
func (s *Service) Heartbeat(ctx context.Context, conn *Connection) error {
	conn.Touch()
	return s.presence.Renew(ctx, conn.Identity, conn.ID)
}

// FanOutMessage 扇出一条已落库的消息
// 每个收件人（除发送者外）的个人频道各收到一条message-delivered和一条chat-updated
// 发布失败即投递缺口：消息已提交但实时通知丢失，记录并上报，由客户端刷新兜底
func (s *Service) FanOutMessage(ctx context.Context, msg *model.NewMessagePayload) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	delivered := model.MessageDeliveredPayload{
		ChatID:    msg.ChatID,
		MessageID: msg.MessageID,
		Sender:    msg.Sender,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
	updated := model.ChatUpdatedPayload{
		ChatID:        msg.ChatID,
		LatestMessage: msg.Content,
		UpdatedAt:     msg.CreatedAt,
	}

	var lastErr error
	for _, recipient := range msg.Recipients {
		if recipient == msg.Sender {
			continue
		}
		channel := personalChannel(recipient)
		if err := s.publishEvent(ctx, channel, model.EventMessageDelivered, delivered, ""); err != nil {
			s.reportDeliveryGap(ctx, msg, recipient, err)
			lastErr = err
			continue
		}
		if err := s.publishEvent(ctx, channel, model.EventChatUpdated, updated, ""); err != nil {
			s.reportDeliveryGap(ctx, msg, recipient, err)
			lastErr = err
		}
	}
	return lastErr
}

// PublishTyping 会话内输入状态信号，投递时在每个实例跳过发送者自己的连接
func (s *Service) PublishTyping(ctx context.Context, conn *Connection, chatID string, typing bool) error {
	channel := conversationChannel(chatID)
	if !conn.HasJoined(channel) {
		return model.ErrNotJoined
	}

	event := model.EventTyping
	if !typing {
		event = model.EventStopTyping
	}
	payload := model.TypingPayload{ChatID: chatID, Identity: conn.Identity}
	return s.publishEvent(ctx, channel, event, payload, conn.ID)
}

// OnlineStatus 批量查询身份在线状态
func (s *Service) OnlineStatus(ctx context.Context, identities []string) (map[string]bool, error) {
	return s.presence.OnlineStatus(ctx, identities)
}

// PublishPresenceOffline 租约补偿归零时的下线广播（清理任务回调）
func (s *Service) PublishPresenceOffline(ctx context.Context, identity string) {
	s.publishPresence(ctx, identity, false)
}

// HandleBridgeEvent 广播桥投递回调：本实例自行判定命中的本地连接
func (s *Service) HandleBridgeEvent(ev *bridge.Event) {
	ctx := context.Background()

	var targets []*Connection
	if ev.Channel == bridge.PresenceChannel {
		targets = s.connMgr.All()
	} else {
		targets = s.membership.LocalMembers(ev.Channel)
	}

	for _, conn := range targets {
		if ev.SenderConn != "" && ev.SenderConn == conn.ID {
			continue
		}
		if err := conn.Send(&model.Frame{Event: ev.Name, Data: ev.Data}); err != nil {
			// 写失败视为连接已死，走统一关闭路径
			s.log.Warn(ctx, "Local delivery failed, closing connection",
				logger.F("conn_id", conn.ID),
				logger.F("event", ev.Name),
				logger.F("error", err.Error()))
			s.Close(ctx, conn, "write failed")
		}
	}
}

// publishEvent 构造信封并发布到广播桥
func (s *Service) publishEvent(ctx context.Context, channel, event string, payload interface{}, senderConn string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.broadcast.Publish(ctx, &bridge.Event{
		Name:       event,
		Channel:    channel,
		SenderConn: senderConn,
		Data:       data,
	})
}

// publishPresence 上线/下线广播，只在计数越过0时调用
func (s *Service) publishPresence(ctx context.Context, identity string, online bool) {
	payload := model.PresenceChangedPayload{Identity: identity, Online: online}
	if err := s.publishEvent(ctx, bridge.PresenceChannel, model.EventPresenceChanged, payload, ""); err != nil {
		s.log.Error(ctx, "Presence broadcast failed",
			logger.F("identity", identity),
			logger.F("online", online),
			logger.F("error", err.Error()))
	}
}

// sendOnlineSnapshot 新连接下发当前在线身份快照
func (s *Service) sendOnlineSnapshot(ctx context.Context, conn *Connection) {
	identities, err := s.presence.OnlineUsers(ctx)
	if err != nil {
		s.log.Warn(ctx, "Online snapshot query failed", logger.F("error", err.Error()))
		return
	}
	if err := conn.SendEvent(model.EventOnlineUsers, model.OnlineUsersPayload{Identities: identities}); err != nil {
		s.log.Warn(ctx, "Online snapshot send failed",
			logger.F("conn_id", conn.ID),
			logger.F("error", err.Error()))
	}
}

// deliveryGap 投递缺口记录
type deliveryGap struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Recipient string `json:"recipient"`
	Instance  string `json:"instance"`
	Reason    string `json:"reason"`
	At        int64  `json:"at"`
}

// reportDeliveryGap 消息已落库但扇出失败：记录缺口并上报Kafka
func (s *Service) reportDeliveryGap(ctx context.Context, msg *model.NewMessagePayload, recipient string, cause error) {
	s.log.Error(ctx, "Partial fanout loss: message committed but not delivered",
		logger.F("chat_id", msg.ChatID),
		logger.F("message_id", msg.MessageID),
		logger.F("recipient", recipient),
		logger.F("error", cause.Error()))

	if s.producer == nil || s.gapTopic == "" {
		return
	}
	gap := deliveryGap{
		ChatID:    msg.ChatID,
		MessageID: msg.MessageID,
		Recipient: recipient,
		Instance:  s.instanceID,
		Reason:    cause.Error(),
		At:        time.Now().Unix(),
	}
	record, err := json.Marshal(gap)
	if err != nil {
		return
	}
	_ = s.producer.SendMessage(s.gapTopic, []byte(msg.ChatID), record)
}
