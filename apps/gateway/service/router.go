package service

import (
	"context"
	"encoding/json"
	"errors"

	"chatgate/apps/gateway/model"
	"chatgate/pkg/bridge"
	"chatgate/pkg/logger"
)

// Dispatch 路由一帧入站事件
// 格式非法或事件名未知时丢弃该帧并记录，连接保持；
// 只有降级拒绝（join-chat）会把错误回传给调用方写回客户端
func (s *Service) Dispatch(ctx context.Context, conn *Connection, raw []byte) {
	var frame model.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.log.Warn(ctx, "Malformed frame dropped",
			logger.F("conn_id", conn.ID),
			logger.F("error", err.Error()))
		return
	}

	switch frame.Event {
	case model.EventHeartbeat:
		if err := s.Heartbeat(ctx, conn); err != nil {
			s.log.Warn(ctx, "Heartbeat lease renewal failed",
				logger.F("conn_id", conn.ID),
				logger.F("error", err.Error()))
		}

	case model.EventJoinChat:
		ref, ok := s.decodeChatRef(ctx, conn, &frame)
		if !ok {
			return
		}
		if err := s.JoinChat(ctx, conn, ref.ChatID); err != nil {
			if errors.Is(err, bridge.ErrUnavailable) {
				// 降级期间明确拒绝，客户端可稍后重试
				_ = conn.SendEvent("error", map[string]string{
					"event":  model.EventJoinChat,
					"reason": "broadcast unavailable",
				})
			}
			s.log.Warn(ctx, "Join chat failed",
				logger.F("conn_id", conn.ID),
				logger.F("chat_id", ref.ChatID),
				logger.F("error", err.Error()))
		}

	case model.EventLeaveChat:
		ref, ok := s.decodeChatRef(ctx, conn, &frame)
		if !ok {
			return
		}
		s.LeaveChat(ctx, conn, ref.ChatID)

	case model.EventNewMessage:
		var msg model.NewMessagePayload
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			s.dropFrame(ctx, conn, frame.Event, err)
			return
		}
		if err := s.FanOutMessage(ctx, &msg); err != nil {
			s.log.Warn(ctx, "Message fanout incomplete",
				logger.F("conn_id", conn.ID),
				logger.F("chat_id", msg.ChatID),
				logger.F("error", err.Error()))
		}

	case model.EventTyping, model.EventStopTyping:
		ref, ok := s.decodeChatRef(ctx, conn, &frame)
		if !ok {
			return
		}
		if err := s.PublishTyping(ctx, conn, ref.ChatID, frame.Event == model.EventTyping); err != nil {
			s.log.Warn(ctx, "Typing signal dropped",
				logger.F("conn_id", conn.ID),
				logger.F("chat_id", ref.ChatID),
				logger.F("error", err.Error()))
		}

	default:
		s.log.Warn(ctx, "Unknown event dropped",
			logger.F("conn_id", conn.ID),
			logger.F("event", frame.Event))
	}
}

func (s *Service) decodeChatRef(ctx context.Context, conn *Connection, frame *model.Frame) (*model.ChatRef, bool) {
	var ref model.ChatRef
	if err := json.Unmarshal(frame.Data, &ref); err != nil {
		s.dropFrame(ctx, conn, frame.Event, err)
		return nil, false
	}
	if ref.ChatID == "" {
		s.dropFrame(ctx, conn, frame.Event, model.ErrValidation)
		return nil, false
	}
	return &ref, true
}

func (s *Service) dropFrame(ctx context.Context, conn *Connection, event string, cause error) {
	s.log.Warn(ctx, "Invalid payload dropped",
		logger.F("conn_id", conn.ID),
		logger.F("event", event),
		logger.F("error", cause.Error()))
}
