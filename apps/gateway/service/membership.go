package service

import (
	"context"
	"hash/fnv"
	"sync"
)

// shardCount 按频道ID分片，避免单把全局锁
const shardCount = 16

// Subscriber 实例级订阅意向，由广播桥实现
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
}

// Membership 本实例频道成员表
// 频道没有集中的成员清单：每个实例只维护本地连接的加入关系，
// 远端投递到达时各实例独立判定哪些本地连接命中
type Membership struct {
	shards [shardCount]memberShard
	sub    Subscriber
}

type memberShard struct {
	mu       sync.RWMutex
	channels map[string]map[string]*Connection
}

// NewMembership 创建成员表
func NewMembership(sub Subscriber) *Membership {
	m := &Membership{sub: sub}
	for i := range m.shards {
		m.shards[i].channels = make(map[string]map[string]*Connection)
	}
	return m
}

func (m *Membership) shard(channelID string) *memberShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channelID))
	return &m.shards[h.Sum32()%shardCount]
}

// Join 本地加入频道，幂等
// 频道出现第一个本地成员之前必须先完成实例级订阅，
// 反序会在订阅生效前丢失远端投递
func (m *Membership) Join(ctx context.Context, conn *Connection, channelID string) error {
	s := m.shard(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.channels[channelID]
	if !ok {
		if err := m.sub.Subscribe(ctx, channelID); err != nil {
			return err
		}
		members = make(map[string]*Connection)
		s.channels[channelID] = members
	}

	if _, joined := members[conn.ID]; joined {
		return nil
	}
	members[conn.ID] = conn
	conn.markJoined(channelID)
	return nil
}

// Leave 本地离开频道，幂等
// 最后一个本地成员离开后撤销实例级订阅（纯流量优化）
func (m *Membership) Leave(ctx context.Context, conn *Connection, channelID string) {
	s := m.shard(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.channels[channelID]
	if !ok {
		return
	}
	if _, joined := members[conn.ID]; !joined {
		return
	}

	delete(members, conn.ID)
	conn.markLeft(channelID)

	if len(members) == 0 {
		delete(s.channels, channelID)
		_ = m.sub.Unsubscribe(ctx, channelID)
	}
}

// LeaveAll 连接关闭时撤销其全部频道成员关系
func (m *Membership) LeaveAll(ctx context.Context, conn *Connection) {
	for _, channelID := range conn.JoinedChannels() {
		m.Leave(ctx, conn, channelID)
	}
}

// LocalMembers 频道的本地成员快照（仅本实例）
func (m *Membership) LocalMembers(channelID string) []*Connection {
	s := m.shard(channelID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	members, ok := s.channels[channelID]
	if !ok {
		return nil
	}
	conns := make([]*Connection, 0, len(members))
	for _, conn := range members {
		conns = append(conns, conn)
	}
	return conns
}
