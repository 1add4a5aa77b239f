package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"chatgate/pkg/logger"
	redisclient "chatgate/pkg/redis"
)

// ErrUnavailable 广播桥不可用：重试耗尽或尚未恢复
var ErrUnavailable = errors.New("broadcast bridge unavailable")

const (
	// channelPrefix 逻辑频道到Redis频道的前缀
	channelPrefix = "chatgate:chan:"

	// PresenceChannel 在线状态广播频道，所有实例启动即订阅
	PresenceChannel = "presence"
)

// Event 跨实例广播的事件信封
type Event struct {
	Name       string          `json:"name"`
	Channel    string          `json:"channel"`
	Origin     string          `json:"origin"`
	SenderConn string          `json:"senderConn,omitempty"` // 投递时需要跳过的连接ID
	Data       json.RawMessage `json:"data"`
	SentAt     int64           `json:"sentAt"`
}

// Handler 本地投递回调，由每个实例自行决定哪些本地连接命中该频道
type Handler func(ev *Event)

// Options 广播桥参数
type Options struct {
	PublishRetries int
	RetryBackoff   time.Duration
	PingInterval   time.Duration
}

// Bridge 基于Redis pub/sub的广播桥
// 发布复制到所有订阅实例（含发布者自身），订阅是实例级意向
type Bridge struct {
	redis      *redisclient.RedisClient
	log        logger.Logger
	instanceID string
	opts       Options
	handler    Handler

	mu       sync.Mutex
	channels map[string]struct{} // 当前意向订阅的逻辑频道
	pubsub   *goredis.PubSub

	degraded int32
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New 创建广播桥
func New(redis *redisclient.RedisClient, log logger.Logger, instanceID string, opts Options) *Bridge {
	if opts.PublishRetries <= 0 {
		opts.PublishRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 5 * time.Second
	}
	return &Bridge{
		redis:      redis,
		log:        log,
		instanceID: instanceID,
		opts:       opts,
		channels:   make(map[string]struct{}),
		stopCh:     make(chan struct{}),
	}
}

// OnEvent 注册本地投递回调，必须在Start之前调用
func (b *Bridge) OnEvent(h Handler) {
	b.handler = h
}

// Start 启动广播桥
// 启动时Redis不可达视为致命错误：孤立实例无法提供跨实例投递，拒绝服务
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.redis.Ping(ctx); err != nil {
		return ErrUnavailable
	}

	b.mu.Lock()
	b.channels[PresenceChannel] = struct{}{}
	pubsub := b.redis.Subscribe(ctx, wireChannel(PresenceChannel))
	b.pubsub = pubsub
	b.mu.Unlock()

	go b.receiveLoop(pubsub)
	go b.healthLoop(ctx)

	b.log.Info(ctx, "Broadcast bridge started", logger.F("instance_id", b.instanceID))
	return nil
}

// Stop 停止广播桥
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.mu.Lock()
		if b.pubsub != nil {
			_ = b.pubsub.Close()
		}
		b.mu.Unlock()
	})
}

// Degraded 实例是否处于隔离降级状态
func (b *Bridge) Degraded() bool {
	return atomic.LoadInt32(&b.degraded) == 1
}

// Publish 发布事件到逻辑频道，所有订阅实例（含本实例）收到
// 重试耗尽后标记降级并返回ErrUnavailable
func (b *Bridge) Publish(ctx context.Context, ev *Event) error {
	ev.Origin = b.instanceID
	if ev.SentAt == 0 {
		ev.SentAt = time.Now().UnixMilli()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < b.opts.PublishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.opts.RetryBackoff * time.Duration(attempt)):
			}
		}
		if lastErr = b.redis.Publish(ctx, wireChannel(ev.Channel), payload); lastErr == nil {
			return nil
		}
	}

	atomic.StoreInt32(&b.degraded, 1)
	b.log.Error(ctx, "Bridge publish failed, instance degraded",
		logger.F("channel", ev.Channel),
		logger.F("event", ev.Name),
		logger.F("error", lastErr.Error()))
	return ErrUnavailable
}

// Subscribe 声明实例级订阅意向
// 必须在该频道出现第一个本地成员之前调用，漏订阅会丢失远端投递
func (b *Bridge) Subscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.channels[channel]; ok {
		return nil
	}
	b.channels[channel] = struct{}{}

	if b.pubsub == nil {
		return ErrUnavailable
	}
	if err := b.pubsub.Subscribe(ctx, wireChannel(channel)); err != nil {
		// 意向已登记，重连时会补订阅
		atomic.StoreInt32(&b.degraded, 1)
		return ErrUnavailable
	}
	return nil
}

// Unsubscribe 撤销实例级订阅
// 仅是流量优化：多订阅无害，错过的退订下次Join前会重新Subscribe
func (b *Bridge) Unsubscribe(ctx context.Context, channel string) error {
	if channel == PresenceChannel {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.channels[channel]; !ok {
		return nil
	}
	delete(b.channels, channel)

	if b.pubsub == nil {
		return nil
	}
	return b.pubsub.Unsubscribe(ctx, wireChannel(channel))
}

// Resync 重建pub/sub连接并重放全部订阅意向
// 重连后不重放订阅会静默丢失远端投递，这里必须整表重订
func (b *Bridge) Resync(ctx context.Context) error {
	if err := b.redis.Ping(ctx); err != nil {
		return ErrUnavailable
	}

	b.mu.Lock()
	old := b.pubsub
	wires := make([]string, 0, len(b.channels))
	for ch := range b.channels {
		wires = append(wires, wireChannel(ch))
	}
	pubsub := b.redis.Subscribe(ctx, wires...)
	b.pubsub = pubsub
	b.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	go b.receiveLoop(pubsub)
	atomic.StoreInt32(&b.degraded, 0)
	b.log.Info(ctx, "Bridge resynced subscriptions", logger.F("channels", len(wires)))
	return nil
}

// receiveLoop 接收循环：pubsub被Resync关闭后自然退出
func (b *Bridge) receiveLoop(pubsub *goredis.PubSub) {
	ch := pubsub.Channel()
	for msg := range ch {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			b.log.Warn(context.Background(), "Dropping malformed bridge event",
				logger.F("channel", msg.Channel),
				logger.F("error", err.Error()))
			continue
		}
		if b.handler != nil {
			b.handler(&ev)
		}
	}
}

// healthLoop 健康探测：失联后退避重连，恢复后整表重订并解除降级
func (b *Bridge) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(b.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
		}

		if err := b.redis.Ping(ctx); err != nil {
			atomic.StoreInt32(&b.degraded, 1)
			b.log.Warn(ctx, "Bridge ping failed, entering degraded mode", logger.F("error", err.Error()))
			b.reconnect(ctx)
			continue
		}

		if b.Degraded() {
			if err := b.Resync(ctx); err != nil {
				b.log.Warn(ctx, "Bridge resync failed", logger.F("error", err.Error()))
			}
		}
	}
}

// reconnect 退避重连直到恢复或停止
func (b *Bridge) reconnect(ctx context.Context) {
	backoff := b.opts.RetryBackoff
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-b.stopCh:
			return
		case <-time.After(backoff):
		}

		if err := b.redis.Ping(ctx); err == nil {
			if err := b.Resync(ctx); err == nil {
				return
			}
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func wireChannel(channel string) string {
	return channelPrefix + channel
}
