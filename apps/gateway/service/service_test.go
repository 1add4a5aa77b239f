package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"chatgate/apps/gateway/model"
	"chatgate/pkg/bridge"
	"chatgate/pkg/logger"
	"chatgate/pkg/presence"
	redisclient "chatgate/pkg/redis"
)

// fakeBridge 进程内广播桥：发布即同步投递回本实例
type fakeBridge struct {
	mu         sync.Mutex
	published  []*bridge.Event
	subscribed map[string]int
	degraded   bool
	failNext   bool
	deliver    func(*bridge.Event)
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{subscribed: make(map[string]int)}
}

func (f *fakeBridge) Publish(ctx context.Context, ev *bridge.Event) error {
	f.mu.Lock()
	if f.failNext {
		f.mu.Unlock()
		return bridge.ErrUnavailable
	}
	f.published = append(f.published, ev)
	deliver := f.deliver
	f.mu.Unlock()

	if deliver != nil {
		deliver(ev)
	}
	return nil
}

func (f *fakeBridge) Subscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[channel]++
	return nil
}

func (f *fakeBridge) Unsubscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[channel]--
	return nil
}

func (f *fakeBridge) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *fakeBridge) publishedEvents(name string) []*bridge.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*bridge.Event
	for _, ev := range f.published {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// fakeWire 记录出站帧的假连接
type fakeWire struct {
	mu     sync.Mutex
	frames []model.Frame
	closed bool
	broken bool
}

func (w *fakeWire) WriteJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken {
		return errors.New("wire broken")
	}
	if frame, ok := v.(*model.Frame); ok {
		w.frames = append(w.frames, *frame)
	}
	return nil
}

func (w *fakeWire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWire) framesByEvent(event string) []model.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []model.Frame
	for _, f := range w.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func newTestService(t *testing.T) (*Service, *fakeBridge) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redisclient.NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { rc.Close() })

	fb := newFakeBridge()
	counter := presence.NewCounter(rc, 45*time.Second)
	svc := NewService(logger.GetLogger(), fb, counter, nil, "", "test-instance")
	fb.deliver = svc.HandleBridgeEvent
	return svc, fb
}

func TestAdmitPublishesOnlineOnZeroCrossing(t *testing.T) {
	svc, fb := newTestService(t)
	ctx := context.Background()

	w1 := &fakeWire{}
	conn1, err := svc.Admit(ctx, w1, "alice")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	// 第一条连接触发上线广播
	if got := fb.publishedEvents(model.EventPresenceChanged); len(got) != 1 {
		t.Fatalf("expected 1 presence event after first connection, got %d", len(got))
	}

	// 第二台设备不再触发
	w2 := &fakeWire{}
	conn2, err := svc.Admit(ctx, w2, "alice")
	if err != nil {
		t.Fatalf("admit second device: %v", err)
	}
	if got := fb.publishedEvents(model.EventPresenceChanged); len(got) != 1 {
		t.Fatalf("expected no extra presence event for second device, got %d", len(got))
	}

	// 新连接收到在线快照
	if got := w2.framesByEvent(model.EventOnlineUsers); len(got) != 1 {
		t.Fatalf("expected online snapshot on admit, got %d frames", len(got))
	}

	// 关第一条不触发下线，关最后一条触发
	svc.Close(ctx, conn1, "test")
	if got := fb.publishedEvents(model.EventPresenceChanged); len(got) != 1 {
		t.Fatalf("expected no offline event while a device remains, got %d", len(got))
	}
	svc.Close(ctx, conn2, "test")
	if got := fb.publishedEvents(model.EventPresenceChanged); len(got) != 2 {
		t.Fatalf("expected offline event after last device, got %d presence events", len(got))
	}
	if !w1.closed || !w2.closed {
		t.Fatal("wires should be closed")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	svc, fb := newTestService(t)
	ctx := context.Background()

	conn, err := svc.Admit(ctx, &fakeWire{}, "bob")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	svc.Close(ctx, conn, "first")
	svc.Close(ctx, conn, "duplicate")

	// 重复关闭只递减一次：上线一次下线一次
	if got := fb.publishedEvents(model.EventPresenceChanged); len(got) != 2 {
		t.Fatalf("expected exactly 2 presence events, got %d", len(got))
	}
}

func TestFanOutExcludesSender(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	wAlice := &fakeWire{}
	wBob := &fakeWire{}
	if _, err := svc.Admit(ctx, wAlice, "alice"); err != nil {
		t.Fatalf("admit alice: %v", err)
	}
	if _, err := svc.Admit(ctx, wBob, "bob"); err != nil {
		t.Fatalf("admit bob: %v", err)
	}

	msg := &model.NewMessagePayload{
		ChatID:     "chat-1",
		MessageID:  "msg-1",
		Sender:     "alice",
		Content:    "hello",
		CreatedAt:  "2025-06-01T00:00:00Z",
		Recipients: []string{"alice", "bob"},
	}
	if err := svc.FanOutMessage(ctx, msg); err != nil {
		t.Fatalf("fanout: %v", err)
	}

	// 收件人各一条message-delivered和一条chat-updated，发送者除外
	if got := wBob.framesByEvent(model.EventMessageDelivered); len(got) != 1 {
		t.Fatalf("expected 1 message-delivered for bob, got %d", len(got))
	}
	if got := wBob.framesByEvent(model.EventChatUpdated); len(got) != 1 {
		t.Fatalf("expected 1 chat-updated for bob, got %d", len(got))
	}
	if got := wAlice.framesByEvent(model.EventMessageDelivered); len(got) != 0 {
		t.Fatalf("sender must not receive her own message, got %d frames", len(got))
	}
}

func TestFanOutRejectsInvalidPayload(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.FanOutMessage(context.Background(), &model.NewMessagePayload{MessageID: "m"})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestTypingRequiresJoinedChat(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	wAlice := &fakeWire{}
	wBob := &fakeWire{}
	connAlice, _ := svc.Admit(ctx, wAlice, "alice")
	connBob, _ := svc.Admit(ctx, wBob, "bob")

	// 未加入会话先拒绝
	if err := svc.PublishTyping(ctx, connAlice, "chat-1", true); !errors.Is(err, model.ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}

	if err := svc.JoinChat(ctx, connAlice, "chat-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := svc.JoinChat(ctx, connBob, "chat-1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := svc.PublishTyping(ctx, connAlice, "chat-1", true); err != nil {
		t.Fatalf("typing: %v", err)
	}

	// 会话内其他成员收到，发出者自己的连接被跳过
	if got := wBob.framesByEvent(model.EventTyping); len(got) != 1 {
		t.Fatalf("expected 1 typing frame for bob, got %d", len(got))
	}
	if got := wAlice.framesByEvent(model.EventTyping); len(got) != 0 {
		t.Fatalf("typing must not echo to its sender connection, got %d frames", len(got))
	}
}

func TestJoinChatRefusedWhenDegraded(t *testing.T) {
	svc, fb := newTestService(t)
	ctx := context.Background()

	conn, _ := svc.Admit(ctx, &fakeWire{}, "alice")

	fb.mu.Lock()
	fb.degraded = true
	fb.mu.Unlock()

	if err := svc.JoinChat(ctx, conn, "chat-1"); !errors.Is(err, bridge.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable while degraded, got %v", err)
	}
}

func TestDeadConnectionClosedOnDeliveryFailure(t *testing.T) {
	svc, fb := newTestService(t)
	ctx := context.Background()

	w := &fakeWire{}
	conn, _ := svc.Admit(ctx, w, "alice")

	w.mu.Lock()
	w.broken = true
	w.mu.Unlock()

	svc.HandleBridgeEvent(&bridge.Event{
		Name:    model.EventMessageDelivered,
		Channel: "user:alice",
		Data:    []byte(`{}`),
	})

	// 写失败走统一关闭路径：连接移除、下线广播发出
	if _, ok := svc.connMgr.Get(conn.ID); ok {
		t.Fatal("dead connection should be removed from the table")
	}
	if got := fb.publishedEvents(model.EventPresenceChanged); len(got) != 2 {
		t.Fatalf("expected offline broadcast after dead connection cleanup, got %d presence events", len(got))
	}
}
