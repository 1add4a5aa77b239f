package service

import (
	"context"
	"testing"
	"time"

	"chatgate/apps/gateway/model"
)

func TestDispatchMalformedFrameKeepsConnection(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conn, _ := svc.Admit(ctx, &fakeWire{}, "alice")

	svc.Dispatch(ctx, conn, []byte(`not json`))
	svc.Dispatch(ctx, conn, []byte(`{"event":"join-chat","data":"not an object"}`))
	svc.Dispatch(ctx, conn, []byte(`{"event":"join-chat","data":{}}`))
	svc.Dispatch(ctx, conn, []byte(`{"event":"no-such-event","data":{}}`))

	// 非法帧只丢弃，连接保持
	if _, ok := svc.connMgr.Get(conn.ID); !ok {
		t.Fatal("connection must survive malformed frames")
	}
	if len(conn.JoinedChannels()) != 1 {
		t.Fatalf("expected only the personal channel, got %v", conn.JoinedChannels())
	}
}

func TestDispatchJoinAndLeaveChat(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conn, _ := svc.Admit(ctx, &fakeWire{}, "alice")

	svc.Dispatch(ctx, conn, []byte(`{"event":"join-chat","data":{"chatId":"42"}}`))
	if !conn.HasJoined("chat:42") {
		t.Fatal("expected connection joined chat:42")
	}

	svc.Dispatch(ctx, conn, []byte(`{"event":"leave-chat","data":{"chatId":"42"}}`))
	if conn.HasJoined("chat:42") {
		t.Fatal("expected connection left chat:42")
	}
}

func TestDispatchHeartbeatTouchesConnection(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conn, _ := svc.Admit(ctx, &fakeWire{}, "alice")
	before := conn.LastHeartbeat()

	time.Sleep(5 * time.Millisecond)
	svc.Dispatch(ctx, conn, []byte(`{"event":"heartbeat","data":{}}`))

	if !conn.LastHeartbeat().After(before) {
		t.Fatal("heartbeat should refresh the last seen timestamp")
	}
}

func TestDispatchNewMessageFansOut(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	wBob := &fakeWire{}
	connAlice, _ := svc.Admit(ctx, &fakeWire{}, "alice")
	_, _ = svc.Admit(ctx, wBob, "bob")

	raw := []byte(`{"event":"new-message","data":{"chatId":"1","messageId":"m1","sender":"alice","content":"hi","createdAt":"2025-06-01T00:00:00Z","recipients":["alice","bob"]}}`)
	svc.Dispatch(ctx, connAlice, raw)

	if got := wBob.framesByEvent(model.EventMessageDelivered); len(got) != 1 {
		t.Fatalf("expected 1 message-delivered for bob, got %d", len(got))
	}
}
