package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// orderedSub 校验订阅先于首个本地成员生效
type orderedSub struct {
	mu     sync.Mutex
	active map[string]bool
}

func newOrderedSub() *orderedSub {
	return &orderedSub{active: make(map[string]bool)}
}

func (s *orderedSub) Subscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[channel] = true
	return nil
}

func (s *orderedSub) Unsubscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, channel)
	return nil
}

func (s *orderedSub) isActive(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[channel]
}

func TestJoinSubscribesBeforeFirstMember(t *testing.T) {
	sub := newOrderedSub()
	m := NewMembership(sub)
	ctx := context.Background()

	conn := NewConnection("c1", "alice", &fakeWire{})
	if err := m.Join(ctx, conn, "chat:1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if !sub.isActive("chat:1") {
		t.Fatal("instance subscription must be active once a member joined")
	}
	if !conn.HasJoined("chat:1") {
		t.Fatal("connection should track its membership")
	}
	if got := m.LocalMembers("chat:1"); len(got) != 1 {
		t.Fatalf("expected 1 local member, got %d", len(got))
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	sub := newOrderedSub()
	m := NewMembership(sub)
	ctx := context.Background()

	conn := NewConnection("c1", "alice", &fakeWire{})
	_ = m.Join(ctx, conn, "chat:1")
	_ = m.Join(ctx, conn, "chat:1")

	if got := m.LocalMembers("chat:1"); len(got) != 1 {
		t.Fatalf("duplicate join must not add a second member, got %d", len(got))
	}
}

func TestLeaveUnsubscribesWhenEmpty(t *testing.T) {
	sub := newOrderedSub()
	m := NewMembership(sub)
	ctx := context.Background()

	c1 := NewConnection("c1", "alice", &fakeWire{})
	c2 := NewConnection("c2", "bob", &fakeWire{})
	_ = m.Join(ctx, c1, "chat:1")
	_ = m.Join(ctx, c2, "chat:1")

	m.Leave(ctx, c1, "chat:1")
	if !sub.isActive("chat:1") {
		t.Fatal("subscription must stay while members remain")
	}

	m.Leave(ctx, c2, "chat:1")
	if sub.isActive("chat:1") {
		t.Fatal("subscription should be dropped after last member left")
	}

	// 幂等
	m.Leave(ctx, c2, "chat:1")
	if got := m.LocalMembers("chat:1"); len(got) != 0 {
		t.Fatalf("expected no members, got %d", len(got))
	}
}

func TestLeaveAllClearsEveryChannel(t *testing.T) {
	sub := newOrderedSub()
	m := NewMembership(sub)
	ctx := context.Background()

	conn := NewConnection("c1", "alice", &fakeWire{})
	_ = m.Join(ctx, conn, "chat:1")
	_ = m.Join(ctx, conn, "chat:2")
	_ = m.Join(ctx, conn, "user:alice")

	m.LeaveAll(ctx, conn)

	if len(conn.JoinedChannels()) != 0 {
		t.Fatalf("expected no joined channels, got %v", conn.JoinedChannels())
	}
	for _, ch := range []string{"chat:1", "chat:2", "user:alice"} {
		if got := m.LocalMembers(ch); len(got) != 0 {
			t.Fatalf("channel %s should be empty, got %d members", ch, len(got))
		}
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	sub := newOrderedSub()
	m := NewMembership(sub)
	ctx := context.Background()

	const workers = 32
	const rounds = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			conn := NewConnection(fmt.Sprintf("conn-%d", n), "user", &fakeWire{})
			for r := 0; r < rounds; r++ {
				_ = m.Join(ctx, conn, "chat:hot")
				m.Leave(ctx, conn, "chat:hot")
			}
		}(i)
	}
	wg.Wait()

	if got := m.LocalMembers("chat:hot"); len(got) != 0 {
		t.Fatalf("expected empty channel after balanced join/leave, got %d members", len(got))
	}
}
