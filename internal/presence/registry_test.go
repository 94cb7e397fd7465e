package presence

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/campswap/messaging/pkg/logger"
)

type transition struct {
	online bool
	userID string
}

type chanListener struct {
	ch chan transition
}

func newChanListener() *chanListener {
	return &chanListener{ch: make(chan transition, 1024)}
}

func (l *chanListener) UserOnline(userID string) {
	l.ch <- transition{online: true, userID: userID}
}

func (l *chanListener) UserOffline(userID string, _ time.Time) {
	l.ch <- transition{online: false, userID: userID}
}

func (l *chanListener) expect(t *testing.T, want transition) {
	t.Helper()
	select {
	case got := <-l.ch:
		if got != want {
			t.Fatalf("transition: want %+v got %+v", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %+v", want)
	}
}

func (l *chanListener) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case got := <-l.ch:
		t.Fatalf("unexpected transition %+v", got)
	case <-time.After(within):
	}
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *chanListener) {
	t.Helper()
	r := NewRegistry(logger.NewNop(), opts...)
	t.Cleanup(r.Close)
	l := newChanListener()
	r.Subscribe(l)
	return r, l
}

func TestRegistry_FirstConnectAnnouncesOnline(t *testing.T) {
	t.Parallel()

	r, l := newTestRegistry(t, WithGrace(time.Hour))
	r.Connect("alice", "c1")
	r.Connect("alice", "c2")

	l.expect(t, transition{online: true, userID: "alice"})
	l.expectNone(t, 50*time.Millisecond)

	if !r.IsOnline("alice") {
		t.Fatalf("alice should be online")
	}
	targets := r.BroadcastTargets("alice")
	sort.Strings(targets)
	if len(targets) != 2 || targets[0] != "c1" || targets[1] != "c2" {
		t.Fatalf("targets: %v", targets)
	}
	if r.IsOnline("bob") || len(r.BroadcastTargets("bob")) != 0 {
		t.Fatalf("bob is offline")
	}
}

func TestRegistry_OfflineAfterGrace(t *testing.T) {
	t.Parallel()

	r, l := newTestRegistry(t, WithGrace(30*time.Millisecond))
	r.Connect("alice", "c1")
	l.expect(t, transition{online: true, userID: "alice"})

	r.Disconnect("alice", "c1")
	if !r.IsOnline("alice") {
		t.Fatalf("alice stays visibly online during the grace window")
	}
	if len(r.BroadcastTargets("alice")) != 0 {
		t.Fatalf("no live targets during grace")
	}

	l.expect(t, transition{online: false, userID: "alice"})
	if r.IsOnline("alice") {
		t.Fatalf("alice should be offline after grace")
	}
}

func TestRegistry_ReconnectWithinGraceDoesNotFlap(t *testing.T) {
	t.Parallel()

	r, l := newTestRegistry(t, WithGrace(200*time.Millisecond))
	r.Connect("alice", "c1")
	l.expect(t, transition{online: true, userID: "alice"})

	r.Disconnect("alice", "c1")
	time.Sleep(50 * time.Millisecond)
	r.Connect("alice", "c2")

	l.expectNone(t, 400*time.Millisecond)
	if !r.IsOnline("alice") {
		t.Fatalf("alice should still be online")
	}
	if got := r.BroadcastTargets("alice"); len(got) != 1 || got[0] != "c2" {
		t.Fatalf("targets: %v", got)
	}
}

func TestRegistry_LastHandleOnly(t *testing.T) {
	t.Parallel()

	r, l := newTestRegistry(t, WithGrace(0))
	r.Connect("alice", "c1")
	r.Connect("alice", "c2")
	l.expect(t, transition{online: true, userID: "alice"})

	r.Disconnect("alice", "c1")
	l.expectNone(t, 50*time.Millisecond)

	r.Disconnect("alice", "c2")
	l.expect(t, transition{online: false, userID: "alice"})
}

func TestRegistry_DisconnectUnknownIsNoop(t *testing.T) {
	t.Parallel()

	r, l := newTestRegistry(t, WithGrace(0))
	r.Disconnect("ghost", "c1")
	l.expectNone(t, 30*time.Millisecond)
}

func TestRegistry_ConcurrentConnectDisconnect(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, WithGrace(0))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := string(rune('a' + i%26))
			r.Connect("alice", h)
			_ = r.IsOnline("alice")
			_ = r.BroadcastTargets("alice")
			r.Disconnect("alice", h)
		}(i)
	}
	wg.Wait()
}

type recordingMirror struct {
	mu  sync.Mutex
	ops []string
}

func (m *recordingMirror) record(op string) error {
	m.mu.Lock()
	m.ops = append(m.ops, op)
	m.mu.Unlock()
	return nil
}

func (m *recordingMirror) SetOnline(_ context.Context, userID string) error {
	return m.record("online:" + userID)
}

func (m *recordingMirror) Refresh(_ context.Context, userID string) error {
	return m.record("refresh:" + userID)
}

func (m *recordingMirror) SetOffline(_ context.Context, userID string) error {
	return m.record("offline:" + userID)
}

func TestRegistry_MirrorFollowsTransitions(t *testing.T) {
	t.Parallel()

	m := &recordingMirror{}
	r, l := newTestRegistry(t, WithGrace(0), WithMirror(m))

	r.Connect("alice", "c1")
	l.expect(t, transition{online: true, userID: "alice"})
	r.Touch("alice")
	r.Touch("bob")
	r.Disconnect("alice", "c1")
	l.expect(t, transition{online: false, userID: "alice"})
	r.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	want := []string{"online:alice", "refresh:alice", "offline:alice"}
	if len(m.ops) != len(want) {
		t.Fatalf("mirror ops: %v", m.ops)
	}
	for i := range want {
		if m.ops[i] != want[i] {
			t.Fatalf("mirror ops: want %v got %v", want, m.ops)
		}
	}
}
