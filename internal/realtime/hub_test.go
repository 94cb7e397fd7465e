package realtime

import (
	"testing"
	"time"

	"github.com/campswap/messaging/internal/events"
	"github.com/campswap/messaging/internal/presence"
	"github.com/campswap/messaging/pkg/logger"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	reg := presence.NewRegistry(logger.NewNop(), presence.WithGrace(0))
	t.Cleanup(reg.Close)
	return NewHub(reg, logger.NewNop())
}

func TestHub_SendToUserReachesEveryDevice(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	phone := NewClient("alice", minSendQueueSize)
	laptop := NewClient("alice", minSendQueueSize)
	other := NewClient("bob", minSendQueueSize)
	h.Register(phone)
	h.Register(laptop)
	h.Register(other)

	h.SendToUser("alice", events.Pong{})

	for _, c := range []*Client{phone, laptop} {
		select {
		case f := <-c.Send:
			if f.typ != events.TypePong {
				t.Fatalf("unexpected frame %q", f.typ)
			}
		default:
			t.Fatalf("client %s got nothing", c.ID)
		}
	}
	select {
	case f := <-other.Send:
		t.Fatalf("bob must not receive alice's events, got %q", f.typ)
	default:
	}
}

func TestHub_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	c := NewClient("alice", minSendQueueSize)
	h.Register(c)

	for i := 0; i < minSendQueueSize; i++ {
		if !h.SendToClient(c, events.Pong{}) {
			t.Fatalf("enqueue %d should succeed", i)
		}
	}
	if h.SendToClient(c, events.Pong{}) {
		t.Fatalf("full queue must drop instead of blocking")
	}
}

func TestHub_UnregisterStopsDelivery(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	c := NewClient("alice", minSendQueueSize)
	h.Register(c)
	if c.State() != StateConnecting {
		t.Fatalf("hub does not drive state, got %s", c.State())
	}

	h.Unregister(c)
	h.Unregister(c)

	if c.State() != StateClosed {
		t.Fatalf("unregistered client must be closed, got %s", c.State())
	}
	if h.ClientCount() != 0 {
		t.Fatalf("client count: %d", h.ClientCount())
	}
	h.SendToUser("alice", events.Pong{})
	if h.SendToClient(c, events.Pong{}) {
		t.Fatalf("closed client must not accept frames")
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	t0 := time.Unix(1_700_000_000, 0)

	if !rl.Allow(t0) || !rl.Allow(t0.Add(100*time.Millisecond)) {
		t.Fatalf("first two events must pass")
	}
	if rl.Allow(t0.Add(200 * time.Millisecond)) {
		t.Fatalf("third event inside the window must be rejected")
	}
	if !rl.Allow(t0.Add(1100 * time.Millisecond)) {
		t.Fatalf("window should have slid")
	}
}
