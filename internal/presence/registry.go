// Package presence tracks which users hold live realtime connections on this
// process. It is not synchronized with other instances; the optional Mirror
// publishes a best-effort copy for out-of-process readers.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/campswap/messaging/pkg/logger"
	"github.com/campswap/messaging/pkg/metrics"
)

// DefaultGrace absorbs quick reconnects before a user is reported offline.
const DefaultGrace = 5 * time.Second

const (
	eventQueueSize = 1024
	mirrorTimeout  = 2 * time.Second
)

// Listener is notified of presence transitions, in order, from a single goroutine.
type Listener interface {
	UserOnline(userID string)
	UserOffline(userID string, lastSeen time.Time)
}

// Mirror receives a copy of presence state.
type Mirror interface {
	SetOnline(ctx context.Context, userID string) error
	Refresh(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
}

type eventKind uint8

const (
	eventOnline eventKind = iota + 1
	eventOffline
	eventRefresh
)

type event struct {
	kind   eventKind
	userID string
	at     time.Time
}

type entry struct {
	handles map[string]struct{}
	timer   *time.Timer
	gen     uint64
}

// Registry maps user ids to their live connection handles.
type Registry struct {
	mu        sync.Mutex
	users     map[string]*entry
	listeners []Listener
	closed    bool

	grace  time.Duration
	mirror Mirror
	logger *logger.Logger
	now    func() time.Time

	queue chan event
	done  chan struct{}
	wg    sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithGrace sets the offline debounce window. Zero reports offline immediately.
func WithGrace(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.grace = d
		}
	}
}

// WithMirror publishes presence changes to m.
func WithMirror(m Mirror) Option {
	return func(r *Registry) { r.mirror = m }
}

// NewRegistry creates a registry and starts its notification goroutine.
func NewRegistry(log *logger.Logger, opts ...Option) *Registry {
	r := &Registry{
		users:  make(map[string]*entry),
		grace:  DefaultGrace,
		logger: log.Named("presence"),
		now:    func() time.Time { return time.Now().UTC() },
		queue:  make(chan event, eventQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.dispatch()
	return r
}

// Subscribe adds a listener. Listeners must not call back into the registry
// synchronously from their callbacks.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Connect adds handle to the user's connection set. The first connection
// (outside a pending grace window) announces the user online.
func (r *Registry) Connect(userID, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	e, ok := r.users[userID]
	if !ok {
		e = &entry{handles: make(map[string]struct{})}
		r.users[userID] = e
		r.enqueue(event{kind: eventOnline, userID: userID, at: r.now()})
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
		e.gen++
	}
	e.handles[handle] = struct{}{}
}

// Disconnect removes handle. When the last handle goes, the user is reported
// offline after the grace window unless they reconnect first.
func (r *Registry) Disconnect(userID, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.users[userID]
	if !ok {
		return
	}
	delete(e.handles, handle)
	if len(e.handles) > 0 || e.timer != nil {
		return
	}

	e.gen++
	gen := e.gen
	if r.grace <= 0 || r.closed {
		r.expireLocked(userID, gen)
		return
	}
	e.timer = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.expireLocked(userID, gen)
	})
}

func (r *Registry) expireLocked(userID string, gen uint64) {
	e, ok := r.users[userID]
	if !ok || e.gen != gen || len(e.handles) > 0 {
		return
	}
	delete(r.users, userID)
	r.enqueue(event{kind: eventOffline, userID: userID, at: r.now()})
}

// IsOnline reports whether the user is visibly online. A user inside the
// grace window still counts as online.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[userID]
	return ok
}

// BroadcastTargets returns the user's live connection handles.
func (r *Registry) BroadcastTargets(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.users[userID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.handles))
	for h := range e.handles {
		out = append(out, h)
	}
	return out
}

// OnlineUsers returns how many users are visibly online.
func (r *Registry) OnlineUsers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// Touch refreshes the mirror entry for a user with live connections.
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[userID]; ok && r.mirror != nil {
		r.enqueue(event{kind: eventRefresh, userID: userID, at: r.now()})
	}
}

// Close stops pending timers and drains queued notifications.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, e := range r.users {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()
}

// enqueue must be called with r.mu held so events keep state-change order.
func (r *Registry) enqueue(ev event) {
	if r.closed {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("presence queue full, dropping event",
			logger.UserID(ev.userID),
			zap.Uint8("kind", uint8(ev.kind)),
		)
	}
}

func (r *Registry) dispatch() {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.queue:
			r.deliver(ev)
		case <-r.done:
			for {
				select {
				case ev := <-r.queue:
					r.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Registry) deliver(ev event) {
	r.mu.Lock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	switch ev.kind {
	case eventOnline:
		metrics.OnlineUsers.Inc()
		for _, l := range listeners {
			l.UserOnline(ev.userID)
		}
	case eventOffline:
		metrics.OnlineUsers.Dec()
		for _, l := range listeners {
			l.UserOffline(ev.userID, ev.at)
		}
	}

	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	var err error
	switch ev.kind {
	case eventOnline:
		err = r.mirror.SetOnline(ctx, ev.userID)
	case eventOffline:
		err = r.mirror.SetOffline(ctx, ev.userID)
	case eventRefresh:
		err = r.mirror.Refresh(ctx, ev.userID)
	}
	if err != nil {
		r.logger.Warn("presence mirror update failed", logger.UserID(ev.userID), zap.Error(err))
	}
}
