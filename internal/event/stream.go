package event

import (
	"sync"
	"sync/atomic"

	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// Listener receives stream events for one session.
type Listener func(types.StreamEvent)

// StreamBus fans stream events out to per-session listeners. Each listener
// has its own unbounded FIFO mailbox drained by its own goroutine, so every
// listener sees a session's events in publish order and a slow listener
// never blocks the publisher or other listeners.
type StreamBus struct {
	mu       sync.Mutex
	sessions map[string]map[uint64]*mailbox
	nextID   atomic.Uint64
	closed   bool
}

// NewStreamBus creates an empty stream bus.
func NewStreamBus() *StreamBus {
	return &StreamBus{sessions: make(map[string]map[uint64]*mailbox)}
}

// Subscribe attaches fn to sessionID. The returned function detaches it;
// events still queued for fn are dropped.
func (b *StreamBus) Subscribe(sessionID string, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	id := b.nextID.Add(1)
	m := newMailbox(sessionID, fn)
	subs := b.sessions[sessionID]
	if subs == nil {
		subs = make(map[uint64]*mailbox)
		b.sessions[sessionID] = subs
	}
	subs[id] = m

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.sessions[sessionID]; subs != nil {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.sessions, sessionID)
				}
			}
			b.mu.Unlock()
			m.close()
		})
	}
}

// Publish enqueues ev for every listener of ev.SessionID and returns without
// waiting for delivery.
func (b *StreamBus) Publish(ev types.StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, m := range b.sessions[ev.SessionID] {
		m.push(ev)
	}
}

// Listeners returns the number of listeners attached to sessionID.
func (b *StreamBus) Listeners(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions[sessionID])
}

// Close detaches every listener. Events already queued are still delivered.
func (b *StreamBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	sessions := b.sessions
	b.sessions = make(map[string]map[uint64]*mailbox)
	b.mu.Unlock()

	for _, subs := range sessions {
		for _, m := range subs {
			m.drain()
		}
	}
}

type mailbox struct {
	sessionID string
	fn        Listener

	mu       sync.Mutex
	queue    []types.StreamEvent
	closed   bool
	draining bool
	wake     chan struct{}
	done     chan struct{}
}

func newMailbox(sessionID string, fn Listener) *mailbox {
	m := &mailbox{
		sessionID: sessionID,
		fn:        fn,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) push(ev types.StreamEvent) {
	m.mu.Lock()
	if m.closed || m.draining {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				return
			}
			if len(m.queue) == 0 {
				draining := m.draining
				m.mu.Unlock()
				if draining {
					return
				}
				break
			}
			ev := m.queue[0]
			m.queue[0] = types.StreamEvent{}
			m.queue = m.queue[1:]
			m.mu.Unlock()

			m.deliver(ev)
		}
	}
}

func (m *mailbox) deliver(ev types.StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Interface("panic", r).
				Str("sessionID", m.sessionID).
				Str("event", string(ev.Type)).
				Msg("Stream listener panicked")
		}
	}()
	m.fn(ev)
}

// drain stops accepting events and lets run exit once the queue is empty.
func (m *mailbox) drain() {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
	close(m.done)
}
