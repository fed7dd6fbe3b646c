// Package event provides the in-process notification plumbing: a watermill-backed
// bus for fire-and-forget notifications, and the ordered per-session stream bus
// that carries snapshots to observers.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/oklog/ulid/v2"

	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
)

// EventType is a notification topic.
type EventType string

const (
	// FilesChanged fires after every tool outcome and on workspace file changes.
	FilesChanged EventType = "files.changed"
	// PermissionRequested fires when a request is waiting for a human.
	PermissionRequested EventType = "permission.requested"
	// PermissionResolved fires once per finished permission request.
	PermissionResolved EventType = "permission.resolved"
	// TurnFinished fires when a turn reaches a terminal phase.
	TurnFinished EventType = "turn.finished"
)

// AllTypes lists every notification topic.
var AllTypes = []EventType{FilesChanged, PermissionRequested, PermissionResolved, TurnFinished}

// Event is a notification as delivered to subscribers.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Time      time.Time       `json:"time"`
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Subscriber receives notifications.
type Subscriber func(Event)

const metaSession = "session_id"

// Bus publishes notifications over a watermill GoChannel. Publishing never
// blocks on subscribers and messages published with no subscriber are dropped.
type Bus struct {
	pubsub *gochannel.GoChannel

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	ctx    context.Context
}

// NewBus creates a notification bus.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish sends a notification. data is JSON-encoded.
func (b *Bus) Publish(eventType EventType, sessionID string, data any) error {
	if b.isClosed() {
		return nil
	}
	var payload []byte
	if data != nil {
		var err error
		if payload, err = json.Marshal(data); err != nil {
			return fmt.Errorf("encode %s: %w", eventType, err)
		}
	}
	msg := message.NewMessage(ulid.Make().String(), payload)
	msg.Metadata.Set(metaSession, sessionID)
	msg.Metadata.Set("time", time.Now().UTC().Format(time.RFC3339Nano))
	if err := b.pubsub.Publish(string(eventType), msg); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

// Notify publishes and logs failures instead of returning them.
func (b *Bus) Notify(eventType EventType, sessionID string, data any) {
	if err := b.Publish(eventType, sessionID, data); err != nil {
		logging.Warn().Err(err).Str("sessionID", sessionID).Msg("Failed to publish notification")
	}
}

// Subscribe registers fn for one topic and returns an unsubscribe function.
// fn is called from a dedicated goroutine, one message at a time.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	if b.isClosed() {
		return func() {}
	}
	ctx, cancel := context.WithCancel(b.ctx)
	msgs, err := b.pubsub.Subscribe(ctx, string(eventType))
	if err != nil {
		cancel()
		logging.Warn().Err(err).Str("topic", string(eventType)).Msg("Subscribe failed")
		return func() {}
	}

	var detached atomic.Bool
	go func() {
		for msg := range msgs {
			if detached.Load() || ctx.Err() != nil {
				msg.Ack()
				continue
			}
			ev := Event{
				ID:        msg.UUID,
				Type:      eventType,
				SessionID: msg.Metadata.Get(metaSession),
				Data:      json.RawMessage(msg.Payload),
			}
			if ts, err := time.Parse(time.RFC3339Nano, msg.Metadata.Get("time")); err == nil {
				ev.Time = ts
			}
			deliver(fn, ev)
			msg.Ack()
		}
	}()
	// GoChannel drops the subscriber asynchronously; the flag stops delivery
	// as soon as unsubscribe returns.
	return func() {
		detached.Store(true)
		cancel()
	}
}

// SubscribeAll registers fn for every topic.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	unsubs := make([]func(), 0, len(AllTypes))
	for _, t := range AllTypes {
		unsubs = append(unsubs, b.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func deliver(fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Str("topic", string(ev.Type)).Msg("Notification subscriber panicked")
		}
	}()
	fn(ev)
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	return b.pubsub.Close()
}

// PubSub returns the underlying watermill GoChannel.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
