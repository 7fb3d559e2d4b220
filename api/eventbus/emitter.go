package eventbus

import (
	"github.com/cskr/pubsub/v2"
)

// EventID represents a unique event ID.
type EventID interface {
	String() string
	Value() uint
}

// SubscriberID represents a subscription to a single event topic.
// The channel is closed when the bus shuts down.
type SubscriberID struct {
	C     chan any
	Topic uint

	active bool
	unsub  func()
}

// Unsubscribe unsubscribes from the attached subscription.
func (s SubscriberID) Unsubscribe() {
	if s.unsub != nil {
		s.unsub()
	}
}

// IsActive returns if the subscriber can actually receive events.
func (s SubscriberID) IsActive() bool {
	return s.active
}

// NilEventHandler represents a disabled event handler.
type NilEventHandler struct{}

// Bus represents an event bus that is shared by reference between the
// components of a session.
type Bus struct {
	*pubsub.PubSub[uint, any]
}

// EventPublisher represents an interface that provides an event publisher.
type EventPublisher interface {
	// Publish publishes an event to the event stream.
	Publish(id EventID, data any)
}

// EventSubscriber represents an interface that provides an event subscriber.
type EventSubscriber interface {
	// Subscribe subscribes to an event from the event stream.
	Subscribe(id EventID) SubscriberID
}

// EventHandler represents an interface that provides an event publisher and subscriber.
type EventHandler interface {
	EventPublisher
	EventSubscriber
}

// New returns a new event bus, with a per-subscriber buffer of the provided capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 10
	}

	return &Bus{PubSub: pubsub.New[uint, any](capacity)}
}

// NilHandler returns a disabled event handler.
func NilHandler() *NilEventHandler {
	return &NilEventHandler{}
}

// Publish publishes an event to the event stream.
// Slow subscribers do not block the publisher.
func (b *Bus) Publish(id EventID, data any) {
	if id == nil {
		return
	}

	b.TryPub(data, id.Value())
}

// Subscribe subscribes to an event from the event stream.
func (b *Bus) Subscribe(id EventID) SubscriberID {
	if id == nil {
		return NilHandler().Subscribe(nil)
	}

	topic := id.Value()
	ch := b.Sub(topic)

	return SubscriberID{
		C:      ch,
		Topic:  topic,
		active: true,
		unsub: func() {
			go b.Unsub(ch, topic)
		},
	}
}

// Close shuts down the event bus, and closes all subscriber channels.
func (b *Bus) Close() {
	b.Shutdown()
}

// Publish does not do anything.
func (n *NilEventHandler) Publish(EventID, any) {
}

// Subscribe does not do anything.
func (n *NilEventHandler) Subscribe(EventID) SubscriberID {
	ch := make(chan any)
	close(ch)
	return SubscriberID{C: ch}
}
