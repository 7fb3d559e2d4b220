package bluetooth

import (
	"github.com/darkhz/btdevd/api/errorkinds"
	"github.com/darkhz/btdevd/api/eventbus"
)

// EventID represents a unique event ID.
type EventID byte

// The different types of event IDs.
const (
	EventNone EventID = iota // The zero value for this type.
	EventError
	EventDevice
	EventProperty
	EventDisconnected
)

// EventAction describes an action that is associated with an event.
type EventAction string

// The different types of event actions.
const (
	EventActionUpdated EventAction = "updated"
	EventActionAdded   EventAction = "added"
	EventActionRemoved EventAction = "removed"
)

var eventNames = map[EventID]string{
	EventNone:         "",
	EventError:        "error_event",
	EventDevice:       "device_event",
	EventProperty:     "property_event",
	EventDisconnected: "disconnected_event",
}

// String returns the name of the event ID.
func (e EventID) String() string {
	return eventNames[e]
}

// Value returns the event ID.
func (e EventID) Value() uint {
	return uint(e)
}

// NewDataEvents represents a set of events that contain complete information about an instance or event.
type NewDataEvents interface {
	errorkinds.GenericError | DeviceData | DisconnectedEventData | PropertyEventData
}

type emptyUpdatedDataEvent struct{}

// UpdatedDataEvents represents a set of events that contain a limited amount of data.
type UpdatedDataEvents interface {
	emptyUpdatedDataEvent | DeviceEventData
}

// Event represents a general event.
type Event[T NewDataEvents | UpdatedDataEvents] struct {
	ID     EventID     `json:"event_id,omitempty"`
	Action EventAction `json:"event_action,omitempty"`
	Data   T           `json:"event_data,omitempty"`
}

// EventGroup holds a set of events that can be added or updated for a
// particular event ID, published on a specific bus.
type EventGroup[N NewDataEvents, U UpdatedDataEvents] struct {
	ID  EventID
	Bus eventbus.EventHandler
}

// Subscriber describes a subscription to an event group.
type Subscriber[N NewDataEvents, U UpdatedDataEvents] struct {
	AddedEvents                  chan N
	UpdatedEvents, RemovedEvents chan U
	Done                         chan struct{}

	Unsubscribe func()
}

// PublishAdded publishes an event with the 'added' action.
func (e EventGroup[N, U]) PublishAdded(data N) {
	e.publish(Event[N]{e.ID, EventActionAdded, data})
}

// PublishUpdated publishes an event with the 'updated' action.
func (e EventGroup[N, U]) PublishUpdated(data U) {
	e.publish(Event[U]{e.ID, EventActionUpdated, data})
}

// PublishRemoved publishes an event with the 'removed' action.
func (e EventGroup[N, U]) PublishRemoved(data U) {
	e.publish(Event[U]{e.ID, EventActionRemoved, data})
}

func (e EventGroup[N, U]) publish(data any) {
	if e.Bus == nil {
		return
	}

	e.Bus.Publish(e.ID, data)
}

// Subscribe subscribes to an event group. Events are dropped for a
// subscriber that does not keep up.
func (e EventGroup[N, U]) Subscribe() (*Subscriber[N, U], bool) {
	bus := e.Bus
	if bus == nil {
		bus = eventbus.NilHandler()
	}

	id := bus.Subscribe(e.ID)

	sub := Subscriber[N, U]{
		AddedEvents:   make(chan N, 1),
		RemovedEvents: make(chan U, 1),
		UpdatedEvents: make(chan U, 1),
		Done:          make(chan struct{}, 1),
		Unsubscribe:   id.Unsubscribe,
	}

	go func() {
		defer func() {
			select {
			case sub.Done <- struct{}{}:
			default:
			}

			close(sub.AddedEvents)
			close(sub.RemovedEvents)
			close(sub.UpdatedEvents)
		}()

		for data := range id.C {
			switch v := data.(type) {
			case Event[N]:
				if v.Action != EventActionAdded {
					continue
				}

				select {
				case sub.AddedEvents <- v.Data:
				default:
				}

			case Event[U]:
				ch := sub.UpdatedEvents
				if v.Action == EventActionRemoved {
					ch = sub.RemovedEvents
				}

				select {
				case ch <- v.Data:
				default:
				}
			}
		}
	}()

	return &sub, id.IsActive()
}

// DeviceEvents returns an event interface for device added/updated/removed events.
func DeviceEvents(bus eventbus.EventHandler) EventGroup[DeviceData, DeviceEventData] {
	return EventGroup[DeviceData, DeviceEventData]{ID: EventDevice, Bus: bus}
}

// PropertyEvents returns an event interface for device property changes.
// Each change is published as an 'added' event.
func PropertyEvents(bus eventbus.EventHandler) EventGroup[PropertyEventData, emptyUpdatedDataEvent] {
	return EventGroup[PropertyEventData, emptyUpdatedDataEvent]{ID: EventProperty, Bus: bus}
}

// DisconnectedEvents returns an event interface for device disconnections.
func DisconnectedEvents(bus eventbus.EventHandler) EventGroup[DisconnectedEventData, emptyUpdatedDataEvent] {
	return EventGroup[DisconnectedEventData, emptyUpdatedDataEvent]{ID: EventDisconnected, Bus: bus}
}

// ErrorEvents returns an event interface to subscribe to error events.
func ErrorEvents(bus eventbus.EventHandler) EventGroup[errorkinds.GenericError, emptyUpdatedDataEvent] {
	return EventGroup[errorkinds.GenericError, emptyUpdatedDataEvent]{ID: EventError, Bus: bus}
}
