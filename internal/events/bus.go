package events

import (
	"github.com/kelindar/event"
)

// Bus wraps a kelindar/event dispatcher. Publishing never blocks on slow
// subscribers beyond the dispatcher's own queue.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish delivers ev to every subscriber of its concrete type.
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case FrameProcessedEvent:
		event.Publish(b.dispatcher, e)
	case CaptureErrorEvent:
		event.Publish(b.dispatcher, e)
	case CaptureStateEvent:
		event.Publish(b.dispatcher, e)
	case DeviceDiscoveryEvent:
		event.Publish(b.dispatcher, e)
	case ProcessingChangedEvent:
		event.Publish(b.dispatcher, e)
	case RecordingEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers handler for the event type it accepts and returns an
// unsubscribe function. Handlers for unknown types are ignored.
//
//	unsub := bus.Subscribe(func(e FrameProcessedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(FrameProcessedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(CaptureErrorEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(CaptureStateEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DeviceDiscoveryEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ProcessingChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(RecordingEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}

// SubscribeToChannel forwards events of type T into ch, dropping them when
// ch is full. The API's SSE handlers select on such channels.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}
