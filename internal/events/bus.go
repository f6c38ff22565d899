// internal/events/bus.go
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/model"
)

// TopicAll subscribes to every topic on the bus.
const TopicAll model.EventTopic = "*"

// Bus distributes bench events to subscribers. Publishing never
// blocks: a full bus or a slow subscriber drops events rather than
// stalling a worker loop.
type Bus struct {
	subscribers map[model.EventTopic][]chan model.Event
	events      chan model.Event
	mutex       sync.RWMutex
	logger      *zap.Logger
	closeOnce   sync.Once
	done        chan struct{}
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subscribers: make(map[model.EventTopic][]chan model.Event),
		events:      make(chan model.Event, 1000),
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Start runs the distribution loop until Close is called.
func (b *Bus) Start() {
	for {
		select {
		case event := <-b.events:
			b.distribute(event)
		case <-b.done:
			return
		}
	}
}

// Close stops the distribution loop.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Publish publishes an event. The timestamp is filled in if the
// caller left it zero.
func (b *Bus) Publish(event model.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.events <- event:
	case <-b.done:
	default:
		b.logger.Warn("Event bus full, dropping event",
			zap.String("topic", string(event.Topic)),
			zap.String("address", event.Address),
		)
	}
}

// Subscribe subscribes to events of one topic, or every topic with
// TopicAll.
func (b *Bus) Subscribe(topic model.EventTopic) <-chan model.Event {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	subscriber := make(chan model.Event, 100)
	b.subscribers[topic] = append(b.subscribers[topic], subscriber)
	return subscriber
}

// distribute fans an event out to matching subscribers
func (b *Bus) distribute(event model.Event) {
	b.mutex.RLock()
	subscribers := append([]chan model.Event{}, b.subscribers[event.Topic]...)
	subscribers = append(subscribers, b.subscribers[TopicAll]...)
	b.mutex.RUnlock()

	for _, subscriber := range subscribers {
		select {
		case subscriber <- event:
		default:
			// Subscriber is slow, skip
		}
	}
}
