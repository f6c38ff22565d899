// internal/events/bus_test.go
package events

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/model"
)

func TestPublishReachesTopicSubscriber(t *testing.T) {
	bus := NewBus(zap.NewNop())
	go bus.Start()
	defer bus.Close()

	sub := bus.Subscribe(model.TopicDeviceConnected)
	bus.Publish(model.Event{Topic: model.TopicDeviceConnected, Address: "/dev/ttyUSB0"})

	select {
	case event := <-sub:
		if event.Address != "/dev/ttyUSB0" {
			t.Fatalf("unexpected address: %s", event.Address)
		}
		if event.Timestamp.IsZero() {
			t.Fatal("timestamp not filled in")
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestWildcardSubscriberSeesAllTopics(t *testing.T) {
	bus := NewBus(zap.NewNop())
	go bus.Start()
	defer bus.Close()

	all := bus.Subscribe(TopicAll)
	bus.Publish(model.Event{Topic: model.TopicPortAdded, Address: "/dev/ttyUSB1"})
	bus.Publish(model.Event{Topic: model.TopicWorkerState, Address: "/dev/ttyUSB1", State: model.WorkerRunning})

	got := make(map[model.EventTopic]bool)
	for i := 0; i < 2; i++ {
		select {
		case event := <-all:
			got[event.Topic] = true
		case <-time.After(time.Second):
			t.Fatalf("only %d of 2 events delivered", i)
		}
	}
	if !got[model.TopicPortAdded] || !got[model.TopicWorkerState] {
		t.Fatalf("missing topics: %v", got)
	}
}

func TestOtherTopicNotDelivered(t *testing.T) {
	bus := NewBus(zap.NewNop())
	go bus.Start()
	defer bus.Close()

	sub := bus.Subscribe(model.TopicPortRemoved)
	bus.Publish(model.Event{Topic: model.TopicPortAdded, Address: "/dev/ttyUSB2"})

	select {
	case event := <-sub:
		t.Fatalf("unexpected delivery: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(zap.NewNop())
	go bus.Start()
	defer bus.Close()

	// Never drained: its buffer fills and later events are dropped
	// for it, but Publish must keep returning promptly.
	bus.Subscribe(model.TopicSampleRecorded)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			bus.Publish(model.Event{Topic: model.TopicSampleRecorded})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a slow subscriber")
	}
}
