// internal/model/event.go
package model

import "time"

// EventTopic identifies a class of bench events.
type EventTopic string

const (
	TopicPortAdded          EventTopic = "port.added"
	TopicPortRemoved        EventTopic = "port.removed"
	TopicDeviceConnected    EventTopic = "device.connected"
	TopicDeviceDisconnected EventTopic = "device.disconnected"
	TopicWorkerState        EventTopic = "worker.state"
	TopicWorkerFailed       EventTopic = "worker.failed"
	TopicSampleRecorded     EventTopic = "sample.recorded"
	TopicActiveChanged      EventTopic = "device.active"
)

// Event is a typed notification published on the bench event bus.
// Address identifies the device or port the event concerns; Sample is
// set only for TopicSampleRecorded.
type Event struct {
	Topic     EventTopic         `json:"topic"`
	Address   string             `json:"address,omitempty"`
	State     WorkerState        `json:"state,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Sample    *MeasurementSample `json:"sample,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}
