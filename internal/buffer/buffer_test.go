// internal/buffer/buffer_test.go
package buffer

import (
	"fmt"
	"testing"
	"time"

	"instrument-service/internal/model"
)

func sampleWithVoltage(deviceID string, voltage float64) model.MeasurementSample {
	return model.MeasurementSample{
		Timestamp: time.Now(),
		DeviceID:  deviceID,
		Channels: []model.ChannelValue{
			{Name: model.ChannelVoltage, Value: voltage},
		},
	}
}

func voltages(samples []model.MeasurementSample) []float64 {
	out := make([]float64, len(samples))
	for i := range samples {
		out[i], _ = samples[i].Value(model.ChannelVoltage)
	}
	return out
}

func TestPushAndSnapshotOrder(t *testing.T) {
	ring := NewRing(10)
	for i := 1; i <= 3; i++ {
		ring.Push(sampleWithVoltage("dev", float64(i)))
	}

	got := voltages(ring.Snapshot())
	want := []float64{1, 2, 3}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("snapshot order %v, want %v", got, want)
	}
}

func TestOverflowEvictsOldest(t *testing.T) {
	ring := NewRing(3)
	for i := 1; i <= 5; i++ {
		ring.Push(sampleWithVoltage("dev", float64(i)))
	}

	if ring.Len() != 3 {
		t.Fatalf("len %d, want 3", ring.Len())
	}
	got := voltages(ring.Snapshot())
	want := []float64{3, 4, 5}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("after overflow %v, want %v", got, want)
	}
}

func TestLatest(t *testing.T) {
	ring := NewRing(3)
	if _, ok := ring.Latest(); ok {
		t.Fatal("empty ring reported a latest sample")
	}

	ring.Push(sampleWithVoltage("dev", 1))
	ring.Push(sampleWithVoltage("dev", 2))

	latest, ok := ring.Latest()
	if !ok {
		t.Fatal("latest missing")
	}
	if v, _ := latest.Value(model.ChannelVoltage); v != 2 {
		t.Fatalf("latest voltage %v, want 2", v)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	ring := NewRing(3)
	ring.Push(sampleWithVoltage("dev", 1))

	snapshot := ring.Snapshot()
	snapshot[0].Channels[0].Value = 99

	again := ring.Snapshot()
	if v, _ := again[0].Value(model.ChannelVoltage); v != 1 {
		t.Fatalf("snapshot mutation leaked into ring: %v", v)
	}
}

func TestClear(t *testing.T) {
	ring := NewRing(3)
	ring.Push(sampleWithVoltage("dev", 1))
	ring.Clear()

	if ring.Len() != 0 {
		t.Fatalf("len after clear: %d", ring.Len())
	}
	ring.Push(sampleWithVoltage("dev", 2))
	got := voltages(ring.Snapshot())
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("ring unusable after clear: %v", got)
	}
}

func TestManagerRoutesByDevice(t *testing.T) {
	manager := NewManager(10)
	manager.Push(sampleWithVoltage("/dev/ttyUSB0", 1))
	manager.Push(sampleWithVoltage("192.168.1.20:5025", 2))
	manager.Push(sampleWithVoltage("/dev/ttyUSB0", 3))

	if manager.Len("/dev/ttyUSB0") != 2 {
		t.Fatalf("serial device len %d, want 2", manager.Len("/dev/ttyUSB0"))
	}
	if manager.Len("192.168.1.20:5025") != 1 {
		t.Fatalf("tcp device len %d, want 1", manager.Len("192.168.1.20:5025"))
	}
	if manager.Snapshot("unknown") != nil {
		t.Fatal("unknown device should have no snapshot")
	}
	if _, ok := manager.Latest("unknown"); ok {
		t.Fatal("unknown device should have no latest")
	}
}

func TestManagerRemove(t *testing.T) {
	manager := NewManager(10)
	manager.Push(sampleWithVoltage("/dev/ttyUSB0", 1))
	manager.Remove("/dev/ttyUSB0")

	if manager.Len("/dev/ttyUSB0") != 0 {
		t.Fatal("samples survived Remove")
	}
}

func TestConcurrentPushAndSnapshot(t *testing.T) {
	ring := NewRing(100)
	done := make(chan struct{})

	go func() {
		for i := 0; i < 1000; i++ {
			ring.Push(sampleWithVoltage("dev", float64(i)))
		}
		close(done)
	}()

	for {
		select {
		case <-done:
			if ring.Len() != 100 {
				t.Fatalf("len %d, want 100", ring.Len())
			}
			return
		default:
			snapshot := ring.Snapshot()
			got := voltages(snapshot)
			for i := 1; i < len(got); i++ {
				if got[i] != got[i-1]+1 {
					t.Fatalf("snapshot not contiguous at %d: %v", i, got)
				}
			}
		}
	}
}
