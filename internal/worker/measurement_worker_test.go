// internal/worker/measurement_worker_test.go
package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/events"
	"instrument-service/internal/model"
)

// fakeInstrument serves canned measurements and records commands.
type fakeInstrument struct {
	mu          sync.Mutex
	descriptor  *model.DeviceDescriptor
	applied     []model.Command
	measureErrs []error
	measures    int
}

func newFakeInstrument() *fakeInstrument {
	return &fakeInstrument{
		descriptor: &model.DeviceDescriptor{
			Address:   "/dev/ttyUSB0",
			Transport: model.TransportSerial,
			Kind:      model.DeviceKindPowerSupply,
		},
	}
}

func (f *fakeInstrument) Descriptor() *model.DeviceDescriptor { return f.descriptor }
func (f *fakeInstrument) Close() error                        { return nil }
func (f *fakeInstrument) CheckError(ctx context.Context) error {
	return nil
}

func (f *fakeInstrument) Apply(ctx context.Context, command model.Command) (*model.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, command)
	return &model.CommandResult{Address: f.descriptor.Address, Type: command.Type}, nil
}

func (f *fakeInstrument) MeasureAll(ctx context.Context) (*model.MeasurementSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.measureErrs) > 0 {
		err := f.measureErrs[0]
		f.measureErrs = f.measureErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.measures++
	return &model.MeasurementSample{
		Timestamp: time.Now(),
		DeviceID:  f.descriptor.Address,
		Channels: []model.ChannelValue{
			{Name: model.ChannelVoltage, Value: 5.0},
			{Name: model.ChannelCurrent, Value: 0.95},
		},
	}, nil
}

func (f *fakeInstrument) queueErrors(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.measureErrs = append(f.measureErrs, errs...)
}

func (f *fakeInstrument) measureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.measures
}

// recordingSink collects pushed samples.
type recordingSink struct {
	mu      sync.Mutex
	samples []model.MeasurementSample
}

func (r *recordingSink) Push(sample model.MeasurementSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

func newTestWorker(instrument *fakeInstrument, opts MeasurementOptions) (*MeasurementWorker, *recordingSink, *events.Bus) {
	bus := events.NewBus(zap.NewNop())
	go bus.Start()
	sink := &recordingSink{}
	return NewMeasurementWorker(instrument, sink, opts, bus, zap.NewNop()), sink, bus
}

func waitForState(t *testing.T, w *MeasurementWorker, state model.WorkerState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for w.State() != state {
		if time.Now().After(deadline) {
			t.Fatalf("state %s never reached, at %s", state, w.State())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSingleShotRunProducesSamplesAndStops(t *testing.T) {
	instrument := newFakeInstrument()
	w, sink, bus := newTestWorker(instrument, MeasurementOptions{})
	defer bus.Close()

	if err := w.Start(NewSingleShot(3, 0)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, w, model.WorkerStopped)

	if sink.count() != 3 {
		t.Fatalf("got %d samples, want 3", sink.count())
	}
}

func TestStartRejectedWhileRunning(t *testing.T) {
	instrument := newFakeInstrument()
	w, _, bus := newTestWorker(instrument, MeasurementOptions{})
	defer bus.Close()

	if err := w.Start(NewContinuous(10 * time.Millisecond)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop(context.Background())

	err := w.Start(NewContinuous(10 * time.Millisecond))
	var se *model.StateError
	if !errors.As(err, &se) {
		t.Fatalf("want state error, got %v", err)
	}
}

func TestThreeConsecutiveTransportFailuresFail(t *testing.T) {
	instrument := newFakeInstrument()
	transportErr := model.NewTransportError("read", errors.New("port gone"))
	// Six failed attempts: three steps, each failing its first try and
	// its retry.
	instrument.queueErrors(transportErr, transportErr, transportErr, transportErr, transportErr, transportErr)

	w, sink, bus := newTestWorker(instrument, MeasurementOptions{FailureThreshold: 3})
	defer bus.Close()

	if err := w.Start(NewContinuous(time.Millisecond)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, w, model.WorkerFailed)

	if sink.count() != 0 {
		t.Fatalf("failed run produced %d samples", sink.count())
	}
	if w.LastError() == "" {
		t.Fatal("failure reason not recorded")
	}

	// No further steps are scheduled after Failed.
	before := instrument.measureCount()
	time.Sleep(30 * time.Millisecond)
	if instrument.measureCount() != before {
		t.Fatal("steps still running after Failed")
	}
}

func TestRetryCountingTowardThreshold(t *testing.T) {
	instrument := newFakeInstrument()
	transportErr := model.NewTransportError("read", errors.New("port gone"))
	// Two fully failed steps are four attempts; counting retries this
	// crosses a threshold of 3 one step earlier.
	instrument.queueErrors(transportErr, transportErr, transportErr, transportErr)

	w, _, bus := newTestWorker(instrument, MeasurementOptions{
		FailureThreshold:         3,
		RetryCountsTowardFailure: true,
	})
	defer bus.Close()

	if err := w.Start(NewContinuous(time.Millisecond)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, w, model.WorkerFailed)
}

func TestSingleFailureIsGapNotFailure(t *testing.T) {
	instrument := newFakeInstrument()
	// First step fails, its retry fails too, leaving a gap. Second
	// step onward is healthy, so the run keeps going.
	protocolErr := &model.ProtocolError{Response: "garbage", Reason: "not numeric"}
	instrument.queueErrors(protocolErr, protocolErr)

	w, sink, bus := newTestWorker(instrument, MeasurementOptions{})
	defer bus.Close()

	if err := w.Start(NewSingleShot(3, 0)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, w, model.WorkerStopped)

	if sink.count() != 2 {
		t.Fatalf("got %d samples, want 2 (one gap)", sink.count())
	}
}

func TestRetrySalvagesStep(t *testing.T) {
	instrument := newFakeInstrument()
	instrument.queueErrors(model.NewTransportError("read", errors.New("hiccup")))

	w, sink, bus := newTestWorker(instrument, MeasurementOptions{})
	defer bus.Close()

	if err := w.Start(NewSingleShot(1, 0)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, w, model.WorkerStopped)

	if sink.count() != 1 {
		t.Fatalf("retried step lost: %d samples", sink.count())
	}
}

func TestPauseHaltsAndResumeContinues(t *testing.T) {
	instrument := newFakeInstrument()
	w, sink, bus := newTestWorker(instrument, MeasurementOptions{})
	defer bus.Close()

	if err := w.Start(NewContinuous(time.Millisecond)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no samples before pause")
		}
		time.Sleep(time.Millisecond)
	}

	if err := w.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	// Let any in-flight step drain, then confirm the loop is halted.
	time.Sleep(20 * time.Millisecond)
	paused := sink.count()
	time.Sleep(30 * time.Millisecond)
	if sink.count() != paused {
		t.Fatalf("samples produced while paused: %d -> %d", paused, sink.count())
	}

	if err := w.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for sink.count() == paused {
		if time.Now().After(deadline) {
			t.Fatal("no samples after resume")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPauseInvalidWhenNotRunning(t *testing.T) {
	instrument := newFakeInstrument()
	w, _, bus := newTestWorker(instrument, MeasurementOptions{})
	defer bus.Close()

	var se *model.StateError
	if err := w.Pause(); !errors.As(err, &se) {
		t.Fatalf("want state error, got %v", err)
	}
	if err := w.Resume(); !errors.As(err, &se) {
		t.Fatalf("want state error, got %v", err)
	}
}

func TestStopConfirmsTermination(t *testing.T) {
	instrument := newFakeInstrument()
	w, _, bus := newTestWorker(instrument, MeasurementOptions{})
	defer bus.Close()

	if err := w.Start(NewContinuous(time.Hour)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if w.State() != model.WorkerStopped {
		t.Fatalf("state after Stop: %s", w.State())
	}

	// Idempotent.
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}

func TestStopWhilePaused(t *testing.T) {
	instrument := newFakeInstrument()
	w, _, bus := newTestWorker(instrument, MeasurementOptions{})
	defer bus.Close()

	if err := w.Start(NewContinuous(time.Millisecond)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, w, model.WorkerRunning)
	if err := w.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestStartAgainAfterFailedClearsCondition(t *testing.T) {
	instrument := newFakeInstrument()
	transportErr := model.NewTransportError("read", errors.New("port gone"))
	instrument.queueErrors(transportErr, transportErr, transportErr, transportErr, transportErr, transportErr)

	w, sink, bus := newTestWorker(instrument, MeasurementOptions{FailureThreshold: 3})
	defer bus.Close()

	if err := w.Start(NewContinuous(time.Millisecond)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, w, model.WorkerFailed)

	if err := w.Start(NewSingleShot(1, 0)); err != nil {
		t.Fatalf("restart after Failed rejected: %v", err)
	}
	waitForState(t, w, model.WorkerStopped)

	if w.LastError() != "" {
		t.Fatalf("stale failure reason kept: %q", w.LastError())
	}
	if sink.count() != 1 {
		t.Fatalf("restarted run produced %d samples", sink.count())
	}
}
