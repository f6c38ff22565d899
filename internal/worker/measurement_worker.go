// internal/worker/measurement_worker.go
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/driver"
	"instrument-service/internal/events"
	"instrument-service/internal/model"
)

// SampleSink receives every sample a worker produces. Push must not
// block; the ring buffer satisfies this by construction.
type SampleSink interface {
	Push(sample model.MeasurementSample)
}

// MeasurementOptions tunes the failure policy of a worker.
type MeasurementOptions struct {
	// FailureThreshold is the number of consecutive transport-level
	// failures that move the worker to Failed.
	FailureThreshold int

	// RetryCountsTowardFailure controls whether the in-step retry
	// attempt adds to the consecutive failure count, or only the
	// step's final outcome does.
	RetryCountsTowardFailure bool
}

// MeasurementWorker repeatedly executes a strategy against one
// connected instrument. The run loop owns the device I/O exclusively;
// pause, resume and stop are requests observed at the next safe point,
// never mid-command.
type MeasurementWorker struct {
	instrument driver.Instrument
	sink       SampleSink
	bus        *events.Bus
	logger     *zap.Logger
	opts       MeasurementOptions

	mutex         sync.Mutex
	cond          *sync.Cond
	state         model.WorkerState
	lastError     string
	stopRequested bool
	wake          chan struct{}
	stopped       chan struct{}
}

// NewMeasurementWorker creates a worker bound to a connected
// instrument.
func NewMeasurementWorker(instrument driver.Instrument, sink SampleSink, opts MeasurementOptions, bus *events.Bus, logger *zap.Logger) *MeasurementWorker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	w := &MeasurementWorker{
		instrument: instrument,
		sink:       sink,
		bus:        bus,
		opts:       opts,
		logger: logger.With(
			zap.String("worker", "measurement"),
			zap.String("address", instrument.Descriptor().Address),
		),
		state: model.WorkerIdle,
	}
	w.cond = sync.NewCond(&w.mutex)
	return w
}

// State returns the current worker state.
func (w *MeasurementWorker) State() model.WorkerState {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.state
}

// LastError returns the reason of the last Failed transition.
func (w *MeasurementWorker) LastError() string {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.lastError
}

// Start schedules the first strategy step. Valid from Idle, Stopped or
// Failed; starting clears a stale failure.
func (w *MeasurementWorker) Start(strategy Strategy) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	switch w.state {
	case model.WorkerIdle, model.WorkerStopped, model.WorkerFailed:
	default:
		return &model.StateError{Op: "start", State: w.state}
	}

	strategy.Reset()
	w.lastError = ""
	w.stopRequested = false
	w.wake = make(chan struct{})
	w.stopped = make(chan struct{})
	w.setStateLocked(model.WorkerRunning, "")

	go w.run(strategy)
	return nil
}

// Pause halts the loop after the in-flight step completes. Valid only
// from Running.
func (w *MeasurementWorker) Pause() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.state != model.WorkerRunning {
		return &model.StateError{Op: "pause", State: w.state}
	}
	w.setStateLocked(model.WorkerPaused, "")
	return nil
}

// Resume continues a paused run. Valid only from Paused.
func (w *MeasurementWorker) Resume() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.state != model.WorkerPaused {
		return &model.StateError{Op: "resume", State: w.state}
	}
	w.setStateLocked(model.WorkerRunning, "")
	w.cond.Broadcast()
	return nil
}

// Stop requests termination and waits for the loop to confirm it, up
// to the context deadline. Observed before the next step begins.
func (w *MeasurementWorker) Stop(ctx context.Context) error {
	w.mutex.Lock()
	switch w.state {
	case model.WorkerIdle, model.WorkerStopped, model.WorkerFailed:
		w.mutex.Unlock()
		return nil
	}

	if !w.stopRequested {
		w.stopRequested = true
		w.setStateLocked(model.WorkerStopping, "")
		close(w.wake)
		w.cond.Broadcast()
	}
	stopped := w.stopped
	w.mutex.Unlock()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the measurement loop. It exits through exactly one terminal
// transition: Stopped or Failed.
func (w *MeasurementWorker) run(strategy Strategy) {
	defer close(w.stopped)

	w.logger.Info("Measurement run started", zap.String("strategy", strategy.Name()))

	var prev *model.MeasurementSample
	consecutiveFailures := 0

	for {
		if !w.awaitRunnable() {
			w.transition(model.WorkerStopped, "")
			return
		}

		step, done := strategy.Next(prev)
		if done {
			w.logger.Info("Strategy complete")
			w.transition(model.WorkerStopped, "")
			return
		}

		sample, failures := w.executeStep(step)
		consecutiveFailures += failures
		if sample != nil {
			consecutiveFailures = 0
			prev = sample
			w.sink.Push(*sample)
			w.bus.Publish(model.Event{
				Topic:   model.TopicSampleRecorded,
				Address: sample.DeviceID,
				Sample:  sample,
			})
		}

		if consecutiveFailures >= w.opts.FailureThreshold {
			w.logger.Error("Transport failure threshold reached",
				zap.Int("consecutive_failures", consecutiveFailures),
			)
			w.transition(model.WorkerFailed, "consecutive transport failures")
			return
		}

		if !w.sleep(step.Delay) {
			w.transition(model.WorkerStopped, "")
			return
		}
	}
}

// executeStep issues the step's commands and takes one reading. A
// failed attempt is retried once with the same commands; a second
// failure makes this step a gap. The returned count is how many
// transport-level failures accrue toward the threshold.
func (w *MeasurementWorker) executeStep(step Step) (*model.MeasurementSample, int) {
	failures := 0

	for attempt := 0; attempt < 2; attempt++ {
		sample, err := w.attemptStep(step)
		if err == nil {
			return sample, failures
		}

		transportLevel := model.IsTransportLevel(err)
		if transportLevel && (attempt == 1 || w.opts.RetryCountsTowardFailure) {
			failures++
		}

		if attempt == 0 {
			w.logger.Warn("Step failed, retrying once", zap.Error(err))
			continue
		}
		w.logger.Warn("Step failed after retry, recording gap", zap.Error(err))
	}

	return nil, failures
}

func (w *MeasurementWorker) attemptStep(step Step) (*model.MeasurementSample, error) {
	ctx := context.Background()

	for _, command := range step.Commands {
		if _, err := w.instrument.Apply(ctx, command); err != nil {
			return nil, err
		}
	}
	return w.instrument.MeasureAll(ctx)
}

// awaitRunnable blocks while paused and reports false once stop has
// been requested.
func (w *MeasurementWorker) awaitRunnable() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	for {
		if w.stopRequested {
			return false
		}
		if w.state != model.WorkerPaused {
			return true
		}
		w.cond.Wait()
	}
}

// sleep waits out the step delay, returning early (false) on stop.
func (w *MeasurementWorker) sleep(delay time.Duration) bool {
	w.mutex.Lock()
	stopRequested := w.stopRequested
	wake := w.wake
	w.mutex.Unlock()
	if stopRequested {
		return false
	}
	if delay <= 0 {
		return true
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-wake:
		return false
	}
}

func (w *MeasurementWorker) transition(state model.WorkerState, reason string) {
	w.mutex.Lock()
	w.setStateLocked(state, reason)
	w.mutex.Unlock()
}

// setStateLocked records a transition and publishes it. Callers hold
// the mutex.
func (w *MeasurementWorker) setStateLocked(state model.WorkerState, reason string) {
	w.state = state
	if reason != "" {
		w.lastError = reason
	}

	address := w.instrument.Descriptor().Address
	event := model.Event{
		Topic:   model.TopicWorkerState,
		Address: address,
		State:   state,
		Reason:  reason,
	}
	if state == model.WorkerFailed {
		event.Topic = model.TopicWorkerFailed
	}
	w.bus.Publish(event)
}
