// internal/worker/connection_worker.go
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/driver"
	"instrument-service/internal/events"
	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
	"instrument-service/internal/scpi"
)

// Dialer opens a transport for a device descriptor. Injected so tests
// can connect to fake instruments.
type Dialer func(descriptor *model.DeviceDescriptor) (protocol.DeviceTransport, error)

// ConnectResult is the one-time completion event of a connect attempt.
// Exactly one of Instrument or Err is set.
type ConnectResult struct {
	Instrument driver.Instrument
	Err        error
}

// ConnectionWorker drives one device from known to connected without
// blocking the caller: open the transport, confirm the identity,
// build the driver. The terminal outcome is delivered exactly once on
// the result channel.
type ConnectionWorker struct {
	descriptor   *model.DeviceDescriptor
	registry     *driver.Registry
	dial         Dialer
	bus          *events.Bus
	logger       *zap.Logger
	timeout      time.Duration
	queryTimeout time.Duration

	mutex  sync.Mutex
	state  model.WorkerState
	cancel context.CancelFunc
	once   sync.Once
	result chan ConnectResult
}

// NewConnectionWorker creates a connection worker for one descriptor.
func NewConnectionWorker(descriptor *model.DeviceDescriptor, registry *driver.Registry, dial Dialer, timeout, queryTimeout time.Duration, bus *events.Bus, logger *zap.Logger) *ConnectionWorker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ConnectionWorker{
		descriptor:   descriptor,
		registry:     registry,
		dial:         dial,
		bus:          bus,
		timeout:      timeout,
		queryTimeout: queryTimeout,
		logger: logger.With(
			zap.String("worker", "connection"),
			zap.String("address", descriptor.Address),
		),
		state:  model.WorkerIdle,
		result: make(chan ConnectResult, 1),
	}
}

// State returns the current worker state.
func (w *ConnectionWorker) State() model.WorkerState {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.state
}

// Start launches the connect attempt. Valid only from Idle. The
// returned channel delivers exactly one ConnectResult.
func (w *ConnectionWorker) Start(ctx context.Context) (<-chan ConnectResult, error) {
	w.mutex.Lock()
	if w.state != model.WorkerIdle {
		state := w.state
		w.mutex.Unlock()
		return nil, &model.StateError{Op: "start", State: state}
	}
	w.state = model.WorkerConnecting

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	w.cancel = cancel
	w.mutex.Unlock()

	go w.connect(runCtx)
	return w.result, nil
}

// Cancel aborts a connect attempt in flight. Idempotent; a no-op in
// any state other than Connecting.
func (w *ConnectionWorker) Cancel() {
	w.mutex.Lock()
	cancel := w.cancel
	w.mutex.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *ConnectionWorker) connect(ctx context.Context) {
	// Release the timeout context once the outcome is settled.
	defer w.Cancel()

	w.logger.Info("Connecting to device")

	transport, err := w.dial(w.descriptor)
	if err != nil {
		w.fail(nil, err)
		return
	}

	if err := transport.Open(ctx); err != nil {
		w.fail(nil, err)
		return
	}

	client := scpi.NewClient(transport, w.queryTimeout, w.logger)

	identity, err := client.Identify(ctx)
	if err != nil {
		w.fail(transport, err)
		return
	}
	w.descriptor.Identity = identity

	instrument, err := w.registry.CreateDriver(w.descriptor, client)
	if err != nil {
		w.fail(transport, err)
		return
	}

	// Safe default: a freshly attached instrument must not be sourcing
	if _, err := instrument.Apply(ctx, model.Command{Type: model.CommandOutputOff}); err != nil {
		w.fail(transport, err)
		return
	}

	w.mutex.Lock()
	w.state = model.WorkerRunning
	w.mutex.Unlock()

	w.logger.Info("Device connected",
		zap.String("identity", identity.String()),
		zap.String("kind", string(w.descriptor.Kind)),
	)
	w.bus.Publish(model.Event{
		Topic:   model.TopicDeviceConnected,
		Address: w.descriptor.Address,
	})

	w.once.Do(func() { w.result <- ConnectResult{Instrument: instrument} })
}

// fail releases any partially-opened resource and delivers the
// terminal failure exactly once.
func (w *ConnectionWorker) fail(transport protocol.DeviceTransport, err error) {
	if transport != nil {
		transport.Close()
	}

	w.mutex.Lock()
	w.state = model.WorkerFailed
	w.mutex.Unlock()

	w.logger.Warn("Connect attempt failed", zap.Error(err))
	w.bus.Publish(model.Event{
		Topic:   model.TopicWorkerFailed,
		Address: w.descriptor.Address,
		State:   model.WorkerFailed,
		Reason:  err.Error(),
	})

	w.once.Do(func() { w.result <- ConnectResult{Err: err} })
}
