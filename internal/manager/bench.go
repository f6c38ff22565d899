// internal/manager/bench.go
package manager

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/buffer"
	"instrument-service/internal/driver"
	"instrument-service/internal/events"
	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
	"instrument-service/internal/utils"
	"instrument-service/internal/worker"
)

// Config tunes the bench manager. ReconnectAttempts of zero disables
// automatic reconnection after a worker failure.
type Config struct {
	ConnectTimeout    time.Duration
	QueryTimeout      time.Duration
	StopGrace         time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	Serial            model.SerialSettings
	TCP               model.TCPSettings
	Measurement       worker.MeasurementOptions
}

// DeviceHandle binds one connected instrument to its worker pair. The
// manager owns handles exclusively; everything else sees copies of
// their status.
type DeviceHandle struct {
	descriptor  *model.DeviceDescriptor
	instrument  driver.Instrument
	measurement *worker.MeasurementWorker
	log         *utils.DeviceLogger
}

// DeviceStatus is the externally visible view of one handle.
type DeviceStatus struct {
	Descriptor model.DeviceDescriptor `json:"descriptor"`
	State      model.WorkerState      `json:"state"`
	LastError  string                 `json:"last_error,omitempty"`
	Active     bool                   `json:"active"`
	Buffered   int                    `json:"buffered"`
}

// Bench owns the collection of connected instruments, routes commands
// to the one active device, and keeps the set consistent with port
// events. The handle map and active pointer are the only shared
// mutable state; every mutation is short and holds no I/O.
type Bench struct {
	config   Config
	registry *driver.Registry
	buffers  *buffer.Manager
	bus      *events.Bus
	dial     worker.Dialer
	logger   *zap.Logger

	mutex        sync.RWMutex
	handles      map[string]*DeviceHandle
	active       string
	reconnecting map[string]bool
}

// NewBench creates a bench manager. A nil dial falls back to real
// serial/TCP transports.
func NewBench(config Config, registry *driver.Registry, buffers *buffer.Manager, bus *events.Bus, dial worker.Dialer, logger *zap.Logger) *Bench {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	if config.StopGrace <= 0 {
		config.StopGrace = 3 * time.Second
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 2 * time.Second
	}
	b := &Bench{
		config:       config,
		registry:     registry,
		buffers:      buffers,
		bus:          bus,
		dial:         dial,
		logger:       logger.With(zap.String("component", "bench")),
		handles:      make(map[string]*DeviceHandle),
		reconnecting: make(map[string]bool),
	}
	if b.dial == nil {
		b.dial = b.defaultDial
	}
	return b
}

// defaultDial builds a transport from the descriptor's address.
func (b *Bench) defaultDial(descriptor *model.DeviceDescriptor) (protocol.DeviceTransport, error) {
	switch descriptor.Transport {
	case model.TransportSerial:
		settings := b.config.Serial
		settings.Path = descriptor.Address
		if descriptor.BaudRate > 0 {
			settings.BaudRate = descriptor.BaudRate
		}
		return protocol.NewSerialTransport(settings, b.logger), nil

	case model.TransportTCP:
		host, portStr, err := net.SplitHostPort(descriptor.Address)
		if err != nil {
			return nil, fmt.Errorf("bad tcp address %q: %w", descriptor.Address, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("bad tcp port %q: %w", portStr, err)
		}
		settings := b.config.TCP
		settings.Host = host
		settings.Port = port
		return protocol.NewTCPTransport(settings, b.logger), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", descriptor.Transport)
	}
}

// Run reacts to port removals and worker failures until the context is
// cancelled. A removed port that backs a connected device forces a
// detach, grace timeout included, even mid-measurement. A failed worker
// triggers a bounded reconnect loop when ReconnectAttempts is set.
func (b *Bench) Run(ctx context.Context) {
	removals := b.bus.Subscribe(model.TopicPortRemoved)
	failures := b.bus.Subscribe(model.TopicWorkerFailed)

	for {
		select {
		case event := <-removals:
			b.mutex.RLock()
			_, bound := b.handles[event.Address]
			b.mutex.RUnlock()
			if bound {
				b.logger.Warn("Bound port removed, forcing detach",
					zap.String("address", event.Address),
				)
				if err := b.Detach(ctx, event.Address); err != nil {
					b.logger.Error("Forced detach failed",
						zap.String("address", event.Address),
						zap.Error(err),
					)
				}
			}
		case event := <-failures:
			if b.config.ReconnectAttempts > 0 {
				go b.tryReconnect(ctx, event.Address)
			}
		case <-ctx.Done():
			return
		}
	}
}

// tryReconnect detaches a failed device and retries the attach up to
// ReconnectAttempts times. At most one reconnect loop runs per address;
// failure events emitted by the retries themselves are absorbed by the
// in-flight guard. Active status is restored on success.
func (b *Bench) tryReconnect(ctx context.Context, address string) {
	b.mutex.Lock()
	handle, exists := b.handles[address]
	if !exists || b.reconnecting[address] {
		b.mutex.Unlock()
		return
	}
	b.reconnecting[address] = true
	descriptor := *handle.descriptor
	wasActive := b.active == address
	b.mutex.Unlock()

	defer func() {
		b.mutex.Lock()
		delete(b.reconnecting, address)
		b.mutex.Unlock()
	}()

	descriptor.Identity = model.Identity{}
	descriptor.Kind = ""
	descriptor.Capabilities = nil

	if err := b.Detach(ctx, address); err != nil {
		b.logger.Error("Detach before reconnect failed",
			zap.String("address", address),
			zap.Error(err),
		)
		return
	}

	for attempt := 1; attempt <= b.config.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.config.ReconnectDelay):
		}

		if _, err := b.Attach(ctx, &descriptor); err != nil {
			b.logger.Warn("Reconnect attempt failed",
				zap.String("address", address),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", b.config.ReconnectAttempts),
				zap.Error(err),
			)
			continue
		}

		if wasActive {
			if err := b.SetActive(address); err != nil {
				b.logger.Warn("Could not restore active device after reconnect",
					zap.String("address", address),
					zap.Error(err),
				)
			}
		}
		b.logger.Info("Device reconnected",
			zap.String("address", address),
			zap.Int("attempt", attempt),
		)
		return
	}

	b.logger.Error("Reconnect attempts exhausted",
		zap.String("address", address),
		zap.Int("attempts", b.config.ReconnectAttempts),
	)
}

// Attach connects a device and registers its handle. The connect runs
// in a connection worker; Attach waits for its one-shot outcome. The
// first successfully attached device becomes active.
func (b *Bench) Attach(ctx context.Context, descriptor *model.DeviceDescriptor) (*DeviceStatus, error) {
	b.mutex.RLock()
	_, exists := b.handles[descriptor.Address]
	b.mutex.RUnlock()
	if exists {
		return nil, fmt.Errorf("device %s already attached", descriptor.Address)
	}

	connection := worker.NewConnectionWorker(
		descriptor, b.registry, b.dial,
		b.config.ConnectTimeout, b.config.QueryTimeout,
		b.bus, b.logger,
	)

	results, err := connection.Start(ctx)
	if err != nil {
		return nil, err
	}

	var result worker.ConnectResult
	select {
	case result = <-results:
	case <-ctx.Done():
		connection.Cancel()
		result = <-results
	}
	if result.Err != nil {
		return nil, result.Err
	}

	instrument := result.Instrument
	measurement := worker.NewMeasurementWorker(
		instrument, b.buffers, b.config.Measurement, b.bus, b.logger,
	)
	attached := instrument.Descriptor()
	handle := &DeviceHandle{
		descriptor:  attached,
		instrument:  instrument,
		measurement: measurement,
		log: utils.NewDeviceLogger(b.logger,
			attached.Address, string(attached.Kind), string(attached.Transport)),
	}

	b.mutex.Lock()
	if _, exists := b.handles[descriptor.Address]; exists {
		b.mutex.Unlock()
		instrument.Close()
		return nil, fmt.Errorf("device %s already attached", descriptor.Address)
	}
	b.handles[descriptor.Address] = handle
	becameActive := b.active == ""
	if becameActive {
		b.active = descriptor.Address
	}
	b.mutex.Unlock()

	if becameActive {
		b.bus.Publish(model.Event{Topic: model.TopicActiveChanged, Address: descriptor.Address})
	}

	handle.log.LogConnection("attach", true, nil)
	b.logger.Info("Device attached",
		zap.String("address", descriptor.Address),
		zap.String("label", handle.descriptor.Label()),
		zap.Bool("active", becameActive),
	)

	status := b.status(handle)
	return &status, nil
}

// Detach stops the device's measurement worker, closes the transport
// and removes the handle. If the worker does not confirm the stop
// within the grace timeout the transport is closed regardless.
func (b *Bench) Detach(ctx context.Context, address string) error {
	b.mutex.Lock()
	handle, exists := b.handles[address]
	if !exists {
		b.mutex.Unlock()
		return model.ErrNotFound
	}
	delete(b.handles, address)
	wasActive := b.active == address
	if wasActive {
		b.active = ""
	}
	b.mutex.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, b.config.StopGrace)
	defer cancel()
	if err := handle.measurement.Stop(stopCtx); err != nil {
		b.logger.Warn("Worker did not confirm stop within grace, forcing close",
			zap.String("address", address),
			zap.Error(err),
		)
	}
	closeErr := handle.instrument.Close()
	if closeErr != nil {
		b.logger.Warn("Transport close failed", zap.String("address", address), zap.Error(closeErr))
	}
	handle.log.LogConnection("detach", closeErr == nil, closeErr)

	b.bus.Publish(model.Event{Topic: model.TopicDeviceDisconnected, Address: address})
	if wasActive {
		b.bus.Publish(model.Event{Topic: model.TopicActiveChanged, Address: ""})
	}

	b.logger.Info("Device detached", zap.String("address", address))
	return nil
}

// SetActive selects the device commands route to. Pure bookkeeping;
// worker state is untouched.
func (b *Bench) SetActive(address string) error {
	b.mutex.Lock()
	if _, exists := b.handles[address]; !exists {
		b.mutex.Unlock()
		return model.ErrNotFound
	}
	b.active = address
	b.mutex.Unlock()

	b.bus.Publish(model.Event{Topic: model.TopicActiveChanged, Address: address})
	return nil
}

// Active returns the active device address, empty if none.
func (b *Bench) Active() string {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.active
}

// Buffers exposes the sample buffers shared with the measurement
// workers.
func (b *Bench) Buffers() *buffer.Manager {
	return b.buffers
}

// Route forwards a command to the active device.
func (b *Bench) Route(ctx context.Context, command model.Command) (*model.CommandResult, error) {
	b.mutex.RLock()
	handle, exists := b.handles[b.active]
	b.mutex.RUnlock()
	if !exists {
		return nil, model.ErrNoActiveDevice
	}

	started := time.Now()
	result, err := handle.instrument.Apply(ctx, command)
	if err == nil {
		// Drain the instrument error queue so a rejected setpoint
		// surfaces on the command that caused it.
		err = handle.instrument.CheckError(ctx)
	}
	handle.log.LogCommand(string(command.Type), time.Since(started), err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// StartMeasurement starts a run on a device. An empty address targets
// the active device.
func (b *Bench) StartMeasurement(address string, spec worker.StrategySpec) error {
	handle, err := b.handleFor(address)
	if err != nil {
		return err
	}
	strategy, err := worker.BuildStrategy(spec)
	if err != nil {
		return err
	}
	return handle.measurement.Start(strategy)
}

// PauseMeasurement pauses a device's run.
func (b *Bench) PauseMeasurement(address string) error {
	handle, err := b.handleFor(address)
	if err != nil {
		return err
	}
	return handle.measurement.Pause()
}

// ResumeMeasurement resumes a device's paused run.
func (b *Bench) ResumeMeasurement(address string) error {
	handle, err := b.handleFor(address)
	if err != nil {
		return err
	}
	return handle.measurement.Resume()
}

// StopMeasurement stops a device's run and waits for confirmation.
func (b *Bench) StopMeasurement(ctx context.Context, address string) error {
	handle, err := b.handleFor(address)
	if err != nil {
		return err
	}
	stopCtx, cancel := context.WithTimeout(ctx, b.config.StopGrace)
	defer cancel()
	return handle.measurement.Stop(stopCtx)
}

// Reconnect detaches and re-attaches a device, keeping its descriptor.
// The usual path back from a Failed worker after a cable event.
func (b *Bench) Reconnect(ctx context.Context, address string) (*DeviceStatus, error) {
	b.mutex.RLock()
	handle, exists := b.handles[address]
	b.mutex.RUnlock()
	if !exists {
		return nil, model.ErrNotFound
	}

	descriptor := *handle.descriptor
	descriptor.Identity = model.Identity{}
	descriptor.Kind = ""
	descriptor.Capabilities = nil

	if err := b.Detach(ctx, address); err != nil {
		return nil, err
	}
	return b.Attach(ctx, &descriptor)
}

// List returns the status of every attached device.
func (b *Bench) List() []DeviceStatus {
	b.mutex.RLock()
	handles := make([]*DeviceHandle, 0, len(b.handles))
	for _, handle := range b.handles {
		handles = append(handles, handle)
	}
	b.mutex.RUnlock()

	out := make([]DeviceStatus, len(handles))
	for i, handle := range handles {
		out[i] = b.status(handle)
	}
	return out
}

// Status returns one device's status.
func (b *Bench) Status(address string) (*DeviceStatus, error) {
	b.mutex.RLock()
	handle, exists := b.handles[address]
	b.mutex.RUnlock()
	if !exists {
		return nil, model.ErrNotFound
	}
	status := b.status(handle)
	return &status, nil
}

func (b *Bench) handleFor(address string) (*DeviceHandle, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if address == "" {
		address = b.active
		if address == "" {
			return nil, model.ErrNoActiveDevice
		}
	}
	handle, exists := b.handles[address]
	if !exists {
		return nil, model.ErrNotFound
	}
	return handle, nil
}

func (b *Bench) status(handle *DeviceHandle) DeviceStatus {
	address := handle.descriptor.Address
	return DeviceStatus{
		Descriptor: *handle.descriptor,
		State:      handle.measurement.State(),
		LastError:  handle.measurement.LastError(),
		Active:     b.Active() == address,
		Buffered:   b.buffers.Len(address),
	}
}
