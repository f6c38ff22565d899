// internal/manager/bench_test.go
package manager

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"instrument-service/internal/buffer"
	"instrument-service/internal/driver"
	"instrument-service/internal/events"
	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
	"instrument-service/internal/worker"
)

// benchTransport simulates a SCPI instrument: scripted answers per
// query, silence on set commands.
type benchTransport struct {
	mu        sync.Mutex
	address   string
	responses map[string]string
	written   []string
	pending   []byte
	open      bool
	closed    bool
}

func newBenchTransport(address string, responses map[string]string) *benchTransport {
	return &benchTransport{address: address, responses: responses}
}

func (b *benchTransport) Open(ctx context.Context) error {
	b.mu.Lock()
	b.open = true
	b.mu.Unlock()
	return nil
}

func (b *benchTransport) Close() error {
	b.mu.Lock()
	b.open = false
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *benchTransport) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *benchTransport) Kind() model.TransportKind { return model.TransportSerial }
func (b *benchTransport) Address() string           { return b.address }

func (b *benchTransport) Write(ctx context.Context, data []byte) error {
	command := strings.TrimRight(string(data), "\n")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.written = append(b.written, command)
	if response, ok := b.responses[command]; ok {
		b.pending = append(b.pending, []byte(response+"\n")...)
	}
	return nil
}

func (b *benchTransport) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	b.mu.Lock()
	if len(b.pending) > 0 {
		out := b.pending
		b.pending = nil
		b.mu.Unlock()
		return out, nil
	}
	b.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *benchTransport) commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.written...)
}

func (b *benchTransport) wasClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func dp711Responses() map[string]string {
	return map[string]string{
		"*IDN?":          "RIGOL TECHNOLOGIES,DP711,DP7A204800001,00.01.05",
		":MEASure:ALL?":  "5.00,0.95,4.75",
		":SYSTem:ERRor?": "0,\"No error\"",
	}
}

type benchFixture struct {
	bench      *Bench
	buffers    *buffer.Manager
	bus        *events.Bus
	transports map[string]*benchTransport
}

func newBenchFixture(t *testing.T) *benchFixture {
	t.Helper()
	return newBenchFixtureWithLogger(t, zap.NewNop())
}

func newBenchFixtureWithLogger(t *testing.T, logger *zap.Logger) *benchFixture {
	t.Helper()

	registry := driver.NewRegistry(zap.NewNop())
	driver.RegisterDefaultDrivers(registry, zap.NewNop())

	bus := events.NewBus(zap.NewNop())
	go bus.Start()
	t.Cleanup(bus.Close)

	buffers := buffer.NewManager(100)
	fixture := &benchFixture{
		buffers:    buffers,
		bus:        bus,
		transports: make(map[string]*benchTransport),
	}

	dial := func(descriptor *model.DeviceDescriptor) (protocol.DeviceTransport, error) {
		transport, ok := fixture.transports[descriptor.Address]
		if !ok {
			return nil, errors.New("no such port")
		}
		return transport, nil
	}

	fixture.bench = NewBench(Config{
		ConnectTimeout: 2 * time.Second,
		QueryTimeout:   200 * time.Millisecond,
		StopGrace:      2 * time.Second,
	}, registry, buffers, bus, dial, logger)
	return fixture
}

func (f *benchFixture) addInstrument(address string, responses map[string]string) *benchTransport {
	transport := newBenchTransport(address, responses)
	f.transports[address] = transport
	return transport
}

func attach(t *testing.T, fixture *benchFixture, address string) *DeviceStatus {
	t.Helper()
	status, err := fixture.bench.Attach(context.Background(), &model.DeviceDescriptor{
		Address:   address,
		Transport: model.TransportSerial,
	})
	if err != nil {
		t.Fatalf("Attach(%s) failed: %v", address, err)
	}
	return status
}

func TestFirstAttachedDeviceBecomesActive(t *testing.T) {
	fixture := newBenchFixture(t)
	fixture.addInstrument("/dev/ttyUSB0", dp711Responses())
	fixture.addInstrument("/dev/ttyUSB1", dp711Responses())

	first := attach(t, fixture, "/dev/ttyUSB0")
	if !first.Active {
		t.Fatal("first device not active")
	}
	if first.Descriptor.Kind != model.DeviceKindPowerSupply {
		t.Fatalf("kind %s", first.Descriptor.Kind)
	}

	second := attach(t, fixture, "/dev/ttyUSB1")
	if second.Active {
		t.Fatal("second device stole active")
	}
	if fixture.bench.Active() != "/dev/ttyUSB0" {
		t.Fatalf("active %s", fixture.bench.Active())
	}
}

func TestRouteAndMeasureScenario(t *testing.T) {
	fixture := newBenchFixture(t)
	transport := fixture.addInstrument("/dev/ttyUSB0", dp711Responses())
	attach(t, fixture, "/dev/ttyUSB0")

	ctx := context.Background()
	if _, err := fixture.bench.Route(ctx, model.Command{
		Type: model.CommandSetVoltage, Value: 5.0, Limit: 1.0,
	}); err != nil {
		t.Fatalf("route set voltage: %v", err)
	}
	if _, err := fixture.bench.Route(ctx, model.Command{Type: model.CommandOutputOn}); err != nil {
		t.Fatalf("route output on: %v", err)
	}

	commands := transport.commands()
	wantPrefix := []string{
		"*IDN?",
		":OUTPut:STATe OFF",
		":SOURce:VOLTage 5.000",
		":SOURce:CURRent 1.000",
		":SYSTem:ERRor?",
		":OUTPut:STATe ON",
		":SYSTem:ERRor?",
	}
	for i, want := range wantPrefix {
		if commands[i] != want {
			t.Fatalf("command %d: got %q, want %q", i, commands[i], want)
		}
	}

	if err := fixture.bench.StartMeasurement("", worker.StrategySpec{Kind: "single_shot", Count: 1}); err != nil {
		t.Fatalf("start measurement: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fixture.buffers.Len("/dev/ttyUSB0") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no sample recorded")
		}
		time.Sleep(2 * time.Millisecond)
	}

	sample, _ := fixture.buffers.Latest("/dev/ttyUSB0")
	expect := map[string]float64{
		model.ChannelVoltage: 5.00,
		model.ChannelCurrent: 0.95,
		model.ChannelPower:   4.75,
	}
	for name, want := range expect {
		got, ok := sample.Value(name)
		if !ok || got != want {
			t.Fatalf("channel %s: got %v/%v, want %v", name, got, ok, want)
		}
	}
}

func TestRouteWithoutActiveDevice(t *testing.T) {
	fixture := newBenchFixture(t)

	_, err := fixture.bench.Route(context.Background(), model.Command{Type: model.CommandOutputOn})
	if !errors.Is(err, model.ErrNoActiveDevice) {
		t.Fatalf("want ErrNoActiveDevice, got %v", err)
	}
}

func TestSetActiveUnknownDevice(t *testing.T) {
	fixture := newBenchFixture(t)

	if err := fixture.bench.SetActive("/dev/ttyUSB9"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestDetachActiveClearsSelection(t *testing.T) {
	fixture := newBenchFixture(t)
	transport := fixture.addInstrument("/dev/ttyUSB0", dp711Responses())
	fixture.addInstrument("/dev/ttyUSB1", dp711Responses())

	attach(t, fixture, "/dev/ttyUSB0")
	attach(t, fixture, "/dev/ttyUSB1")

	if err := fixture.bench.Detach(context.Background(), "/dev/ttyUSB0"); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	if !transport.wasClosed() {
		t.Fatal("transport left open")
	}

	// Active does not fail over automatically; reselect explicitly.
	if fixture.bench.Active() != "" {
		t.Fatalf("active after detach: %s", fixture.bench.Active())
	}
	if err := fixture.bench.SetActive("/dev/ttyUSB1"); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
}

func TestAttachDuplicateRejected(t *testing.T) {
	fixture := newBenchFixture(t)
	fixture.addInstrument("/dev/ttyUSB0", dp711Responses())
	attach(t, fixture, "/dev/ttyUSB0")

	_, err := fixture.bench.Attach(context.Background(), &model.DeviceDescriptor{
		Address:   "/dev/ttyUSB0",
		Transport: model.TransportSerial,
	})
	if err == nil {
		t.Fatal("duplicate attach accepted")
	}
}

func TestPortRemovedForcesDetach(t *testing.T) {
	fixture := newBenchFixture(t)
	transport := fixture.addInstrument("/dev/ttyUSB0", dp711Responses())
	attach(t, fixture, "/dev/ttyUSB0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fixture.bench.Run(ctx)
	time.Sleep(50 * time.Millisecond) // let the run loop subscribe

	// Mid-running measurement should not prevent the forced detach.
	if err := fixture.bench.StartMeasurement("", worker.StrategySpec{
		Kind: "continuous", Interval: time.Millisecond,
	}); err != nil {
		t.Fatalf("start measurement: %v", err)
	}

	fixture.bus.Publish(model.Event{Topic: model.TopicPortRemoved, Address: "/dev/ttyUSB0"})

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := fixture.bench.Status("/dev/ttyUSB0"); errors.Is(err, model.ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("detach never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !transport.wasClosed() {
		t.Fatal("transport left open after forced detach")
	}
}

func TestReconnectAfterFailure(t *testing.T) {
	fixture := newBenchFixture(t)
	fixture.addInstrument("/dev/ttyUSB0", dp711Responses())
	attach(t, fixture, "/dev/ttyUSB0")

	// Fresh transport for the reconnect, as after replugging.
	fixture.addInstrument("/dev/ttyUSB0", dp711Responses())

	status, err := fixture.bench.Reconnect(context.Background(), "/dev/ttyUSB0")
	if err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if status.Descriptor.Identity.Model != "DP711" {
		t.Fatalf("identity not re-confirmed: %+v", status.Descriptor.Identity)
	}
}

func TestWorkerFailureTriggersAutoReconnect(t *testing.T) {
	fixture := newBenchFixture(t)
	fixture.bench.config.ReconnectAttempts = 3
	fixture.bench.config.ReconnectDelay = 5 * time.Millisecond

	transport := fixture.addInstrument("/dev/ttyUSB0", dp711Responses())
	attach(t, fixture, "/dev/ttyUSB0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fixture.bench.Run(ctx)
	time.Sleep(50 * time.Millisecond) // let the run loop subscribe

	fixture.bus.Publish(model.Event{
		Topic:   model.TopicWorkerFailed,
		Address: "/dev/ttyUSB0",
		State:   model.WorkerFailed,
		Reason:  "read timeout",
	})

	idnCount := func() int {
		n := 0
		for _, command := range transport.commands() {
			if command == "*IDN?" {
				n++
			}
		}
		return n
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		status, err := fixture.bench.Status("/dev/ttyUSB0")
		if err == nil && status.Active && idnCount() >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("device never reconnected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !transport.wasClosed() {
		t.Fatal("old connection not closed before reconnect")
	}
}

func TestRouteSurfacesInstrumentError(t *testing.T) {
	fixture := newBenchFixture(t)
	responses := dp711Responses()
	responses[":SYSTem:ERRor?"] = "-113,\"Undefined header\""
	fixture.addInstrument("/dev/ttyUSB0", responses)
	attach(t, fixture, "/dev/ttyUSB0")

	_, err := fixture.bench.Route(context.Background(), model.Command{
		Type: model.CommandSetVoltage, Value: 5.0, Limit: 1.0,
	})
	var protocolErr *model.ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("got %v, want protocol error", err)
	}
	if !strings.Contains(protocolErr.Response, "-113") {
		t.Fatalf("response %q", protocolErr.Response)
	}
}

func TestRouteLogsCommandWithInstrumentContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	fixture := newBenchFixtureWithLogger(t, zap.New(core))
	fixture.addInstrument("/dev/ttyUSB0", dp711Responses())
	attach(t, fixture, "/dev/ttyUSB0")

	if _, err := fixture.bench.Route(context.Background(), model.Command{Type: model.CommandOutputOn}); err != nil {
		t.Fatalf("route: %v", err)
	}

	entries := logs.FilterMessage("Device command completed").All()
	if len(entries) == 0 {
		t.Fatal("no command log entry")
	}
	fields := entries[0].ContextMap()
	if fields["command_type"] != string(model.CommandOutputOn) {
		t.Fatalf("command_type %v", fields["command_type"])
	}
	if fields["address"] != "/dev/ttyUSB0" {
		t.Fatalf("address %v", fields["address"])
	}
}
