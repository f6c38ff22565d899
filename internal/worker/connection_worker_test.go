// internal/worker/connection_worker_test.go
package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/driver"
	"instrument-service/internal/events"
	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
)

// scriptedTransport behaves like a serial instrument that answers
// *IDN? with a fixed identity.
type scriptedTransport struct {
	mu       sync.Mutex
	identity string
	openErr  error
	pending  []byte
	open     bool
	closed   bool
	hang     bool
	openCtx  context.Context
}

func (s *scriptedTransport) Open(ctx context.Context) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.mu.Lock()
	s.open = true
	s.openCtx = ctx
	s.mu.Unlock()
	return nil
}

func (s *scriptedTransport) Close() error {
	s.mu.Lock()
	s.open = false
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *scriptedTransport) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *scriptedTransport) Kind() model.TransportKind { return model.TransportSerial }
func (s *scriptedTransport) Address() string           { return "/dev/ttyUSB0" }

func (s *scriptedTransport) Write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hang {
		return nil
	}
	if string(data) == "*IDN?\n" {
		s.pending = append(s.pending, []byte(s.identity+"\n")...)
	}
	return nil
}

func (s *scriptedTransport) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		out := s.pending
		s.pending = nil
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *scriptedTransport) wasClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *scriptedTransport) connectCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openCtx
}

func newConnectionTest(transport *scriptedTransport, dialErr error, timeout time.Duration) (*ConnectionWorker, *events.Bus) {
	registry := driver.NewRegistry(zap.NewNop())
	driver.RegisterDefaultDrivers(registry, zap.NewNop())

	descriptor := &model.DeviceDescriptor{
		Address:   "/dev/ttyUSB0",
		Transport: model.TransportSerial,
	}

	dial := func(descriptor *model.DeviceDescriptor) (protocol.DeviceTransport, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return transport, nil
	}

	bus := events.NewBus(zap.NewNop())
	go bus.Start()
	w := NewConnectionWorker(descriptor, registry, dial, timeout, 200*time.Millisecond, bus, zap.NewNop())
	return w, bus
}

func TestConnectIdentifiesAndBuildsDriver(t *testing.T) {
	transport := &scriptedTransport{identity: "RIGOL TECHNOLOGIES,DP711,DP7A204800001,00.01.05"}
	w, bus := newConnectionTest(transport, nil, 2*time.Second)
	defer bus.Close()

	results, err := w.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case result := <-results:
		if result.Err != nil {
			t.Fatalf("connect failed: %v", result.Err)
		}
		descriptor := result.Instrument.Descriptor()
		if descriptor.Kind != model.DeviceKindPowerSupply {
			t.Fatalf("descriptor kind: %s", descriptor.Kind)
		}
		if descriptor.Identity.Model != "DP711" {
			t.Fatalf("identity not confirmed: %+v", descriptor.Identity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal event")
	}

	if w.State() != model.WorkerRunning {
		t.Fatalf("state after connect: %s", w.State())
	}
}

func TestConnectReleasesTimeoutContext(t *testing.T) {
	transport := &scriptedTransport{identity: "RIGOL TECHNOLOGIES,DP711,DP7A204800001,00.01.05"}
	w, bus := newConnectionTest(transport, nil, 30*time.Second)
	defer bus.Close()

	results, err := w.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	result := <-results
	if result.Err != nil {
		t.Fatalf("connect failed: %v", result.Err)
	}

	// The timeout context must be cancelled at completion, long
	// before its 30s deadline.
	deadline := time.Now().Add(time.Second)
	for transport.connectCtx().Err() == nil {
		if time.Now().After(deadline) {
			t.Fatal("connect context still alive after completion")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectFailureReleasesTransport(t *testing.T) {
	transport := &scriptedTransport{identity: "ACME,WIDGET,1,1"}
	w, bus := newConnectionTest(transport, nil, 2*time.Second)
	defer bus.Close()

	results, err := w.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	result := <-results
	if result.Err == nil {
		t.Fatal("want failure for unsupported vendor")
	}
	if !transport.wasClosed() {
		t.Fatal("transport left open after failure")
	}
	if w.State() != model.WorkerFailed {
		t.Fatalf("state: %s", w.State())
	}
}

func TestConnectTimeoutFails(t *testing.T) {
	transport := &scriptedTransport{identity: "RIGOL,DP711,1,1", hang: true}
	w, bus := newConnectionTest(transport, nil, 100*time.Millisecond)
	defer bus.Close()

	results, err := w.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case result := <-results:
		if result.Err == nil {
			t.Fatal("want timeout failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal event")
	}
	if !transport.wasClosed() {
		t.Fatal("transport left open after timeout")
	}
}

func TestCancelAbortsConnect(t *testing.T) {
	transport := &scriptedTransport{identity: "RIGOL,DP711,1,1", hang: true}
	w, bus := newConnectionTest(transport, nil, 10*time.Second)
	defer bus.Close()

	results, err := w.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	w.Cancel()
	w.Cancel() // idempotent

	select {
	case result := <-results:
		if result.Err == nil {
			t.Fatal("cancelled connect reported success")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation not observed")
	}
}

func TestStartRejectedOutsideIdle(t *testing.T) {
	transport := &scriptedTransport{identity: "RIGOL TECHNOLOGIES,DP711,1,1"}
	w, bus := newConnectionTest(transport, nil, 2*time.Second)
	defer bus.Close()

	results, err := w.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-results

	_, err = w.Start(context.Background())
	var se *model.StateError
	if !errors.As(err, &se) {
		t.Fatalf("want state error, got %v", err)
	}
}

func TestDialErrorDeliversOneFailure(t *testing.T) {
	w, bus := newConnectionTest(nil, errors.New("no such port"), time.Second)
	defer bus.Close()

	results, err := w.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	result := <-results
	if result.Err == nil {
		t.Fatal("want dial failure")
	}

	// The channel delivers exactly one terminal event.
	select {
	case extra := <-results:
		t.Fatalf("second terminal event: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}
