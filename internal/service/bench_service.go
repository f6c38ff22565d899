// internal/service/bench_service.go
package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"instrument-service/internal/export"
	"instrument-service/internal/manager"
	"instrument-service/internal/model"
	"instrument-service/internal/portwatch"
	"instrument-service/internal/storage"
	"instrument-service/internal/utils"
	"instrument-service/internal/worker"
)

// AttachRequest describes an instrument the caller wants brought online.
type AttachRequest struct {
	Address   string `json:"address" binding:"required"`
	Transport string `json:"transport,omitempty"`
	BaudRate  int    `json:"baud_rate,omitempty"`
}

// MeasureRequest starts a measurement run on one device.
type MeasureRequest struct {
	Address  string              `json:"address,omitempty"`
	Strategy worker.StrategySpec `json:"strategy" binding:"required"`
}

// ExportRequest writes one device's buffered samples to disk.
type ExportRequest struct {
	DeviceID    string `json:"device_id" binding:"required"`
	Format      string `json:"format" binding:"required"`
	Destination string `json:"destination,omitempty"`
}

// ExportResult reports where an export landed.
type ExportResult struct {
	Path    string `json:"path"`
	Samples int    `json:"samples"`
}

// BenchService composes the bench manager, sample buffers, exporter,
// port watcher and session store behind one API surface for the
// HTTP and WebSocket handlers.
type BenchService struct {
	bench    *manager.Bench
	exporter *export.Manager
	watcher  *portwatch.Watcher
	store    *storage.Store
	logger   *utils.ServiceLogger
}

// NewBenchService creates a new bench service. store may be nil when
// durable session logging is disabled.
func NewBenchService(
	bench *manager.Bench,
	exporter *export.Manager,
	watcher *portwatch.Watcher,
	store *storage.Store,
	logger *zap.Logger,
) *BenchService {
	return &BenchService{
		bench:    bench,
		exporter: exporter,
		watcher:  watcher,
		store:    store,
		logger:   utils.NewServiceLogger(logger, "bench-service"),
	}
}

// Attach identifies and connects the instrument at the request address.
func (s *BenchService) Attach(ctx context.Context, req *AttachRequest) (*manager.DeviceStatus, error) {
	descriptor := &model.DeviceDescriptor{
		Address:  req.Address,
		BaudRate: req.BaudRate,
	}

	switch strings.ToUpper(req.Transport) {
	case string(model.TransportSerial):
		descriptor.Transport = model.TransportSerial
	case string(model.TransportTCP):
		descriptor.Transport = model.TransportTCP
	case "":
		descriptor.Transport = inferTransport(req.Address)
	default:
		return nil, fmt.Errorf("unknown transport %q", req.Transport)
	}

	return s.bench.Attach(ctx, descriptor)
}

// inferTransport guesses the transport from the address shape. Serial
// ports are filesystem paths, TCP endpoints are host:port pairs.
func inferTransport(address string) model.TransportKind {
	if strings.Contains(address, ":") && !strings.HasPrefix(address, "/") {
		return model.TransportTCP
	}
	return model.TransportSerial
}

// Detach disconnects the instrument at address.
func (s *BenchService) Detach(ctx context.Context, address string) error {
	return s.bench.Detach(ctx, address)
}

// Reconnect tears the instrument down and brings it back up.
func (s *BenchService) Reconnect(ctx context.Context, address string) (*manager.DeviceStatus, error) {
	return s.bench.Reconnect(ctx, address)
}

// ListDevices returns status for every attached instrument.
func (s *BenchService) ListDevices() []manager.DeviceStatus {
	return s.bench.List()
}

// DeviceStatus returns status for one attached instrument.
func (s *BenchService) DeviceStatus(address string) (*manager.DeviceStatus, error) {
	return s.bench.Status(address)
}

// SetActive selects the instrument commands are routed to.
func (s *BenchService) SetActive(address string) error {
	return s.bench.SetActive(address)
}

// ActiveDevice returns the currently selected instrument.
func (s *BenchService) ActiveDevice() (*manager.DeviceStatus, error) {
	address := s.bench.Active()
	if address == "" {
		return nil, model.ErrNoActiveDevice
	}
	return s.bench.Status(address)
}

// SendCommand routes a command to the active instrument.
func (s *BenchService) SendCommand(ctx context.Context, command model.Command) (*model.CommandResult, error) {
	if err := command.Validate(); err != nil {
		return nil, err
	}
	return s.bench.Route(ctx, command)
}

// StartMeasurement begins a measurement run. An empty address targets
// the active instrument.
func (s *BenchService) StartMeasurement(req *MeasureRequest) error {
	return s.bench.StartMeasurement(req.Address, req.Strategy)
}

// PauseMeasurement pauses a running measurement after the in-flight
// step completes.
func (s *BenchService) PauseMeasurement(address string) error {
	return s.bench.PauseMeasurement(address)
}

// ResumeMeasurement resumes a paused measurement.
func (s *BenchService) ResumeMeasurement(address string) error {
	return s.bench.ResumeMeasurement(address)
}

// StopMeasurement stops a measurement and waits for the worker to
// confirm.
func (s *BenchService) StopMeasurement(ctx context.Context, address string) error {
	return s.bench.StopMeasurement(ctx, address)
}

// LatestSample returns the newest buffered sample for a device.
func (s *BenchService) LatestSample(deviceID string) (*model.MeasurementSample, error) {
	sample, ok := s.bench.Buffers().Latest(deviceID)
	if !ok {
		return nil, model.ErrNotFound
	}
	return &sample, nil
}

// Samples returns a copy of every buffered sample for a device, oldest
// first.
func (s *BenchService) Samples(deviceID string) []model.MeasurementSample {
	return s.bench.Buffers().Snapshot(deviceID)
}

// ClearSamples drops a device's buffered samples.
func (s *BenchService) ClearSamples(deviceID string) {
	s.bench.Buffers().Clear(deviceID)
}

// Export writes a device's buffered samples to disk.
func (s *BenchService) Export(req *ExportRequest) (*ExportResult, error) {
	format, err := export.ParseFormat(req.Format)
	if err != nil {
		return nil, err
	}

	path, count, err := s.exporter.Export(req.DeviceID, format, req.Destination)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Samples exported",
		zap.String("device_id", req.DeviceID),
		zap.String("path", path),
		zap.Int("samples", count),
	)
	return &ExportResult{Path: path, Samples: count}, nil
}

// Ports returns the current serial port inventory.
func (s *BenchService) Ports() []portwatch.PortStatus {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Snapshot()
}

// Sessions lists recorded measurement sessions, newest first. Returns
// ErrNotFound when session storage is disabled.
func (s *BenchService) Sessions(ctx context.Context, limit int) ([]storage.Session, error) {
	if s.store == nil {
		return nil, model.ErrNotFound
	}
	return s.store.Sessions(ctx, limit)
}

// SessionSamples returns every sample recorded in one session.
func (s *BenchService) SessionSamples(ctx context.Context, sessionID int64) ([]model.MeasurementSample, error) {
	if s.store == nil {
		return nil, model.ErrNotFound
	}
	return s.store.SessionSamples(ctx, sessionID)
}

// PingStorage verifies the session database is reachable. Returns nil
// when storage is disabled.
func (s *BenchService) PingStorage(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Ping(ctx)
}

// StorageEnabled reports whether durable session logging is on.
func (s *BenchService) StorageEnabled() bool {
	return s.store != nil
}
