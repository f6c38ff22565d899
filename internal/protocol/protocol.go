// internal/protocol/protocol.go
package protocol

import (
	"context"
	"time"

	"instrument-service/internal/model"
)

// DeviceTransport is the byte-level connection to one instrument. A
// transport is exclusively owned by the worker pair of its device and
// is never shared across devices.
type DeviceTransport interface {
	// Connection lifecycle
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool

	// Data communication
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context, maxBytes int) ([]byte, error)

	// Transport information
	Kind() model.TransportKind
	Address() string
}

// TransportStats provides transport-level statistics
type TransportStats struct {
	BytesWritten   int64         `json:"bytes_written"`
	BytesRead      int64         `json:"bytes_read"`
	OperationCount int64         `json:"operation_count"`
	ErrorCount     int64         `json:"error_count"`
	LastActivity   time.Time     `json:"last_activity"`
	AverageLatency time.Duration `json:"average_latency"`
	IsConnected    bool          `json:"is_connected"`
}

func (s *TransportStats) recordWrite(n int, latency time.Duration) {
	s.BytesWritten += int64(n)
	s.OperationCount++
	s.LastActivity = time.Now()
	if s.AverageLatency == 0 {
		s.AverageLatency = latency
	} else {
		s.AverageLatency = (s.AverageLatency + latency) / 2
	}
}

func (s *TransportStats) recordRead(n int) {
	s.BytesRead += int64(n)
	s.OperationCount++
	s.LastActivity = time.Now()
}
