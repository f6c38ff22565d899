// internal/protocol/serial_transport.go
package protocol

import (
	"context"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"instrument-service/internal/model"
)

// SerialTransport implements DeviceTransport for RS-232 instruments
type SerialTransport struct {
	settings model.SerialSettings
	port     serial.Port
	logger   *zap.Logger
	mutex    sync.RWMutex
	isOpen   bool
	stats    *TransportStats
}

// NewSerialTransport creates a new serial transport
func NewSerialTransport(settings model.SerialSettings, logger *zap.Logger) DeviceTransport {
	return &SerialTransport{
		settings: settings,
		logger: logger.With(
			zap.String("transport", "serial"),
			zap.String("port", settings.Path),
		),
		stats: &TransportStats{
			IsConnected: false,
		},
	}
}

// Open opens the serial port
func (st *SerialTransport) Open(ctx context.Context) error {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if st.isOpen {
		return nil
	}

	st.logger.Info("Opening serial port",
		zap.Int("baud_rate", st.settings.BaudRate),
	)

	mode := &serial.Mode{
		BaudRate: st.settings.BaudRate,
		DataBits: st.settings.DataBits,
		StopBits: serial.StopBits(st.settings.StopBits),
	}

	switch st.settings.Parity {
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		mode.Parity = serial.NoParity
	}

	port, err := serial.Open(st.settings.Path, mode)
	if err != nil {
		st.logger.Error("Failed to open serial port", zap.Error(err))
		return model.NewTransportError("open", err)
	}

	if err := port.SetReadTimeout(st.settings.ReadTimeout); err != nil {
		port.Close()
		return model.NewTransportError("set read timeout", err)
	}

	st.port = port
	st.isOpen = true
	st.stats.IsConnected = true
	st.stats.LastActivity = time.Now()

	st.logger.Info("Serial port opened successfully")
	return nil
}

// Close closes the serial port
func (st *SerialTransport) Close() error {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if !st.isOpen || st.port == nil {
		return nil
	}

	if err := st.port.Close(); err != nil {
		st.logger.Error("Failed to close serial port", zap.Error(err))
		return model.NewTransportError("close", err)
	}

	st.port = nil
	st.isOpen = false
	st.stats.IsConnected = false

	st.logger.Info("Serial port closed")
	return nil
}

// IsOpen returns whether the port is open
func (st *SerialTransport) IsOpen() bool {
	st.mutex.RLock()
	defer st.mutex.RUnlock()
	return st.isOpen && st.port != nil
}

// Write writes data to the serial port
func (st *SerialTransport) Write(ctx context.Context, data []byte) error {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	if !st.isOpen || st.port == nil {
		return model.NewTransportError("write", io.ErrClosedPipe)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	startTime := time.Now()
	n, err := st.port.Write(data)
	if err != nil {
		st.stats.ErrorCount++
		st.logger.Error("Serial write failed", zap.Error(err))
		return model.NewTransportError("write", err)
	}

	if n != len(data) {
		return model.NewTransportError("write", io.ErrShortWrite)
	}

	st.stats.recordWrite(len(data), time.Since(startTime))
	st.logger.Debug("Serial write completed", zap.Int("bytes", len(data)))
	return nil
}

// Read reads data from the serial port. The port's own read timeout
// bounds the blocking read; ctx covers caller-side cancellation.
func (st *SerialTransport) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	if !st.isOpen || st.port == nil {
		return nil, model.NewTransportError("read", io.ErrClosedPipe)
	}

	buffer := make([]byte, maxBytes)

	done := make(chan struct {
		data []byte
		err  error
	}, 1)

	go func() {
		n, err := st.port.Read(buffer)
		result := struct {
			data []byte
			err  error
		}{}

		if err != nil {
			if err == io.EOF {
				result.data = buffer[:n]
			} else {
				result.err = model.NewTransportError("read", err)
			}
		} else {
			result.data = make([]byte, n)
			copy(result.data, buffer[:n])
		}
		done <- result
	}()

	select {
	case result := <-done:
		if result.err != nil {
			st.stats.ErrorCount++
			return nil, result.err
		}

		st.stats.recordRead(len(result.data))
		return result.data, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Kind returns the transport kind
func (st *SerialTransport) Kind() model.TransportKind {
	return model.TransportSerial
}

// Address returns the serial device path
func (st *SerialTransport) Address() string {
	return st.settings.Path
}
