// internal/protocol/tcp_transport.go
package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/model"
)

// TCPTransport implements DeviceTransport for LXI-style networked
// instruments speaking raw SCPI over a TCP socket.
type TCPTransport struct {
	settings model.TCPSettings
	conn     net.Conn
	logger   *zap.Logger
	mutex    sync.RWMutex
	isOpen   bool
	stats    *TransportStats
}

// NewTCPTransport creates a new TCP transport
func NewTCPTransport(settings model.TCPSettings, logger *zap.Logger) DeviceTransport {
	return &TCPTransport{
		settings: settings,
		logger: logger.With(
			zap.String("transport", "tcp"),
			zap.String("host", settings.Host),
			zap.Int("port", settings.Port),
		),
		stats: &TransportStats{
			IsConnected: false,
		},
	}
}

// Open opens the TCP connection
func (tt *TCPTransport) Open(ctx context.Context) error {
	tt.mutex.Lock()
	defer tt.mutex.Unlock()

	if tt.isOpen {
		return nil
	}

	tt.logger.Info("Opening TCP connection")

	dialer := &net.Dialer{
		Timeout:   tt.settings.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	conn, err := dialer.DialContext(ctx, "tcp", tt.settings.Addr())
	if err != nil {
		tt.logger.Error("Failed to open TCP connection", zap.Error(err))
		return model.NewTransportError("dial", err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}

	tt.conn = conn
	tt.isOpen = true
	tt.stats.IsConnected = true
	tt.stats.LastActivity = time.Now()

	tt.logger.Info("TCP connection opened successfully")
	return nil
}

// Close closes the TCP connection
func (tt *TCPTransport) Close() error {
	tt.mutex.Lock()
	defer tt.mutex.Unlock()

	if !tt.isOpen || tt.conn == nil {
		return nil
	}

	if err := tt.conn.Close(); err != nil {
		tt.logger.Error("Failed to close TCP connection", zap.Error(err))
		return model.NewTransportError("close", err)
	}

	tt.conn = nil
	tt.isOpen = false
	tt.stats.IsConnected = false

	tt.logger.Info("TCP connection closed")
	return nil
}

// IsOpen returns whether the connection is open
func (tt *TCPTransport) IsOpen() bool {
	tt.mutex.RLock()
	defer tt.mutex.RUnlock()
	return tt.isOpen && tt.conn != nil
}

// Write writes data to the TCP connection
func (tt *TCPTransport) Write(ctx context.Context, data []byte) error {
	tt.mutex.RLock()
	defer tt.mutex.RUnlock()

	if !tt.isOpen || tt.conn == nil {
		return model.NewTransportError("write", io.ErrClosedPipe)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if tt.settings.WriteTimeout > 0 {
		tt.conn.SetWriteDeadline(time.Now().Add(tt.settings.WriteTimeout))
	}

	startTime := time.Now()
	n, err := tt.conn.Write(data)
	if err != nil {
		tt.stats.ErrorCount++
		tt.logger.Error("TCP write failed", zap.Error(err))
		return model.NewTransportError("write", err)
	}

	if n != len(data) {
		return model.NewTransportError("write", io.ErrShortWrite)
	}

	tt.stats.recordWrite(len(data), time.Since(startTime))
	tt.logger.Debug("TCP write completed", zap.Int("bytes", len(data)))
	return nil
}

// Read reads data from the TCP connection
func (tt *TCPTransport) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	tt.mutex.RLock()
	defer tt.mutex.RUnlock()

	if !tt.isOpen || tt.conn == nil {
		return nil, model.NewTransportError("read", io.ErrClosedPipe)
	}

	if tt.settings.ReadTimeout > 0 {
		tt.conn.SetReadDeadline(time.Now().Add(tt.settings.ReadTimeout))
	}

	buffer := make([]byte, maxBytes)

	done := make(chan struct {
		data []byte
		err  error
	}, 1)

	go func() {
		n, err := tt.conn.Read(buffer)
		result := struct {
			data []byte
			err  error
		}{}

		if err != nil {
			// A tripped read deadline means the instrument stayed
			// silent on a live connection, not that the link broke.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				result.err = &model.TimeoutError{Op: "read", Timeout: tt.settings.ReadTimeout}
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
			tt.stats.ErrorCount++
			return nil, result.err
		}

		tt.stats.recordRead(len(result.data))
		return result.data, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Kind returns the transport kind
func (tt *TCPTransport) Kind() model.TransportKind {
	return model.TransportTCP
}

// Address returns the host:port address
func (tt *TCPTransport) Address() string {
	return tt.settings.Addr()
}
