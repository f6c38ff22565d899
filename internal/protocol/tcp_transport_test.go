// internal/protocol/tcp_transport_test.go
package protocol

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/model"
)

// silentListener accepts connections and never writes, like a
// reachable instrument that stopped answering.
func silentListener(t *testing.T) *net.TCPAddr {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 256)
				for {
					if _, err := c.Read(buf); err != nil {
						c.Close()
						return
					}
				}
			}(conn)
		}
	}()
	return listener.Addr().(*net.TCPAddr)
}

func TestReadDeadlineReportsTimeout(t *testing.T) {
	addr := silentListener(t)

	transport := NewTCPTransport(model.TCPSettings{
		Host:           addr.IP.String(),
		Port:           addr.Port,
		ConnectTimeout: time.Second,
		ReadTimeout:    50 * time.Millisecond,
		WriteTimeout:   time.Second,
	}, zap.NewNop())

	ctx := context.Background()
	if err := transport.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer transport.Close()

	_, err := transport.Read(ctx, 256)
	var timeoutErr *model.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("want TimeoutError, got %v", err)
	}
	if timeoutErr.Op != "read" {
		t.Fatalf("op %q", timeoutErr.Op)
	}
	if !model.IsTransportLevel(err) {
		t.Fatal("read timeout must still count as transport-level")
	}
}
