// internal/scpi/client.go
package scpi

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
)

const (
	// Terminator ends every command and every instrument response.
	Terminator = "\n"

	// readChunkSize is the per-read buffer size while assembling a line.
	readChunkSize = 256

	// DefaultQueryTimeout bounds a command/response round trip.
	DefaultQueryTimeout = 2 * time.Second
)

// Client is a line-oriented SCPI client over a device transport.
// Commands are written with a trailing newline; responses are read
// until a newline arrives or the timeout elapses. A mutex in the
// underlying transport serializes concurrent callers, but Query itself
// must not be interleaved, so the client carries its own guard.
type Client struct {
	transport    protocol.DeviceTransport
	logger       *zap.Logger
	queryTimeout time.Duration
}

// NewClient creates a SCPI client on top of an opened transport.
func NewClient(transport protocol.DeviceTransport, queryTimeout time.Duration, logger *zap.Logger) *Client {
	if queryTimeout <= 0 {
		queryTimeout = DefaultQueryTimeout
	}
	return &Client{
		transport:    transport,
		logger:       logger.With(zap.String("component", "scpi"), zap.String("address", transport.Address())),
		queryTimeout: queryTimeout,
	}
}

// Transport exposes the underlying transport for lifecycle management.
func (c *Client) Transport() protocol.DeviceTransport {
	return c.transport
}

// Send writes a command that produces no response.
func (c *Client) Send(ctx context.Context, command string) error {
	c.logger.Debug("SCPI send", zap.String("command", command))
	return c.transport.Write(ctx, []byte(command+Terminator))
}

// Query writes a command and reads the response line, with the
// terminator stripped. A missing response within the query timeout is
// reported as a timeout error, not a transport failure.
func (c *Client) Query(ctx context.Context, command string) (string, error) {
	if err := c.Send(ctx, command); err != nil {
		return "", err
	}

	queryCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	var line strings.Builder
	for {
		chunk, err := c.transport.Read(queryCtx, readChunkSize)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return "", &model.TimeoutError{Op: command, Timeout: c.queryTimeout}
			}
			return "", err
		}

		line.Write(chunk)
		if strings.Contains(string(chunk), Terminator) {
			break
		}

		if queryCtx.Err() != nil {
			return "", &model.TimeoutError{Op: command, Timeout: c.queryTimeout}
		}
	}

	response := strings.TrimRight(line.String(), "\r\n")
	c.logger.Debug("SCPI response", zap.String("command", command), zap.String("response", response))
	return response, nil
}

// Identify sends *IDN? and parses the comma-separated identity.
func (c *Client) Identify(ctx context.Context) (model.Identity, error) {
	response, err := c.Query(ctx, "*IDN?")
	if err != nil {
		return model.Identity{}, err
	}
	return ParseIdentity(response)
}

// ParseIdentity splits a *IDN? response into its fields. Instruments
// answer with at least vendor, model and serial; firmware is optional.
func ParseIdentity(response string) (model.Identity, error) {
	parts := strings.Split(response, ",")
	if len(parts) < 3 {
		return model.Identity{}, &model.ProtocolError{
			Response: response,
			Reason:   "identification response has fewer than 3 fields",
		}
	}

	identity := model.Identity{
		Vendor: strings.TrimSpace(parts[0]),
		Model:  strings.TrimSpace(parts[1]),
		Serial: strings.TrimSpace(parts[2]),
	}
	if len(parts) > 3 {
		identity.Firmware = strings.TrimSpace(parts[3])
	}

	if identity.Vendor == "" || identity.Model == "" {
		return model.Identity{}, &model.ProtocolError{
			Response: response,
			Reason:   "identification response missing vendor or model",
		}
	}
	return identity, nil
}

// ParseValues parses a comma-separated numeric response, as returned
// by combined measurement queries, into float64 values.
func ParseValues(response string, expected int) ([]float64, error) {
	parts := strings.Split(response, ",")
	if len(parts) != expected {
		return nil, &model.ProtocolError{
			Response: response,
			Reason:   "unexpected field count " + strconv.Itoa(len(parts)) + ", want " + strconv.Itoa(expected),
		}
	}

	values := make([]float64, len(parts))
	for i, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, &model.ProtocolError{
				Response: response,
				Reason:   "field " + strconv.Itoa(i) + " is not numeric",
			}
		}
		values[i] = value
	}
	return values, nil
}

// ParseValue parses a single-field numeric response.
func ParseValue(response string) (float64, error) {
	values, err := ParseValues(response, 1)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}
