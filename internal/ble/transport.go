package ble

import (
	"context"
	"time"
)

// Transport is a GATT connection to one peripheral.
//
// Methods block until the operation completes or ctx is done. Callers that
// need asynchronous behaviour (the sequencing engine) run them on their own
// goroutine and deliver completions themselves.
type Transport interface {
	// StartConnect begins connecting and discovering characteristics without
	// waiting for the outcome. An error means the attempt could not start.
	// Otherwise the outcome, nil on success, is sent on the returned channel
	// exactly once; ending ctx abandons the attempt.
	StartConnect(ctx context.Context) (<-chan error, error)

	// Read returns the current value of a characteristic.
	Read(ctx context.Context, characteristic string) ([]byte, error)

	// Write writes data to a characteristic. Whether the peripheral
	// acknowledges the write depends on the platform backend.
	Write(ctx context.Context, characteristic string, data []byte) error

	// Disconnect drops the connection. Disconnecting an idle transport is not an error.
	Disconnect(ctx context.Context) error

	// Close releases the transport. Subsequent calls fail with ErrTransportClosed.
	Close() error

	// IsConnected reports the last known connection state.
	IsConnected() bool

	// Stats returns operational counters.
	Stats() TransportStats
}

// Opener opens a transport for a device without connecting it.
type Opener func(device Device) (Transport, error)

// TransportStats holds transport counters.
type TransportStats struct {
	Connects     uint64
	Disconnects  uint64
	Reads        uint64
	Writes       uint64
	ErrorsTotal  uint64
	LastActivity time.Time
	Connected    bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}
