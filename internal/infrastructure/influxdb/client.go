package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// pointWriter is the subset of the non-blocking write API the client uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// server is the subset of influxdb2.Client used after Connect.
type server interface {
	Ping(ctx context.Context) (bool, error)
	Close()
}

// Client writes gateway metrics to one InfluxDB v2 bucket. Writes are
// batched and never block the caller. Safe for concurrent use.
type Client struct {
	srv      server
	writeAPI pointWriter

	// now stamps points; replaced in tests.
	now func() time.Time

	open atomic.Bool

	mu      sync.RWMutex
	onError func(err error)
}

// Connect pings the server in cfg and opens the batched write API for
// cfg.Org and cfg.Bucket. It returns ErrDisabled when InfluxDB is off.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	srv := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	if err := ping(ctx, srv); err != nil {
		srv.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	}

	writeAPI := srv.WriteAPI(cfg.Org, cfg.Bucket)
	c := &Client{srv: srv, writeAPI: writeAPI, now: time.Now}
	c.open.Store(true)

	go c.handleWriteErrors(writeAPI.Errors())
	return c, nil
}

// writeOptions applies the batch settings of cfg, falling back to 100
// points and a 10 s flush interval.
func writeOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	// #nosec G115 -- flush is positive and far below MaxUint32 milliseconds
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds()))
}

func ping(ctx context.Context, srv server) error {
	healthy, err := srv.Ping(ctx)
	if err != nil {
		return err
	}
	if !healthy {
		return ErrUnhealthy
	}
	return nil
}

// handleWriteErrors forwards asynchronous write failures to the OnError
// callback until the write API closes errorsCh.
func (c *Client) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		c.mu.RLock()
		fn := c.onError
		c.mu.RUnlock()
		if fn != nil {
			fn(err)
		}
	}
}

// Close flushes pending points once and closes the connection.
// Nil-safe and idempotent.
func (c *Client) Close() error {
	if c == nil || !c.open.Swap(false) {
		return nil
	}
	if c.writeAPI != nil {
		c.writeAPI.Flush()
	}
	if c.srv != nil {
		c.srv.Close()
	}
	return nil
}

// HealthCheck pings the server, bounded by ctx and a 5 s timeout.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() || c.srv == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := ping(ctx, c.srv); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// IsConnected reports whether the client is open. HealthCheck performs an
// active ping.
func (c *Client) IsConnected() bool {
	return c != nil && c.open.Load()
}

// SetOnError sets the callback for asynchronous write failures.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	c.onError = callback
	c.mu.Unlock()
}

// Flush blocks until buffered points are written. It is a no-op after Close.
func (c *Client) Flush() {
	if !c.IsConnected() || c.writeAPI == nil {
		return
	}
	c.writeAPI.Flush()
}
