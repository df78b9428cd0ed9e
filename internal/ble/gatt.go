package ble

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"
)

// Default timeouts for GATT operations.
const (
	// defaultConnectTimeout bounds connection plus service discovery.
	defaultConnectTimeout = 15 * time.Second

	// defaultCloseTimeout bounds how long Close waits for a busy operation.
	defaultCloseTimeout = 5 * time.Second

	// maxAttributeSize is the largest value an ATT read can return.
	maxAttributeSize = 512
)

// GATTOptions configures a GATT transport.
type GATTOptions struct {
	// ConnectTimeout bounds Connect when the caller's context has no deadline.
	// Default: 15 seconds.
	ConnectTimeout time.Duration

	// CloseTimeout bounds how long Close waits for an operation still in
	// flight before giving up on the peripheral. Default: 5 seconds.
	CloseTimeout time.Duration

	// Logger is optional.
	Logger Logger
}

// Ensure GATTTransport implements Transport.
var _ Transport = (*GATTTransport)(nil)

// GATTTransport is a Transport backed by tinygo.org/x/bluetooth.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Operations on one transport are serialised; BLE peripherals handle
//     one outstanding ATT request at a time.
//   - Waiting for the previous operation honours the caller's context, so
//     an abandoned operation that never returns cannot block teardown.
type GATTTransport struct {
	device  Device
	adapter *bluetooth.Adapter
	opts    GATTOptions

	// dial and hangUp reach the peripheral; tests replace them.
	dial   func(bluetooth.Address) (bluetooth.Device, error)
	hangUp func(bluetooth.Device) error

	// ops is a one-slot semaphore that serialises GATT operations and
	// guards peripheral and chars.
	ops        chan struct{}
	peripheral *bluetooth.Device
	chars      map[string]bluetooth.DeviceCharacteristic

	connected atomic.Bool
	closed    atomic.Bool

	connects     atomic.Uint64
	disconnects  atomic.Uint64
	reads        atomic.Uint64
	writes       atomic.Uint64
	errorsTotal  atomic.Uint64
	lastActivity atomic.Int64
}

// OpenGATT enables the controller selected by device.AdapterIndex and returns
// an unconnected transport for the device.
func OpenGATT(device Device, opts GATTOptions) (*GATTTransport, error) {
	adapter, err := adapterFor(device.AdapterIndex)
	if err != nil {
		return nil, err
	}
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("%w: enable hci%d: %w", ErrAdapterUnavailable, device.AdapterIndex, err)
	}

	t := newGATTTransport(device, adapter, opts)
	watchDisconnects(adapter, t)
	return t, nil
}

func newGATTTransport(device Device, adapter *bluetooth.Adapter, opts GATTOptions) *GATTTransport {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}

	t := &GATTTransport{
		device:  device,
		adapter: adapter,
		opts:    opts,
		ops:     make(chan struct{}, 1),
		chars:   make(map[string]bluetooth.DeviceCharacteristic),
		hangUp: func(d bluetooth.Device) error {
			return d.Disconnect()
		},
	}
	if adapter != nil {
		t.dial = func(addr bluetooth.Address) (bluetooth.Device, error) {
			return adapter.Connect(addr, bluetooth.ConnectionParams{})
		}
	}
	return t
}

// Opener returns an Opener that opens GATT transports with opts.
func (opts GATTOptions) Opener() Opener {
	return func(device Device) (Transport, error) {
		return OpenGATT(device, opts)
	}
}

// StartConnect runs Connect on its own goroutine. It fails at once when the
// transport is closed or has no adapter to connect through.
func (t *GATTTransport) StartConnect(ctx context.Context) (<-chan error, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	if t.dial == nil {
		return nil, fmt.Errorf("%w: %s", ErrAdapterUnavailable, t.device)
	}

	result := make(chan error, 1)
	go func() {
		result <- t.Connect(ctx)
	}()
	return result, nil
}

// Connect connects to the peripheral and discovers all characteristics.
func (t *GATTTransport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if t.dial == nil {
		return fmt.Errorf("%w: %s", ErrAdapterUnavailable, t.device)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.ConnectTimeout)
		defer cancel()
	}

	if err := t.acquire(ctx); err != nil {
		t.errorsTotal.Add(1)
		return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, t.device, err)
	}
	defer t.release()

	var addr bluetooth.Address
	addr.Set(t.addressString())

	// tinygo's Connect blocks with its own timeout; wrap it to honour ctx.
	ch := make(chan connectResult, 1)
	go func() {
		device, err := t.dial(addr)
		ch <- connectResult{device, err}
	}()

	var result connectResult
	select {
	case <-ctx.Done():
		go t.dropLateConnection(ch)
		t.errorsTotal.Add(1)
		return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, t.device, ctx.Err())
	case result = <-ch:
	}
	if result.err != nil {
		t.errorsTotal.Add(1)
		return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, t.device, result.err)
	}

	peripheral := result.device
	chars, err := discoverCharacteristics(&peripheral)
	if err != nil {
		_ = t.hangUp(peripheral) //nolint:errcheck // Best effort cleanup on error path
		t.errorsTotal.Add(1)
		return fmt.Errorf("%w: %s: discovery: %w", ErrConnectionFailed, t.device, err)
	}

	t.peripheral = &peripheral
	t.chars = chars
	t.connected.Store(true)
	t.connects.Add(1)
	t.touch()

	t.logInfo("peripheral connected",
		"device", t.device.String(),
		"characteristics", len(chars))

	return nil
}

type connectResult struct {
	device bluetooth.Device
	err    error
}

// dropLateConnection waits for an abandoned connect and hangs up the link if
// it came up after the caller gave up.
func (t *GATTTransport) dropLateConnection(ch <-chan connectResult) {
	result := <-ch
	if result.err != nil {
		return
	}
	if err := t.hangUp(result.device); err != nil {
		t.logWarn("dropping abandoned connection failed", "device", t.device.String(), "error", err)
		return
	}
	t.logDebug("dropped connection that completed after its deadline", "device", t.device.String())
}

// discoverCharacteristics walks every service and indexes characteristics by
// normalised UUID.
func discoverCharacteristics(peripheral *bluetooth.Device) (map[string]bluetooth.DeviceCharacteristic, error) {
	services, err := peripheral.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}

	chars := make(map[string]bluetooth.DeviceCharacteristic)
	for _, svc := range services {
		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, err
		}
		for _, c := range found {
			chars[strings.ToLower(c.UUID().String())] = c
		}
	}
	return chars, nil
}

// Read reads a characteristic value.
func (t *GATTTransport) Read(ctx context.Context, characteristic string) ([]byte, error) {
	var out []byte
	err := t.withCharacteristic(ctx, characteristic, func(c bluetooth.DeviceCharacteristic) error {
		buf := make([]byte, maxAttributeSize)
		n, err := c.Read(buf)
		if err != nil {
			return err
		}
		out = buf[:n]
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.reads.Add(1)
	return out, nil
}

// Write writes data to a characteristic.
func (t *GATTTransport) Write(ctx context.Context, characteristic string, data []byte) error {
	err := t.withCharacteristic(ctx, characteristic, func(c bluetooth.DeviceCharacteristic) error {
		return writeValue(c, data)
	})
	if err != nil {
		return err
	}
	t.writes.Add(1)
	return nil
}

// withCharacteristic resolves the characteristic and runs op while holding
// the operation slot. Both the wait for the slot and the wait for op are
// abandoned if ctx ends first.
func (t *GATTTransport) withCharacteristic(ctx context.Context, characteristic string, op func(bluetooth.DeviceCharacteristic) error) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if !t.connected.Load() {
		return ErrNotConnected
	}

	key, err := NormalizeUUID(characteristic)
	if err != nil {
		return err
	}

	if err := t.acquire(ctx); err != nil {
		t.errorsTotal.Add(1)
		return fmt.Errorf("%s %s: %w", t.device, characteristic, err)
	}
	c, ok := t.chars[key]
	if !ok {
		t.release()
		t.errorsTotal.Add(1)
		return fmt.Errorf("%w: %s", ErrCharacteristicNotFound, characteristic)
	}

	done := make(chan error, 1)
	go func() {
		defer t.release()
		done <- op(c)
	}()

	select {
	case <-ctx.Done():
		t.errorsTotal.Add(1)
		return fmt.Errorf("%s %s: %w", t.device, characteristic, ctx.Err())
	case err := <-done:
		if err != nil {
			t.errorsTotal.Add(1)
			return fmt.Errorf("%s %s: %w", t.device, characteristic, err)
		}
		t.touch()
		return nil
	}
}

// Disconnect drops the connection if one is open.
func (t *GATTTransport) Disconnect(ctx context.Context) error {
	if err := t.acquire(ctx); err != nil {
		return fmt.Errorf("disconnect %s: %w", t.device, err)
	}
	peripheral := t.peripheral
	t.peripheral = nil
	t.chars = make(map[string]bluetooth.DeviceCharacteristic)
	t.release()

	if peripheral == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- t.hangUp(*peripheral)
	}()

	select {
	case <-ctx.Done():
		t.connected.Store(false)
		return fmt.Errorf("disconnect %s: %w", t.device, ctx.Err())
	case err := <-done:
		if t.connected.Swap(false) {
			t.disconnects.Add(1)
		}
		if err != nil {
			return fmt.Errorf("disconnect %s: %w", t.device, err)
		}
		return nil
	}
}

// Close releases the transport. The adapter itself stays enabled because it
// is shared by every transport on the same controller. If an operation is
// still in flight after CloseTimeout the peripheral is left to it.
func (t *GATTTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.adapter != nil {
		unwatchDisconnects(t.adapter, t)
	}
	defer t.connected.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), t.opts.CloseTimeout)
	defer cancel()
	if err := t.acquire(ctx); err != nil {
		t.logWarn("closing with an operation still in flight", "device", t.device.String())
		return fmt.Errorf("close %s: %w", t.device, err)
	}
	defer t.release()

	if t.peripheral != nil {
		_ = t.hangUp(*t.peripheral) //nolint:errcheck // Best effort during close
		t.peripheral = nil
	}
	return nil
}

// acquire takes the operation slot or gives up when ctx ends.
func (t *GATTTransport) acquire(ctx context.Context) error {
	select {
	case t.ops <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *GATTTransport) release() {
	<-t.ops
}

// peripheralLost records a link drop reported by the adapter.
func (t *GATTTransport) peripheralLost() {
	if t.connected.Swap(false) {
		t.disconnects.Add(1)
		t.logWarn("peripheral disconnected", "device", t.device.String())
	}
}

// IsConnected reports the last known connection state.
func (t *GATTTransport) IsConnected() bool {
	return t.connected.Load()
}

// Stats returns transport counters.
func (t *GATTTransport) Stats() TransportStats {
	var last time.Time
	if ns := t.lastActivity.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return TransportStats{
		Connects:     t.connects.Load(),
		Disconnects:  t.disconnects.Load(),
		Reads:        t.reads.Load(),
		Writes:       t.writes.Load(),
		ErrorsTotal:  t.errorsTotal.Load(),
		LastActivity: last,
		Connected:    t.connected.Load(),
	}
}

func (t *GATTTransport) touch() {
	t.lastActivity.Store(time.Now().UnixNano())
}

// addressString is the form tinygo's Address.Set expects.
func (t *GATTTransport) addressString() string {
	return t.device.Address.String()
}

func (t *GATTTransport) logDebug(msg string, keysAndValues ...any) {
	if t.opts.Logger != nil {
		t.opts.Logger.Debug(msg, keysAndValues...)
	}
}

func (t *GATTTransport) logInfo(msg string, keysAndValues ...any) {
	if t.opts.Logger != nil {
		t.opts.Logger.Info(msg, keysAndValues...)
	}
}

func (t *GATTTransport) logWarn(msg string, keysAndValues ...any) {
	if t.opts.Logger != nil {
		t.opts.Logger.Warn(msg, keysAndValues...)
	}
}

// NormalizeUUID returns the lowercase 128-bit form of a characteristic UUID.
// 16-bit short forms such as "2A24" are expanded with the Bluetooth base UUID.
func NormalizeUUID(s string) (string, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if len(s) == 4 {
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrCharacteristicNotFound, s)
		}
		return strings.ToLower(bluetooth.New16BitUUID(uint16(v)).String()), nil
	}
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrCharacteristicNotFound, s, err)
	}
	return strings.ToLower(u.String()), nil
}
