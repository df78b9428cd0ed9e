package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
	"github.com/nerrad567/gray-logic-ble/internal/message"
	"github.com/nerrad567/gray-logic-ble/internal/sequencer"
)

// Message property keys and values.
const (
	// PropertyControllerIndex carries the adapter index as a decimal string.
	PropertyControllerIndex = "ble_controller_index"

	// PropertyMACAddress carries the device address in colon-hex form.
	PropertyMACAddress = "mac_address"

	// PropertyTimestamp carries the local read time, formatted with TimestampLayout.
	PropertyTimestamp = "timestamp"

	// PropertyCharacteristic carries the characteristic UUID that was read.
	PropertyCharacteristic = "characteristic_uuid"

	// PropertySource tags the message origin.
	PropertySource = "source"

	// PropertyCommandMAC addresses an inbound command to one device.
	PropertyCommandMAC = "macAddress"

	// SourceTelemetry is the source tag of outbound read results.
	SourceTelemetry = "bleTelemetry"

	// SourceCommand is the source tag an inbound write command must carry.
	SourceCommand = "BLE"

	// TimestampLayout formats PropertyTimestamp.
	TimestampLayout = "2006:01:02 15:04:05"
)

// Lifecycle defaults.
const (
	defaultStartupTimeout    = 1 * time.Second
	defaultDisconnectTimeout = 2 * time.Second
	defaultConnectTimeout    = 30 * time.Second
)

// State is the module lifecycle state.
type State int32

const (
	// StateUninitialized is the state of a module that New has not returned.
	StateUninitialized State = iota

	// StateRunning is the state after New succeeds.
	StateRunning

	// StateStopped is the terminal state after Destroy.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Broker publishes messages produced by modules.
type Broker interface {
	// Publish delivers msg on behalf of source. Failures are not retried.
	Publish(source message.Receiver, msg *message.Message) error
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds the dependencies and settings for a module.
type Options struct {
	// Name identifies the module in logs and metrics.
	// Default: the device address.
	Name string

	// Broker receives telemetry messages. Required; borrowed, not owned.
	Broker Broker

	// Config is the parsed device configuration. Required. The module clones
	// the instructions; the caller keeps ownership of Config.
	Config *ble.Config

	// OpenTransport opens the device transport.
	// Default: GATT over tinygo.org/x/bluetooth.
	OpenTransport ble.Opener

	// NewLoop creates the module's event loop.
	// Default: sequencer.NewEventLoop.
	NewLoop func() (sequencer.Loop, error)

	// StartupTimeout bounds the wait for the loop to start. Default: 1 second.
	StartupTimeout time.Duration

	// DisconnectTimeout bounds exit writes and disconnect during Destroy.
	// Default: 2 seconds.
	DisconnectTimeout time.Duration

	// ConnectTimeout bounds the initial connect. Default: 30 seconds.
	ConnectTimeout time.Duration

	// OpTimeout bounds each read or write. Default: the engine default.
	OpTimeout time.Duration

	// Clock returns the time used for telemetry timestamps. Default: time.Now.
	Clock func() time.Time

	// Logger is optional.
	Logger Logger
}

// ModuleMetrics is a point-in-time snapshot of a module's counters.
type ModuleMetrics struct {
	Name             string `json:"name"`
	Address          string `json:"address"`
	AdapterIndex     int    `json:"controller_index"`
	State            string `json:"state"`
	Connected        bool   `json:"connected"`
	ConnectFailures  uint64 `json:"connect_failures"`
	ReadsOK          uint64 `json:"reads_ok"`
	ReadsFailed      uint64 `json:"reads_failed"`
	WritesOK         uint64 `json:"writes_ok"`
	WritesFailed     uint64 `json:"writes_failed"`
	Published        uint64 `json:"published"`
	PublishFailed    uint64 `json:"publish_failed"`
	Dropped          uint64 `json:"dropped"`
	CommandsAccepted uint64 `json:"commands_accepted"`
	CommandsRejected uint64 `json:"commands_rejected"`
}

// Module bridges one BLE peripheral to the broker.
//
// Reads completed by the engine become telemetry messages; inbound command
// messages addressed to the device become on-demand writes.
//
// Thread Safety: Receive, Metrics and Destroy are safe for concurrent use.
// Completion callbacks run on the module's loop goroutine.
type Module struct {
	name      string
	broker    Broker
	device    ble.Device
	transport ble.Transport
	engine    *sequencer.Engine
	loop      sequencer.Loop
	opts      Options

	// ctx is cancelled by Destroy to abort a pending connect.
	ctx    context.Context
	cancel context.CancelFunc

	wg          sync.WaitGroup
	destroyOnce sync.Once
	state       atomic.Int32

	connectFailures  atomic.Uint64
	published        atomic.Uint64
	publishFailed    atomic.Uint64
	dropped          atomic.Uint64
	commandsAccepted atomic.Uint64
	commandsRejected atomic.Uint64
}

// Ensure Module implements message.Receiver.
var _ message.Receiver = (*Module)(nil)

// New creates a module and starts it:
//  1. allocate the module;
//  2. open the transport;
//  3. clone the configured instructions;
//  4. create the event loop;
//  5. create the engine over transport and instructions;
//  6. start the loop goroutine;
//  7. wait, bounded by StartupTimeout, for the loop to dispatch;
//  8. start the connect, failing if the attempt cannot start;
//  9. return without waiting for the connect result.
//
// A failure at any step undoes every earlier step before returning. The
// connect outcome is delivered on the loop: on success the engine is run, on
// failure it stays idle.
func New(opts Options) (*Module, error) {
	if opts.Broker == nil {
		return nil, ErrNilBroker
	}
	if opts.Config == nil {
		return nil, ErrNilConfig
	}
	if len(opts.Config.Instructions) == 0 {
		return nil, ErrNoInstructions
	}
	applyDefaults(&opts)

	var cleanup cleanupStack
	fail := func(err error) (*Module, error) {
		cleanup.unwind()
		return nil, err
	}

	// 1. Allocate.
	ctx, cancel := context.WithCancel(context.Background())
	m := &Module{
		name:   opts.Name,
		broker: opts.Broker,
		device: opts.Config.Device,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
	cleanup.push(cancel)

	// 2. Open transport. The transport and instruction list pass to the
	// engine in step 5, which disposes of them itself on failure.
	var handedOff bool
	transport, err := opts.OpenTransport(m.device)
	if err != nil {
		return fail(fmt.Errorf("%w: %s: %w", ErrOpenTransport, m.device, err))
	}
	if transport == nil {
		return fail(fmt.Errorf("%w: %s: opener returned nil", ErrOpenTransport, m.device))
	}
	cleanup.push(func() {
		if !handedOff {
			_ = transport.Close() //nolint:errcheck // Best effort rollback
		}
	})
	m.transport = transport

	// 3. Engine-private copy of the instructions.
	instrs := ble.CloneAll(opts.Config.Instructions)
	cleanup.push(func() {
		if !handedOff {
			(&ble.Config{Instructions: instrs}).Release()
		}
	})

	// 4. Event loop.
	loop, err := opts.NewLoop()
	if err != nil {
		return fail(fmt.Errorf("creating loop: %w", err))
	}
	if loop == nil {
		return fail(ErrNilLoop)
	}
	cleanup.push(loop.Quit)
	m.loop = loop

	// 5. Engine.
	handedOff = true
	engine, err := sequencer.New(transport, instrs, m.onReadComplete, m.onWriteComplete, sequencer.Options{
		Loop:      loop,
		OpTimeout: opts.OpTimeout,
		Logger:    opts.Logger,
	})
	if err != nil {
		return fail(fmt.Errorf("creating engine: %w", err))
	}
	cleanup.push(func() {
		ctx, cancel := context.WithTimeout(context.Background(), opts.DisconnectTimeout)
		defer cancel()
		_ = engine.Destroy(ctx) //nolint:errcheck // Best effort rollback
	})
	m.engine = engine

	// 6. Loop goroutine.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		loop.Run()
	}()
	cleanup.push(func() {
		loop.Quit()
		m.wg.Wait()
	})

	// 7. Startup barrier.
	timer := time.NewTimer(opts.StartupTimeout)
	select {
	case <-loop.Running():
		timer.Stop()
	case <-timer.C:
		return fail(fmt.Errorf("%w: %s after %v", ErrLoopStartTimeout, m.name, opts.StartupTimeout))
	}

	// 8. Start the connect; an attempt that cannot start fails create.
	connectCtx, connectCancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	result, err := transport.StartConnect(connectCtx)
	if err != nil {
		connectCancel()
		return fail(fmt.Errorf("%w: %s: %w", ErrConnect, m.device, err))
	}
	m.wg.Add(1)
	go m.awaitConnect(result, connectCancel)

	// 9. Done; the connect completes on the loop.
	cleanup.disarm()
	m.state.Store(int32(StateRunning))

	m.logInfo("ble module created",
		"module", m.name,
		"device", m.device.String(),
		"instructions", len(instrs))

	return m, nil
}

func applyDefaults(opts *Options) {
	if opts.Name == "" {
		opts.Name = opts.Config.Device.Address.String()
	}
	if opts.OpenTransport == nil {
		opts.OpenTransport = ble.GATTOptions{Logger: opts.Logger}.Opener()
	}
	if opts.NewLoop == nil {
		logger := opts.Logger
		opts.NewLoop = func() (sequencer.Loop, error) {
			loop := sequencer.NewEventLoop()
			if logger != nil {
				loop.SetLogger(logger)
			}
			return loop, nil
		}
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupTimeout
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = defaultDisconnectTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
}

// awaitConnect hands the connect outcome to the loop.
func (m *Module) awaitConnect(result <-chan error, cancel context.CancelFunc) {
	defer m.wg.Done()
	defer cancel()

	var err error
	select {
	case err = <-result:
	case <-m.ctx.Done():
		return
	}

	if postErr := m.loop.Post(func() { m.connectDone(err) }); postErr != nil {
		m.logDebug("connect outcome dropped", "module", m.name, "error", postErr)
	}
}

// connectDone runs on the loop.
func (m *Module) connectDone(err error) {
	if m.ctx.Err() != nil {
		return
	}
	if err != nil {
		m.connectFailures.Add(1)
		m.logError("ble connect failed, engine stays idle",
			"module", m.name,
			"device", m.device.String(),
			"error", err)
		return
	}

	m.logInfo("ble device connected", "module", m.name, "device", m.device.String())

	if err := m.engine.Run(); err != nil {
		m.logError("starting engine failed", "module", m.name, "error", err)
	}
}

// onReadComplete turns a successful read into a telemetry message. Nothing is
// published for failed reads or when the message cannot be built.
func (m *Module) onReadComplete(c sequencer.Completion) {
	if c.Status != sequencer.StatusOK {
		m.dropped.Add(1)
		m.logDebug("read failed, nothing published",
			"module", m.name,
			"characteristic", c.Characteristic,
			"error", c.Err)
		return
	}

	msg, err := m.telemetryMessage(c.Characteristic, c.Data)
	if err != nil {
		m.dropped.Add(1)
		m.logDebug("building telemetry message failed",
			"module", m.name,
			"characteristic", c.Characteristic,
			"error", err)
		return
	}

	if err := m.broker.Publish(m, msg); err != nil {
		m.publishFailed.Add(1)
		m.logDebug("publishing telemetry failed",
			"module", m.name,
			"characteristic", c.Characteristic,
			"error", err)
		return
	}
	m.published.Add(1)
}

func (m *Module) telemetryMessage(characteristic string, data []byte) (*message.Message, error) {
	props := map[string]string{
		PropertyControllerIndex: strconv.Itoa(m.device.AdapterIndex),
		PropertyMACAddress:      m.device.Address.String(),
		PropertyTimestamp:       m.opts.Clock().Local().Format(TimestampLayout),
		PropertyCharacteristic:  characteristic,
		PropertySource:          SourceTelemetry,
	}
	return message.NewWithProperties(data, props)
}

func (m *Module) onWriteComplete(c sequencer.Completion) {
	if c.Status != sequencer.StatusOK {
		m.logWarn("write failed",
			"module", m.name,
			"characteristic", c.Characteristic,
			"kind", string(c.Kind),
			"error", c.Err)
	}
}

// Receive handles a message delivered by the broker. Messages that are not
// BLE commands for this device are ignored; commands that fail to decode are
// rejected. A valid command is scheduled as an on-demand write.
func (m *Module) Receive(msg *message.Message) {
	if m == nil || msg == nil {
		return
	}

	instr, err := m.commandFrom(msg)
	if errors.Is(err, errNotForModule) {
		return
	}
	if err != nil {
		m.commandsRejected.Add(1)
		m.logDebug("command rejected", "module", m.name, "error", err)
		return
	}

	if err := m.engine.AddInstruction(instr); err != nil {
		m.commandsRejected.Add(1)
		m.logWarn("scheduling command failed", "module", m.name, "error", err)
		return
	}
	m.commandsAccepted.Add(1)
}

// commandFrom applies the inbound filters in order: source tag, device
// address, non-empty content, write instruction.
func (m *Module) commandFrom(msg *message.Message) (ble.Instruction, error) {
	if source, ok := msg.Property(PropertySource); !ok || source != SourceCommand {
		return nil, errNotForModule
	}

	macText, ok := msg.Property(PropertyCommandMAC)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ble.ErrInvalidAddress, PropertyCommandMAC)
	}
	mac, err := ble.ParseMAC(macText)
	if err != nil {
		return nil, err
	}
	if mac != m.device.Address {
		return nil, errNotForModule
	}

	if len(msg.Content()) == 0 {
		return nil, fmt.Errorf("%w: empty content", ble.ErrInvalidCommand)
	}
	return ble.DecodeCommand(msg.Content())
}

// Destroy stops the module: exit writes run, the transport is disconnected
// (bounded by DisconnectTimeout) and closed, then the loop goroutine is quit
// and joined before Destroy returns. Nil-safe and idempotent.
func (m *Module) Destroy() {
	if m == nil {
		return
	}
	m.destroyOnce.Do(m.destroy)
}

func (m *Module) destroy() {
	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DisconnectTimeout)
	defer cancel()
	if err := m.engine.Destroy(ctx); err != nil {
		m.logWarn("engine teardown incomplete", "module", m.name, "error", err)
	}

	m.loop.Quit()
	m.wg.Wait()

	m.state.Store(int32(StateStopped))
	m.logInfo("ble module destroyed", "module", m.name, "device", m.device.String())
}

// Name returns the module name.
func (m *Module) Name() string {
	return m.name
}

// Address returns the device address.
func (m *Module) Address() ble.MAC {
	return m.device.Address
}

// State returns the lifecycle state.
func (m *Module) State() State {
	return State(m.state.Load())
}

// Metrics returns a snapshot of the module counters.
func (m *Module) Metrics() ModuleMetrics {
	es := m.engine.Stats()
	return ModuleMetrics{
		Name:             m.name,
		Address:          m.device.Address.String(),
		AdapterIndex:     m.device.AdapterIndex,
		State:            m.State().String(),
		Connected:        m.State() == StateRunning && m.transport.IsConnected(),
		ConnectFailures:  m.connectFailures.Load(),
		ReadsOK:          es.ReadsOK,
		ReadsFailed:      es.ReadsFailed,
		WritesOK:         es.WritesOK,
		WritesFailed:     es.WritesFailed,
		Published:        m.published.Load(),
		PublishFailed:    m.publishFailed.Load(),
		Dropped:          m.dropped.Load(),
		CommandsAccepted: m.commandsAccepted.Load(),
		CommandsRejected: m.commandsRejected.Load(),
	}
}

func (m *Module) logDebug(msg string, keysAndValues ...any) {
	if m.opts.Logger != nil {
		m.opts.Logger.Debug(msg, keysAndValues...)
	}
}

func (m *Module) logInfo(msg string, keysAndValues ...any) {
	if m.opts.Logger != nil {
		m.opts.Logger.Info(msg, keysAndValues...)
	}
}

func (m *Module) logWarn(msg string, keysAndValues ...any) {
	if m.opts.Logger != nil {
		m.opts.Logger.Warn(msg, keysAndValues...)
	}
}

func (m *Module) logError(msg string, keysAndValues ...any) {
	if m.opts.Logger != nil {
		m.opts.Logger.Error(msg, keysAndValues...)
	}
}
