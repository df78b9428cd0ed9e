package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/gateway"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-ble/internal/message"
)

// MQTTClient is the subset of *mqtt.Client used by the broker.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// TelemetryRecorder optionally records each published read, e.g. to InfluxDB.
type TelemetryRecorder interface {
	WriteTelemetry(address, characteristic string, size int)
}

// Logger is the logging interface used by the broker.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds configuration for creating a broker.
type Options struct {
	// MQTT is the bus client. Required.
	MQTT MQTTClient

	// Logger is optional.
	Logger Logger

	// QoS for outbound telemetry and the command subscription.
	QoS byte

	// Recorder optionally receives one call per published read.
	Recorder TelemetryRecorder

	// Clock stamps envelopes. Default: time.Now.
	Clock func() time.Time
}

// Stats counts broker traffic.
type Stats struct {
	Published       uint64
	PublishFailed   uint64
	LocalDeliveries uint64
	CommandsIn      uint64
	CommandsInvalid uint64
	ReceiverPanics  uint64
}

type attachment struct {
	name     string
	receiver message.Receiver
}

// Broker connects gateway modules to each other and to MQTT.
//
// Outbound messages are delivered to every other attached receiver and
// published as JSON envelopes on the device's telemetry topic. Envelopes
// arriving on the command topics are dispatched to all receivers; each
// module filters for its own address.
//
// Thread Safety: all methods are safe for concurrent use.
type Broker struct {
	mqtt     MQTTClient
	qos      byte
	recorder TelemetryRecorder
	clock    func() time.Time

	mu        sync.RWMutex
	receivers []attachment
	started   bool
	stopped   bool

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	published       atomic.Uint64
	publishFailed   atomic.Uint64
	localDeliveries atomic.Uint64
	commandsIn      atomic.Uint64
	commandsInvalid atomic.Uint64
	receiverPanics  atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a broker. Call Start to receive commands.
func New(opts Options) (*Broker, error) {
	if opts.MQTT == nil {
		return nil, ErrNilMQTT
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Broker{
		mqtt:     opts.MQTT,
		qos:      opts.QoS,
		recorder: opts.Recorder,
		clock:    clock,
		done:     make(chan struct{}),
		logger:   opts.Logger,
	}, nil
}

// Attach registers a receiver under a unique name.
func (b *Broker) Attach(name string, r message.Receiver) error {
	if name == "" {
		return ErrEmptyName
	}
	if r == nil {
		return ErrNilReceiver
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.receivers {
		if a.name == name || a.receiver == r {
			return fmt.Errorf("%w: %s", ErrDuplicateReceiver, name)
		}
	}
	b.receivers = append(b.receivers, attachment{name: name, receiver: r})
	return nil
}

// Detach removes a receiver. It reports whether r was attached.
func (b *Broker) Detach(r message.Receiver) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, a := range b.receivers {
		if a.receiver == r {
			b.receivers = append(b.receivers[:i], b.receivers[i+1:]...)
			return true
		}
	}
	return false
}

// Receivers returns the attached receiver names in attach order.
func (b *Broker) Receivers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.receivers))
	for _, a := range b.receivers {
		names = append(names, a.name)
	}
	return names
}

// Publish delivers msg to every attached receiver except source and, for
// telemetry carrying an address and characteristic, publishes it to MQTT.
//
// Local delivery is asynchronous. The returned error reflects only the
// MQTT publish.
func (b *Broker) Publish(source message.Receiver, msg *message.Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	if b.isStopped() {
		return ErrStopped
	}

	b.dispatch(source, msg)

	mac, hasMAC := msg.Property(gateway.PropertyMACAddress)
	characteristic, hasChar := msg.Property(gateway.PropertyCharacteristic)
	if !hasMAC || !hasChar {
		b.logDebug("message has no telemetry address, delivered locally only")
		return nil
	}

	topic := mqtt.Topics{}.Telemetry(mac, characteristic)
	payload, err := NewEnvelope(msg, b.clock()).Marshal()
	if err != nil {
		b.publishFailed.Add(1)
		return err
	}

	if err := b.mqtt.Publish(topic, payload, b.qos, false); err != nil {
		b.publishFailed.Add(1)
		return fmt.Errorf("broker: publishing %s: %w", topic, err)
	}
	b.published.Add(1)

	if b.recorder != nil {
		b.recorder.WriteTelemetry(mac, characteristic, len(msg.Content()))
	}
	return nil
}

// Start subscribes to the command topics of every device.
func (b *Broker) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.isStopped() {
		return ErrStopped
	}

	topic := mqtt.Topics{}.AllCommands()
	if err := b.mqtt.Subscribe(topic, b.qos, b.handleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}

	b.mu.Lock()
	b.started = true
	b.mu.Unlock()

	b.logInfo("subscribed to commands", "topic", topic)
	return nil
}

// Stop unsubscribes from commands and waits for in-flight deliveries.
// Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		b.stopped = true
		started := b.started
		b.mu.Unlock()

		if started && b.mqtt.IsConnected() {
			topic := mqtt.Topics{}.AllCommands()
			if err := b.mqtt.Unsubscribe(topic); err != nil {
				b.logWarn("unsubscribe failed", "topic", topic, "error", err)
			}
		}

		b.wg.Wait()
		b.logInfo("broker stopped")
	})
}

// Stats returns a snapshot of the traffic counters.
func (b *Broker) Stats() Stats {
	return Stats{
		Published:       b.published.Load(),
		PublishFailed:   b.publishFailed.Load(),
		LocalDeliveries: b.localDeliveries.Load(),
		CommandsIn:      b.commandsIn.Load(),
		CommandsInvalid: b.commandsInvalid.Load(),
		ReceiverPanics:  b.receiverPanics.Load(),
	}
}

// handleCommand turns an inbound envelope into a command message.
//
// A missing address property is taken from the topic and a missing source
// tag defaults to the command tag, so a bare {"content": ...} envelope on a
// device's command topic is enough.
func (b *Broker) handleCommand(topic string, payload []byte) error {
	b.commandsIn.Add(1)

	env, err := ParseEnvelope(payload)
	if err != nil {
		b.commandsInvalid.Add(1)
		return err
	}

	if env.Properties == nil {
		env.Properties = make(map[string]string)
	}
	if _, ok := env.Properties[gateway.PropertyCommandMAC]; !ok {
		seg, _ := mqtt.DeviceFromTopic(topic)
		mac, ok := macFromSegment(seg)
		if !ok {
			b.commandsInvalid.Add(1)
			return fmt.Errorf("%w: no device address in %s", ErrInvalidEnvelope, topic)
		}
		env.Properties[gateway.PropertyCommandMAC] = mac
	}
	if _, ok := env.Properties[gateway.PropertySource]; !ok {
		env.Properties[gateway.PropertySource] = gateway.SourceCommand
	}

	msg, err := env.Message()
	if err != nil {
		b.commandsInvalid.Add(1)
		return err
	}

	b.logDebug("command received", "topic", topic, "id", env.ID)
	b.dispatch(nil, msg)
	return nil
}

// dispatch hands msg to every receiver except source, one goroutine each.
func (b *Broker) dispatch(source message.Receiver, msg *message.Message) {
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return
	}
	targets := make([]attachment, 0, len(b.receivers))
	for _, a := range b.receivers {
		if source != nil && a.receiver == source {
			continue
		}
		targets = append(targets, a)
	}
	// Added under the lock so Stop cannot begin waiting in between.
	b.wg.Add(len(targets))
	b.mu.RUnlock()

	for _, a := range targets {
		go b.deliver(a, msg)
	}
}

func (b *Broker) deliver(a attachment, msg *message.Message) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.receiverPanics.Add(1)
			b.logError("receiver panicked", "receiver", a.name, "panic", r)
		}
	}()

	a.receiver.Receive(msg)
	b.localDeliveries.Add(1)
}

func (b *Broker) isStopped() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// SetLogger sets the logger for the broker.
func (b *Broker) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	defer b.loggerMu.Unlock()
	b.logger = logger
}

func (b *Broker) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Broker) logDebug(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (b *Broker) logInfo(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (b *Broker) logWarn(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (b *Broker) logError(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Error(msg, keysAndValues...)
	}
}
