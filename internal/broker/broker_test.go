package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/gateway"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-ble/internal/message"
)

type publishedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// mockMQTT records publishes and captures subscription handlers.
type mockMQTT struct {
	mu           sync.Mutex
	published    []publishedMsg
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	connected    bool
	publishErr   error
	subscribeErr error
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{handlers: make(map[string]mqtt.MessageHandler), connected: true}
}

func (m *mockMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, publishedMsg{topic, payload, qos, retained})
	return nil
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, topic)
	delete(m.handlers, topic)
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMQTT) handler(topic string) mqtt.MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[topic]
}

// mockReceiver buffers received messages.
type mockReceiver struct {
	ch    chan *message.Message
	panic bool
}

func newMockReceiver() *mockReceiver {
	return &mockReceiver{ch: make(chan *message.Message, 16)}
}

func (r *mockReceiver) Receive(msg *message.Message) {
	if r.panic {
		panic("receiver failure")
	}
	r.ch <- msg
}

func (r *mockReceiver) next(t *testing.T) *message.Message {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

type mockRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *mockRecorder) WriteTelemetry(address, characteristic string, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, address+"|"+characteristic)
	_ = size
}

type testLogger struct{}

func (testLogger) Debug(string, ...any) {}
func (testLogger) Info(string, ...any)  {}
func (testLogger) Warn(string, ...any)  {}
func (testLogger) Error(string, ...any) {}

var fixedNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestBroker(t *testing.T, m *mockMQTT, rec TelemetryRecorder) *Broker {
	t.Helper()
	b, err := New(Options{
		MQTT:     m,
		QoS:      1,
		Logger:   testLogger{},
		Recorder: rec,
		Clock:    func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func telemetryMessage(t *testing.T) *message.Message {
	t.Helper()
	msg, err := message.NewWithProperties([]byte{0x01, 0x02}, map[string]string{
		gateway.PropertyMACAddress:     "AA:BB:CC:DD:EE:FF",
		gateway.PropertyCharacteristic: "00002A19-0000-1000-8000-00805F9B34FB",
		gateway.PropertySource:         gateway.SourceTelemetry,
	})
	if err != nil {
		t.Fatalf("NewWithProperties() error = %v", err)
	}
	return msg
}

func TestNew_RequiresMQTT(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNilMQTT) {
		t.Errorf("New() error = %v, want ErrNilMQTT", err)
	}
}

func TestAttach(t *testing.T) {
	b := newTestBroker(t, newMockMQTT(), nil)
	r1, r2 := newMockReceiver(), newMockReceiver()

	if err := b.Attach("one", r1); err != nil {
		t.Fatalf("Attach(one) error = %v", err)
	}
	if err := b.Attach("two", r2); err != nil {
		t.Fatalf("Attach(two) error = %v", err)
	}

	tests := []struct {
		name     string
		attachAs string
		receiver message.Receiver
		want     error
	}{
		{"empty name", "", newMockReceiver(), ErrEmptyName},
		{"nil receiver", "three", nil, ErrNilReceiver},
		{"duplicate name", "one", newMockReceiver(), ErrDuplicateReceiver},
		{"duplicate receiver", "other", r1, ErrDuplicateReceiver},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := b.Attach(tt.attachAs, tt.receiver); !errors.Is(err, tt.want) {
				t.Errorf("Attach() error = %v, want %v", err, tt.want)
			}
		})
	}

	if got := b.Receivers(); len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("Receivers() = %v", got)
	}
	if !b.Detach(r1) {
		t.Error("Detach(r1) = false")
	}
	if b.Detach(r1) {
		t.Error("second Detach(r1) = true")
	}
	if got := b.Receivers(); len(got) != 1 || got[0] != "two" {
		t.Errorf("Receivers() after detach = %v", got)
	}
}

func TestPublish_TelemetryToMQTT(t *testing.T) {
	m := newMockMQTT()
	rec := &mockRecorder{}
	b := newTestBroker(t, m, rec)

	if err := b.Publish(nil, telemetryMessage(t)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(m.published) != 1 {
		t.Fatalf("published = %d, want 1", len(m.published))
	}
	p := m.published[0]
	wantTopic := "graylogic/ble/telemetry/aabbccddeeff/00002a19-0000-1000-8000-00805f9b34fb"
	if p.topic != wantTopic {
		t.Errorf("topic = %q, want %q", p.topic, wantTopic)
	}
	if p.qos != 1 || p.retained {
		t.Errorf("qos = %d retained = %v, want 1 false", p.qos, p.retained)
	}

	var env Envelope
	if err := json.Unmarshal(p.payload, &env); err != nil {
		t.Fatalf("payload is not an envelope: %v", err)
	}
	if env.ID == "" {
		t.Error("envelope ID is empty")
	}
	if !env.Timestamp.Equal(fixedNow) {
		t.Errorf("Timestamp = %v, want %v", env.Timestamp, fixedNow)
	}
	if string(env.Content) != "\x01\x02" {
		t.Errorf("Content = %v", env.Content)
	}
	if env.Properties[gateway.PropertySource] != gateway.SourceTelemetry {
		t.Errorf("Properties = %v", env.Properties)
	}

	if len(rec.calls) != 1 || rec.calls[0] != "AA:BB:CC:DD:EE:FF|00002A19-0000-1000-8000-00805F9B34FB" {
		t.Errorf("recorder calls = %v", rec.calls)
	}
	if s := b.Stats(); s.Published != 1 || s.PublishFailed != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestPublish_SkipsSourceReceiver(t *testing.T) {
	b := newTestBroker(t, newMockMQTT(), nil)
	source, other := newMockReceiver(), newMockReceiver()
	_ = b.Attach("source", source)
	_ = b.Attach("other", other)

	msg := telemetryMessage(t)
	if err := b.Publish(source, msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if got := other.next(t); got != msg {
		t.Error("other receiver got a different message")
	}
	b.Stop()
	select {
	case <-source.ch:
		t.Error("source received its own message")
	default:
	}
}

func TestPublish_LocalOnlyWithoutAddress(t *testing.T) {
	m := newMockMQTT()
	b := newTestBroker(t, m, nil)
	r := newMockReceiver()
	_ = b.Attach("r", r)

	msg, _ := message.NewWithProperties([]byte("x"), map[string]string{"k": "v"})
	if err := b.Publish(nil, msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	r.next(t)
	if len(m.published) != 0 {
		t.Errorf("published = %d, want 0", len(m.published))
	}
}

func TestPublish_MQTTError(t *testing.T) {
	m := newMockMQTT()
	m.publishErr = mqtt.ErrNotConnected
	b := newTestBroker(t, m, nil)

	err := b.Publish(nil, telemetryMessage(t))
	if !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if s := b.Stats(); s.PublishFailed != 1 {
		t.Errorf("PublishFailed = %d, want 1", s.PublishFailed)
	}
}

func TestPublish_Errors(t *testing.T) {
	b := newTestBroker(t, newMockMQTT(), nil)
	if err := b.Publish(nil, nil); !errors.Is(err, ErrNilMessage) {
		t.Errorf("Publish(nil) error = %v, want ErrNilMessage", err)
	}
	b.Stop()
	if err := b.Publish(nil, telemetryMessage(t)); !errors.Is(err, ErrStopped) {
		t.Errorf("Publish() after Stop error = %v, want ErrStopped", err)
	}
}

func TestPublish_RecoversReceiverPanic(t *testing.T) {
	b := newTestBroker(t, newMockMQTT(), nil)
	bad := &mockReceiver{ch: make(chan *message.Message, 1), panic: true}
	good := newMockReceiver()
	_ = b.Attach("bad", bad)
	_ = b.Attach("good", good)

	if err := b.Publish(nil, telemetryMessage(t)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	good.next(t)
	b.Stop()

	if s := b.Stats(); s.ReceiverPanics != 1 {
		t.Errorf("ReceiverPanics = %d, want 1", s.ReceiverPanics)
	}
}

func TestStart_CommandDispatch(t *testing.T) {
	m := newMockMQTT()
	b := newTestBroker(t, m, nil)
	r := newMockReceiver()
	_ = b.Attach("r", r)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	topic := mqtt.Topics{}.AllCommands()
	h := m.handler(topic)
	if h == nil {
		t.Fatalf("no subscription on %s", topic)
	}

	payload := []byte(`{"id":"c1","content":"AQI="}`)
	if err := h("graylogic/ble/command/aabbccddeeff", payload); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	msg := r.next(t)
	if mac, _ := msg.Property(gateway.PropertyCommandMAC); mac != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("command MAC = %q", mac)
	}
	if src, _ := msg.Property(gateway.PropertySource); src != gateway.SourceCommand {
		t.Errorf("source = %q", src)
	}
	if string(msg.Content()) != "\x01\x02" {
		t.Errorf("content = %v", msg.Content())
	}
}

func TestStart_CommandKeepsExplicitProperties(t *testing.T) {
	m := newMockMQTT()
	b := newTestBroker(t, m, nil)
	r := newMockReceiver()
	_ = b.Attach("r", r)
	_ = b.Start(context.Background())

	payload := []byte(`{"properties":{"macAddress":"11:22:33:44:55:66","source":"other"},"content":"AQ=="}`)
	if err := m.handler(mqtt.Topics{}.AllCommands())("graylogic/ble/command/aabbccddeeff", payload); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	msg := r.next(t)
	if mac, _ := msg.Property(gateway.PropertyCommandMAC); mac != "11:22:33:44:55:66" {
		t.Errorf("command MAC = %q", mac)
	}
	if src, _ := msg.Property(gateway.PropertySource); src != "other" {
		t.Errorf("source = %q", src)
	}
}

func TestStart_InvalidCommands(t *testing.T) {
	m := newMockMQTT()
	b := newTestBroker(t, m, nil)
	_ = b.Start(context.Background())
	h := m.handler(mqtt.Topics{}.AllCommands())

	if err := h("graylogic/ble/command/aabbccddeeff", []byte("not json")); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("bad JSON error = %v, want ErrInvalidEnvelope", err)
	}
	if err := h("graylogic/ble/command/abc", []byte(`{"content":"AQ=="}`)); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("bad segment error = %v, want ErrInvalidEnvelope", err)
	}
	if err := h("graylogic/ble/command/aabbccddeeff", []byte(`{"properties":{"":"x"}}`)); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("empty key error = %v, want ErrInvalidEnvelope", err)
	}

	if s := b.Stats(); s.CommandsIn != 3 || s.CommandsInvalid != 3 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestStart_Errors(t *testing.T) {
	m := newMockMQTT()
	m.subscribeErr = errors.New("refused")
	b := newTestBroker(t, m, nil)
	if err := b.Start(context.Background()); err == nil {
		t.Error("Start() should fail when subscribe fails")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Start(cancelled) error = %v", err)
	}
}

func TestStop_Unsubscribes(t *testing.T) {
	m := newMockMQTT()
	b := newTestBroker(t, m, nil)
	_ = b.Start(context.Background())

	b.Stop()
	b.Stop()

	want := mqtt.Topics{}.AllCommands()
	if len(m.unsubscribed) != 1 || m.unsubscribed[0] != want {
		t.Errorf("unsubscribed = %v", m.unsubscribed)
	}
	if err := b.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrStopped", err)
	}
}

func TestMacFromSegment(t *testing.T) {
	tests := []struct {
		seg  string
		want string
		ok   bool
	}{
		{"aabbccddeeff", "AA:BB:CC:DD:EE:FF", true},
		{"001122334455", "00:11:22:33:44:55", true},
		{"", "", false},
		{"aabbcc", "", false},
	}
	for _, tt := range tests {
		got, ok := macFromSegment(tt.seg)
		if got != tt.want || ok != tt.ok {
			t.Errorf("macFromSegment(%q) = %q, %v; want %q, %v", tt.seg, got, ok, tt.want, tt.ok)
		}
	}
}
