package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
	"github.com/nerrad567/gray-logic-ble/internal/message"
	"github.com/nerrad567/gray-logic-ble/internal/sequencer"
)

// mockBroker records published messages.
type mockBroker struct {
	mu       sync.Mutex
	messages []*message.Message
	sources  []message.Receiver
	err      error
}

func (b *mockBroker) Publish(source message.Receiver, msg *message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.messages = append(b.messages, msg)
	b.sources = append(b.sources, source)
	return nil
}

func (b *mockBroker) getMessages() []*message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*message.Message(nil), b.messages...)
}

func (b *mockBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// transportOp records one transport call.
type transportOp struct {
	op             string
	characteristic string
	data           []byte
}

// mockTransport is a ble.Transport for tests.
type mockTransport struct {
	mu           sync.Mutex
	ops          []transportOp
	connected    bool
	startErr     error
	connectErr   error
	blockConnect bool
	readData     map[string][]byte
	readErr      error
	closeCalls   int
}

func newMockTransport() *mockTransport {
	return &mockTransport{readData: make(map[string][]byte)}
}

func (m *mockTransport) record(op transportOp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
}

func (m *mockTransport) StartConnect(ctx context.Context) (<-chan error, error) {
	m.mu.Lock()
	startErr := m.startErr
	m.mu.Unlock()
	if startErr != nil {
		return nil, startErr
	}

	m.record(transportOp{op: "connect"})
	result := make(chan error, 1)
	go func() {
		result <- m.connect(ctx)
	}()
	return result, nil
}

func (m *mockTransport) connect(ctx context.Context) error {
	m.mu.Lock()
	block, err := m.blockConnect, m.connectErr
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) Read(_ context.Context, characteristic string) ([]byte, error) {
	m.record(transportOp{op: "read", characteristic: characteristic})
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	return append([]byte(nil), m.readData[characteristic]...), nil
}

func (m *mockTransport) Write(_ context.Context, characteristic string, data []byte) error {
	m.record(transportOp{op: "write", characteristic: characteristic, data: append([]byte(nil), data...)})
	return nil
}

func (m *mockTransport) Disconnect(_ context.Context) error {
	m.record(transportOp{op: "disconnect"})
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) Close() error {
	m.record(transportOp{op: "close"})
	m.mu.Lock()
	m.closeCalls++
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockTransport) Stats() ble.TransportStats {
	return ble.TransportStats{Connected: m.IsConnected()}
}

func (m *mockTransport) getCloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

func (m *mockTransport) opsOf(op string) []transportOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []transportOp
	for _, o := range m.ops {
		if o.op == op {
			out = append(out, o)
		}
	}
	return out
}

func (m *mockTransport) opNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.ops))
	for _, o := range m.ops {
		out = append(out, o.op)
	}
	return out
}

// testLoop wraps the production loop with manual timers and failure hooks.
type testLoop struct {
	*sequencer.EventLoop

	// holdRunning makes Run wait for Quit without ever dispatching.
	holdRunning bool

	stop      chan struct{}
	stopOnce  sync.Once
	exited    chan struct{}
	quitCalls atomic.Int32

	mu     sync.Mutex
	now    time.Duration
	timers []*testTimer
}

type testTimer struct {
	at   time.Duration
	fn   func()
	done bool
	loop *testLoop
}

func (t *testTimer) Stop() bool {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func newTestLoop() *testLoop {
	return &testLoop{
		EventLoop: sequencer.NewEventLoop(),
		stop:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
}

func (l *testLoop) Run() {
	defer close(l.exited)
	if l.holdRunning {
		<-l.stop
		return
	}
	l.EventLoop.Run()
}

func (l *testLoop) Quit() {
	l.quitCalls.Add(1)
	l.stopOnce.Do(func() { close(l.stop) })
	l.EventLoop.Quit()
}

func (l *testLoop) AfterFunc(d time.Duration, fn func()) sequencer.Timer {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := &testTimer{at: l.now + d, fn: fn, loop: l}
	l.timers = append(l.timers, t)
	return t
}

// Advance moves the manual clock and posts due timers.
func (l *testLoop) Advance(d time.Duration) {
	l.mu.Lock()
	l.now += d
	var due []*testTimer
	for _, t := range l.timers {
		if !t.done && t.at <= l.now {
			t.done = true
			due = append(due, t)
		}
	}
	l.mu.Unlock()

	for _, t := range due {
		_ = l.Post(t.fn)
	}
}

func (l *testLoop) activeTimers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (l *testLoop) hasExited() bool {
	select {
	case <-l.exited:
		return true
	default:
		return false
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// testLogger discards output but exercises the logging paths.
type testLogger struct{}

func (testLogger) Debug(string, ...any) {}
func (testLogger) Info(string, ...any)  {}
func (testLogger) Warn(string, ...any)  {}
func (testLogger) Error(string, ...any) {}
