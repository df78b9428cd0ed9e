package sequencer

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
)

// mockOp records one transport call.
type mockOp struct {
	Op             string // "connect", "read", "write", "disconnect", "close"
	Characteristic string
	Data           []byte
}

// mockTransport is a ble.Transport for tests.
type mockTransport struct {
	mu         sync.Mutex
	ops        []mockOp
	connected  bool
	closed     bool
	readData   map[string][]byte
	readErr    map[string]error
	writeErr   map[string]error
	connectErr error
	closeCalls int
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		readData: make(map[string][]byte),
		readErr:  make(map[string]error),
		writeErr: make(map[string]error),
	}
}

func (m *mockTransport) StartConnect(_ context.Context) (<-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, mockOp{Op: "connect"})
	result := make(chan error, 1)
	if m.connectErr != nil {
		result <- m.connectErr
		return result, nil
	}
	m.connected = true
	result <- nil
	return result, nil
}

func (m *mockTransport) Read(_ context.Context, characteristic string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, mockOp{Op: "read", Characteristic: characteristic})
	if err := m.readErr[characteristic]; err != nil {
		return nil, err
	}
	data := m.readData[characteristic]
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *mockTransport) Write(_ context.Context, characteristic string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.ops = append(m.ops, mockOp{Op: "write", Characteristic: characteristic, Data: cp})
	return m.writeErr[characteristic]
}

func (m *mockTransport) Disconnect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, mockOp{Op: "disconnect"})
	m.connected = false
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, mockOp{Op: "close"})
	m.closed = true
	m.closeCalls++
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

func (m *mockTransport) setConnected(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = v
}

func (m *mockTransport) getOps() []mockOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockOp, len(m.ops))
	copy(out, m.ops)
	return out
}

// opsOf returns the recorded calls of one kind.
func (m *mockTransport) opsOf(op string) []mockOp {
	var out []mockOp
	for _, o := range m.getOps() {
		if o.Op == op {
			out = append(out, o)
		}
	}
	return out
}

// manualLoop dispatches tasks on a real goroutine but fires timers only when
// Advance is called.
type manualLoop struct {
	*EventLoop

	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	at     time.Duration
	fn     func()
	done   bool
	parent *manualLoop
}

func (t *manualTimer) Stop() bool {
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// startManualLoop starts a manual loop and quits it when the test ends.
func startManualLoop(t *testing.T) *manualLoop {
	t.Helper()
	l := &manualLoop{EventLoop: NewEventLoop()}
	go l.Run()
	<-l.Running()
	t.Cleanup(func() {
		l.Quit()
		<-l.Done()
	})
	return l
}

func (l *manualLoop) AfterFunc(d time.Duration, fn func()) Timer {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := &manualTimer{at: l.now + d, fn: fn, parent: l}
	l.timers = append(l.timers, t)
	return t
}

// Advance moves time forward, posts every timer that became due, and waits
// for the loop to run them.
func (l *manualLoop) Advance(d time.Duration) {
	l.mu.Lock()
	l.now += d
	var due []*manualTimer
	pending := l.timers[:0]
	for _, t := range l.timers {
		switch {
		case t.done:
		case t.at <= l.now:
			t.done = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	l.timers = pending
	l.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		_ = l.Post(t.fn)
	}
	l.Flush()
}

// Flush waits until every task posted so far has run.
func (l *manualLoop) Flush() {
	done := make(chan struct{})
	if err := l.Post(func() { close(done) }); err != nil {
		return
	}
	<-done
}

// activeTimers returns the number of armed timers.
func (l *manualLoop) activeTimers() int {
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

// recorder collects completions.
type recorder struct {
	mu     sync.Mutex
	reads  []Completion
	writes []Completion
}

func (r *recorder) onRead(c Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, c)
}

func (r *recorder) onWrite(c Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, c)
}

func (r *recorder) getReads() []Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Completion(nil), r.reads...)
}

func (r *recorder) getWrites() []Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Completion(nil), r.writes...)
}
