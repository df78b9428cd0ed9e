package sequencer

import (
	"fmt"
	"sync"
	"time"
)

// Loop is a single-goroutine task dispatcher. Every task posted to a loop runs
// on the goroutine that called Run, one at a time, in the order posted.
type Loop interface {
	// Run dispatches tasks until Quit is called. It blocks.
	Run()

	// Running is closed once Run has started dispatching.
	Running() <-chan struct{}

	// Done is closed when Run returns.
	Done() <-chan struct{}

	// Post queues fn for execution on the loop goroutine. Safe for concurrent
	// use. Returns ErrLoopStopped after Quit.
	Post(fn func()) error

	// AfterFunc posts fn to the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer

	// Quit stops the loop. Tasks still queued are discarded. Idempotent.
	Quit()
}

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from being posted. It returns false if the
	// timer already fired or was stopped.
	Stop() bool
}

// Ensure EventLoop implements Loop.
var _ Loop = (*EventLoop)(nil)

// EventLoop is the production Loop.
type EventLoop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake    chan struct{}
	quit    chan struct{}
	running chan struct{}
	done    chan struct{}

	runOnce  sync.Once
	quitOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewEventLoop creates a loop. Call Run on a dedicated goroutine.
func NewEventLoop() *EventLoop {
	return &EventLoop{
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		running: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetLogger sets the logger used to report recovered task panics.
func (l *EventLoop) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	defer l.loggerMu.Unlock()
	l.logger = logger
}

// Run dispatches tasks until Quit. Calling Run more than once is a no-op.
func (l *EventLoop) Run() {
	l.runOnce.Do(l.run)
}

func (l *EventLoop) run() {
	defer close(l.done)

	select {
	case <-l.quit:
		return
	default:
	}
	close(l.running)

	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if l.stopped || len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.dispatch(fn)
		}
	}
}

// dispatch runs one task, recovering from panics so one bad task does not
// take the loop down.
func (l *EventLoop) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logError("loop task panic recovered", "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

// Running is closed once Run has started dispatching.
func (l *EventLoop) Running() <-chan struct{} {
	return l.running
}

// Done is closed when Run returns.
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn for the loop goroutine.
func (l *EventLoop) Post(fn func()) error {
	if fn == nil {
		return nil
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// AfterFunc posts fn to the loop after d. A timer that fires after Quit is
// silently dropped.
func (l *EventLoop) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() {
		_ = l.Post(fn) //nolint:errcheck // Loop stopped, nothing to run
	})
}

// Quit stops the loop.
func (l *EventLoop) Quit() {
	l.quitOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.quit)
	})
}

func (l *EventLoop) logError(msg string, keysAndValues ...any) {
	l.loggerMu.RLock()
	logger := l.logger
	l.loggerMu.RUnlock()
	if logger != nil {
		logger.Error(msg, keysAndValues...)
	}
}
