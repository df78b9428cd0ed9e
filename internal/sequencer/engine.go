package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
)

// defaultOpTimeout bounds a single read or write issued by the engine.
const defaultOpTimeout = 10 * time.Second

// Status is the outcome of an asynchronous operation.
type Status int

const (
	// StatusOK means the operation succeeded.
	StatusOK Status = iota

	// StatusError means the operation failed; Completion.Err holds the cause.
	StatusError
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Completion describes a finished read or write.
type Completion struct {
	// Engine that issued the operation.
	Engine *Engine

	// Characteristic is the target characteristic UUID.
	Characteristic string

	// Kind is the instruction variant that produced the operation.
	Kind ble.Kind

	Status Status
	Err    error

	// Data holds the value read. Ownership passes to the callback.
	// Always nil for writes and failed reads.
	Data []byte
}

// CompletionFunc receives completions on the loop goroutine.
type CompletionFunc func(Completion)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures an Engine.
type Options struct {
	// Loop dispatches every transport operation and completion. Required.
	Loop Loop

	// OpTimeout bounds each read or write. Default: 10 seconds.
	OpTimeout time.Duration

	// Logger is optional.
	Logger Logger
}

// Stats holds engine counters.
type Stats struct {
	ReadsOK       uint64
	ReadsFailed   uint64
	WritesOK      uint64
	WritesFailed  uint64
	PeriodicTicks uint64
	ExitWrites    uint64
}

// Engine executes an instruction list against one transport.
//
// Thread Safety:
//   - Run, AddInstruction and Destroy are safe to call from any goroutine.
//   - Transport I/O and completion callbacks happen only on the loop goroutine.
type Engine struct {
	transport ble.Transport
	loop      Loop
	instrs    []ble.Instruction
	onRead    CompletionFunc
	onWrite   CompletionFunc
	opts      Options

	// ctx is cancelled by Destroy to abort in-flight operations.
	ctx    context.Context
	cancel context.CancelFunc

	destroyed   atomic.Bool
	destroyOnce sync.Once

	// Loop goroutine only.
	started bool
	timers  []Timer

	shutdownOnce sync.Once

	readsOK       atomic.Uint64
	readsFailed   atomic.Uint64
	writesOK      atomic.Uint64
	writesFailed  atomic.Uint64
	periodicTicks atomic.Uint64
	exitWrites    atomic.Uint64
}

// New creates an engine. It takes ownership of transport and instrs whatever
// the outcome: on error the transport is closed and the list released.
func New(transport ble.Transport, instrs []ble.Instruction, onRead, onWrite CompletionFunc, opts Options) (*Engine, error) {
	if transport == nil {
		releaseInstructions(instrs)
		return nil, ErrNilTransport
	}

	fail := func(err error) (*Engine, error) {
		_ = transport.Close() //nolint:errcheck // Best effort cleanup on error path
		releaseInstructions(instrs)
		return nil, err
	}

	if opts.Loop == nil {
		return fail(ErrNilLoop)
	}
	if onRead == nil || onWrite == nil {
		return fail(ErrNilCallback)
	}
	for i, instr := range instrs {
		if instr == nil {
			return fail(fmt.Errorf("instruction %d: %w: nil", i, ble.ErrInvalidInstruction))
		}
		if err := instr.Validate(); err != nil {
			return fail(fmt.Errorf("instruction %d: %w", i, err))
		}
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		transport: transport,
		loop:      opts.Loop,
		instrs:    instrs,
		onRead:    onRead,
		onWrite:   onWrite,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Run schedules the instruction list. In list order, each WriteAtInit and
// ReadOnce becomes a one-shot operation and each ReadPeriodic arms a timer.
// WriteAtExit entries wait for Destroy. Calling Run more than once is a no-op.
func (e *Engine) Run() error {
	if e.destroyed.Load() {
		return ErrEngineDestroyed
	}
	return e.loop.Post(e.start)
}

// start runs on the loop.
func (e *Engine) start() {
	if e.started || e.destroyed.Load() {
		return
	}
	e.started = true

	for _, instr := range e.instrs {
		switch v := instr.(type) {
		case ble.WriteAtInit:
			e.scheduleWrite(v)
		case ble.ReadOnce:
			e.scheduleRead(v)
		case ble.ReadPeriodic:
			e.armPeriodic(v)
		}
	}

	e.logDebug("engine running", "instructions", len(e.instrs))
}

// AddInstruction schedules a one-shot write. Only write variants are
// accepted; the instruction is copied and not retained after it completes.
func (e *Engine) AddInstruction(instr ble.Instruction) error {
	w, ok := instr.(ble.Writer)
	if !ok {
		return ErrNotWriteInstruction
	}
	if e.destroyed.Load() {
		return ErrEngineDestroyed
	}
	if err := w.Validate(); err != nil {
		return err
	}
	if err := e.scheduleWrite(ble.Clone(w).(ble.Writer)); err != nil {
		if errors.Is(err, ErrLoopStopped) {
			return fmt.Errorf("%w: %w", ErrEngineDestroyed, err)
		}
		return err
	}
	return nil
}

func (e *Engine) scheduleRead(instr ble.Instruction) error {
	return e.loop.Post(func() {
		e.onRead(e.read(instr))
	})
}

func (e *Engine) scheduleWrite(w ble.Writer) error {
	return e.loop.Post(func() {
		e.onWrite(e.write(w))
	})
}

// armPeriodic runs on the loop. Each tick reads, reports and re-arms, whether
// or not the read succeeded.
func (e *Engine) armPeriodic(instr ble.ReadPeriodic) {
	var tick func()
	slot := len(e.timers)
	tick = func() {
		if e.destroyed.Load() {
			return
		}
		e.periodicTicks.Add(1)
		e.onRead(e.read(instr))
		if e.destroyed.Load() {
			return
		}
		e.timers[slot] = e.loop.AfterFunc(instr.Interval, tick)
	}
	e.timers = append(e.timers, e.loop.AfterFunc(instr.Interval, tick))
}

// read runs on the loop.
func (e *Engine) read(instr ble.Instruction) Completion {
	c := Completion{
		Engine:         e,
		Characteristic: instr.Characteristic(),
		Kind:           instr.Kind(),
	}
	if e.destroyed.Load() {
		e.readsFailed.Add(1)
		c.Status, c.Err = StatusError, ErrEngineDestroyed
		return c
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.opts.OpTimeout)
	data, err := e.transport.Read(ctx, c.Characteristic)
	cancel()

	if err != nil {
		e.readsFailed.Add(1)
		c.Status, c.Err = StatusError, err
		e.logDebug("read failed", "characteristic", c.Characteristic, "error", err)
		return c
	}
	e.readsOK.Add(1)
	c.Status, c.Data = StatusOK, data
	return c
}

// write runs on the loop.
func (e *Engine) write(w ble.Writer) Completion {
	c := Completion{
		Engine:         e,
		Characteristic: w.Characteristic(),
		Kind:           w.Kind(),
	}
	if e.destroyed.Load() {
		e.writesFailed.Add(1)
		c.Status, c.Err = StatusError, ErrEngineDestroyed
		return c
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.opts.OpTimeout)
	err := e.transport.Write(ctx, c.Characteristic, w.Payload())
	cancel()

	if err != nil {
		e.writesFailed.Add(1)
		c.Status, c.Err = StatusError, err
		e.logDebug("write failed", "characteristic", c.Characteristic, "error", err)
		return c
	}
	e.writesOK.Add(1)
	c.Status = StatusOK
	return c
}

// Destroy stops the engine:
//  1. new work is rejected and in-flight operations are cancelled;
//  2. periodic timers are stopped and every WriteAtExit is attempted in list
//     order, whatever the connection state, on the loop if it is dispatching,
//     otherwise inline;
//  3. the transport is disconnected (bounded by ctx) and closed.
//
// Calls after the first are no-ops returning nil.
func (e *Engine) Destroy(ctx context.Context) error {
	var err error
	e.destroyOnce.Do(func() {
		err = e.destroy(ctx)
	})
	return err
}

func (e *Engine) destroy(ctx context.Context) error {
	e.destroyed.Store(true)
	e.cancel()

	e.runShutdown(ctx)

	var errs []error
	if err := e.transport.Disconnect(ctx); err != nil {
		e.logWarn("disconnect failed", "error", err)
		errs = append(errs, err)
	}
	if err := e.transport.Close(); err != nil {
		errs = append(errs, err)
	}

	releaseInstructions(e.instrs)
	e.instrs = nil

	return errors.Join(errs...)
}

// runShutdown executes shutdown on the loop goroutine when it is dispatching
// and inline otherwise.
func (e *Engine) runShutdown(ctx context.Context) {
	select {
	case <-e.loop.Running():
	default:
		e.shutdown(ctx)
		return
	}

	done := make(chan struct{})
	if err := e.loop.Post(func() {
		e.shutdown(ctx)
		close(done)
	}); err != nil {
		e.shutdown(ctx)
		return
	}

	select {
	case <-done:
	case <-e.loop.Done():
		// The loop quit before reaching the task; it can no longer race us.
		e.shutdown(ctx)
	}
}

// shutdown stops the timers and performs the exit writes.
func (e *Engine) shutdown(ctx context.Context) {
	e.shutdownOnce.Do(func() {
		for _, t := range e.timers {
			t.Stop()
		}
		e.timers = nil

		// Exit writes are attempted even after a disconnect; the transport
		// reports the failure and the rest still run.
		for _, instr := range e.instrs {
			exit, ok := instr.(ble.WriteAtExit)
			if !ok {
				continue
			}
			if err := e.transport.Write(ctx, exit.CharacteristicUUID, exit.Data); err != nil {
				e.writesFailed.Add(1)
				e.logWarn("exit write failed",
					"characteristic", exit.CharacteristicUUID,
					"error", err)
				continue
			}
			e.writesOK.Add(1)
			e.exitWrites.Add(1)
		}
	})
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		ReadsOK:       e.readsOK.Load(),
		ReadsFailed:   e.readsFailed.Load(),
		WritesOK:      e.writesOK.Load(),
		WritesFailed:  e.writesFailed.Load(),
		PeriodicTicks: e.periodicTicks.Load(),
		ExitWrites:    e.exitWrites.Load(),
	}
}

// Transport returns the engine's transport.
func (e *Engine) Transport() ble.Transport {
	return e.transport
}

// releaseInstructions zeroes write payloads and drops the entries.
func releaseInstructions(instrs []ble.Instruction) {
	for i, instr := range instrs {
		if w, ok := instr.(ble.Writer); ok {
			clear(w.Payload())
		}
		instrs[i] = nil
	}
}

func (e *Engine) logDebug(msg string, keysAndValues ...any) {
	if e.opts.Logger != nil {
		e.opts.Logger.Debug(msg, keysAndValues...)
	}
}

func (e *Engine) logWarn(msg string, keysAndValues ...any) {
	if e.opts.Logger != nil {
		e.opts.Logger.Warn(msg, keysAndValues...)
	}
}
