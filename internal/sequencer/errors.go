package sequencer

import "errors"

// Domain errors for the sequencer package.
var (
	// ErrLoopStopped is returned when work is posted to a loop that has quit.
	ErrLoopStopped = errors.New("sequencer: loop stopped")

	// ErrEngineDestroyed is returned when work is submitted after Destroy, and
	// is carried by completions for operations abandoned during Destroy.
	ErrEngineDestroyed = errors.New("sequencer: engine destroyed")

	// ErrNotWriteInstruction is returned when AddInstruction receives a read variant.
	ErrNotWriteInstruction = errors.New("sequencer: not a write instruction")

	// ErrNilTransport is returned when New is called without a transport.
	ErrNilTransport = errors.New("sequencer: transport is required")

	// ErrNilLoop is returned when New is called without a loop.
	ErrNilLoop = errors.New("sequencer: loop is required")

	// ErrNilCallback is returned when a completion callback is missing.
	ErrNilCallback = errors.New("sequencer: completion callback is required")
)
