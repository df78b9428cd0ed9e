package gateway

import "errors"

// Domain errors for the gateway package.
var (
	// ErrNilBroker is returned when a module is created without a broker.
	ErrNilBroker = errors.New("gateway: broker is required")

	// ErrNilConfig is returned when a module is created without a device configuration.
	ErrNilConfig = errors.New("gateway: device configuration is required")

	// ErrNoInstructions is returned when the device configuration has no instructions.
	ErrNoInstructions = errors.New("gateway: configuration has no instructions")

	// ErrOpenTransport is returned when the BLE transport cannot be opened.
	ErrOpenTransport = errors.New("gateway: opening transport failed")

	// ErrConnect is returned when the connect attempt cannot be started.
	ErrConnect = errors.New("gateway: starting connect failed")

	// ErrNilLoop is returned when the loop factory yields no loop.
	ErrNilLoop = errors.New("gateway: loop factory returned nil")

	// ErrLoopStartTimeout is returned when the module's loop does not start
	// dispatching within the startup timeout.
	ErrLoopStartTimeout = errors.New("gateway: loop did not start in time")

	// ErrDuplicateModule is returned when a registry already holds a module
	// with the same name or device address.
	ErrDuplicateModule = errors.New("gateway: duplicate module")

	// errNotForModule marks inbound messages addressed to another module.
	errNotForModule = errors.New("gateway: message not addressed to this module")
)
