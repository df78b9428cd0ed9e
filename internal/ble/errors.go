package ble

import "errors"

// Domain errors for the BLE package.
var (
	// ErrInvalidDocument is returned when a device configuration document is
	// not valid JSON or its root is not an object.
	ErrInvalidDocument = errors.New("ble: invalid configuration document")

	// ErrInvalidAdapterIndex is returned when controller_index is missing or negative.
	ErrInvalidAdapterIndex = errors.New("ble: invalid controller index")

	// ErrInvalidAddress is returned when a MAC address string cannot be parsed.
	ErrInvalidAddress = errors.New("ble: invalid MAC address")

	// ErrNoInstructions is returned when the instruction list is missing or empty.
	ErrNoInstructions = errors.New("ble: no instructions")

	// ErrInvalidInstruction is returned when an instruction entry fails validation.
	ErrInvalidInstruction = errors.New("ble: invalid instruction")

	// ErrInvalidCommand is returned when inbound command content cannot be decoded
	// into a write instruction.
	ErrInvalidCommand = errors.New("ble: invalid command")

	// ErrNotConnected is returned when an operation requires a GATT connection.
	ErrNotConnected = errors.New("ble: not connected")

	// ErrConnectionFailed is returned when connecting to the peripheral fails.
	ErrConnectionFailed = errors.New("ble: connection failed")

	// ErrCharacteristicNotFound is returned when a characteristic UUID was not
	// discovered on the connected peripheral.
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")

	// ErrTransportClosed is returned when the transport has been closed.
	ErrTransportClosed = errors.New("ble: transport closed")

	// ErrAdapterUnavailable is returned when the requested controller cannot be used.
	ErrAdapterUnavailable = errors.New("ble: adapter unavailable")
)
