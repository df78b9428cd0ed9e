package broker

import "errors"

// Domain errors for the broker package.
var (
	// ErrNilMQTT is returned when a broker is created without an MQTT client.
	ErrNilMQTT = errors.New("broker: MQTT client is required")

	// ErrNilMessage is returned when Publish is called with a nil message.
	ErrNilMessage = errors.New("broker: message is required")

	// ErrNilReceiver is returned when attaching a nil receiver.
	ErrNilReceiver = errors.New("broker: receiver is required")

	// ErrEmptyName is returned when attaching a receiver without a name.
	ErrEmptyName = errors.New("broker: receiver name is required")

	// ErrDuplicateReceiver is returned when a name or receiver is already attached.
	ErrDuplicateReceiver = errors.New("broker: receiver already attached")

	// ErrStopped is returned by operations on a stopped broker.
	ErrStopped = errors.New("broker: stopped")

	// ErrInvalidEnvelope is returned when an inbound payload cannot be decoded.
	ErrInvalidEnvelope = errors.New("broker: invalid envelope")
)
