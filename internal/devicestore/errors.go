package devicestore

import "errors"

var (
	// ErrDeviceNotFound is returned when no device has the given address.
	ErrDeviceNotFound = errors.New("devicestore: device not found")

	// ErrEmptyName is returned when a device is stored without a name.
	ErrEmptyName = errors.New("devicestore: device name is required")

	// ErrNameInUse is returned when the name belongs to another device.
	ErrNameInUse = errors.New("devicestore: name already used by another device")
)
