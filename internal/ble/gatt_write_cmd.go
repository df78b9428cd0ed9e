//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// writeValue writes through BlueZ WriteValue without a type option, so BlueZ
// sends a write request when the characteristic supports one and a write
// command otherwise. The call returns once BlueZ has accepted the value.
func writeValue(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.WriteWithoutResponse(data)
	return err
}
