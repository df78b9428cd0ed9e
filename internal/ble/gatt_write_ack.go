//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// writeValue issues a write request and waits for the peripheral's response.
func writeValue(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.Write(data)
	return err
}
