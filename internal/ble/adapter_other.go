//go:build !linux

package ble

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

// adapterFor returns the platform default adapter. Only index 0 exists
// outside Linux.
func adapterFor(index int) (*bluetooth.Adapter, error) {
	if index != 0 {
		return nil, fmt.Errorf("%w: hci%d (only the default adapter is available on this platform)", ErrAdapterUnavailable, index)
	}
	return bluetooth.DefaultAdapter, nil
}
