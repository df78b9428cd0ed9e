//go:build linux

package ble

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

// adapterFor returns the BlueZ adapter for hci<index>.
func adapterFor(index int) (*bluetooth.Adapter, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: hci%d", ErrAdapterUnavailable, index)
	}
	return bluetooth.NewAdapter(fmt.Sprintf("hci%d", index)), nil
}
