package ble

import (
	"fmt"
	"strings"
)

const (
	// macLength is the number of bytes in a device address.
	macLength = 6

	// macStringLength is the length of "XX:XX:XX:XX:XX:XX".
	macStringLength = macLength*3 - 1
)

// MAC is a 6-byte Bluetooth device address, most significant byte first.
type MAC [macLength]byte

// ParseMAC parses the strict colon-hex form "XX:XX:XX:XX:XX:XX".
//
// Hex digits are accepted in either case. Any other separator, group count,
// group width or leading/trailing character is rejected.
//
// Example:
//
//	mac, err := ble.ParseMAC("aa:bb:cc:dd:ee:ff")
//	fmt.Println(mac) // "AA:BB:CC:DD:EE:FF"
func ParseMAC(s string) (MAC, error) {
	var mac MAC
	if len(s) != macStringLength {
		return mac, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	for i := 0; i < macLength; i++ {
		pos := i * 3
		hi, okHi := hexValue(s[pos])
		lo, okLo := hexValue(s[pos+1])
		if !okHi || !okLo {
			return MAC{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		if i < macLength-1 && s[pos+2] != ':' {
			return MAC{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		mac[i] = hi<<4 | lo
	}

	return mac, nil
}

// hexValue decodes a single hex digit.
func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// String returns the uppercase colon-hex form.
func (m MAC) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// TopicSegment returns the address as lowercase hex without separators,
// suitable for use in MQTT topics and database keys.
func (m MAC) TopicSegment() string {
	return strings.ToLower(strings.ReplaceAll(m.String(), ":", ""))
}

// IsZero reports whether the address is all zeros.
func (m MAC) IsZero() bool {
	return m == MAC{}
}

// Device identifies one peripheral and the local controller used to reach it.
type Device struct {
	// Address is the peripheral's MAC address.
	Address MAC

	// AdapterIndex selects the local controller (hci0, hci1, ...).
	AdapterIndex int
}

// String returns a compact description used in logs.
func (d Device) String() string {
	return fmt.Sprintf("%s@hci%d", d.Address, d.AdapterIndex)
}
