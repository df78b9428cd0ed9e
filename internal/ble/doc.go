// Package ble models a single Bluetooth Low-Energy peripheral for the Gray
// Logic BLE gateway.
//
// This package provides:
//   - MAC device addresses in strict colon-hex form
//   - The Instruction sum type (read once, read periodically, write once,
//     write at init, write at exit)
//   - Parsing and validation of JSON device configuration documents
//   - The CBOR codec for inbound write commands
//   - The Transport interface and its tinygo.org/x/bluetooth implementation
//
// # Configuration Documents
//
// Each peripheral is described by one JSON document:
//
//	{
//	  "controller_index": 0,
//	  "device_mac_address": "AA:BB:CC:DD:EE:FF",
//	  "instructions": [
//	    {"type": "read_once", "characteristic_uuid": "00002A24-0000-1000-8000-00805F9B34FB"},
//	    {"type": "read_periodic", "characteristic_uuid": "F000AA01-0451-4000-B000-000000000000", "interval_in_ms": 1000},
//	    {"type": "write_at_init", "characteristic_uuid": "F000AA02-0451-4000-B000-000000000000", "data": "AQ=="},
//	    {"type": "write_at_exit", "characteristic_uuid": "F000AA02-0451-4000-B000-000000000000", "data": "AA=="}
//	  ]
//	}
//
// Validation is all-or-nothing: ParseConfig either returns a complete Config
// or an error wrapping one of the package's sentinel errors.
//
// # Transport
//
// Transport methods block. The sequencer package turns them into asynchronous
// operations whose completions run on the engine's event loop.
//
// On Linux the controller index selects hci<N> through BlueZ. Other platforms
// only support index 0.
//
// # Thread Safety
//
// Instructions are immutable values. GATTTransport is safe for concurrent use.
package ble
