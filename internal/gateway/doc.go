// Package gateway bridges BLE peripherals to the Gray Logic message bus.
//
// A Module serves one device. It owns the device's transport, a sequencing
// engine and the engine's event loop goroutine, and borrows a Broker for
// publishing.
//
// # Data Flow
//
//	device config ──► Module ──► sequencer.Engine ──► ble.Transport
//	                     ▲              │
//	   command message ──┘              └── read completion ──► Broker
//
// Outbound, every successful read becomes one message with the properties
// ble_controller_index, mac_address, timestamp, characteristic_uuid and
// source=bleTelemetry; the content is the bytes read.
//
// Inbound, Receive accepts a message only if source is "BLE", macAddress
// names this module's device, and the content decodes to a write
// instruction. It is then scheduled as an on-demand write.
//
// # Lifecycle
//
//	Uninitialized ──New──► Running ──Destroy──► Stopped
//
// New either returns a running module or undoes every step it completed.
// A connect that cannot even start fails New. Otherwise New returns before
// the device is connected, and a failed connect leaves the engine idle. Destroy runs the exit writes, disconnects, closes the
// transport and joins the loop goroutine before it returns.
//
// # Health
//
// HealthReporter publishes a retained JSON document to
// graylogic/health/ble with per-module counters, and can forward the same
// counters to a MetricsSink such as the InfluxDB writer.
package gateway
