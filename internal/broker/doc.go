// Package broker is the message bus that hosts the gateway modules.
//
// Modules attach as receivers and publish through the broker. Each published
// message is delivered to the other attached receivers and, when it carries a
// device address and characteristic, sent to MQTT as a JSON Envelope:
//
//	graylogic/ble/telemetry/{mac}/{characteristic}   outbound reads
//	graylogic/ble/command/{mac}                      inbound write commands
//
// The mac segment is lowercase with colons removed. Envelope content is the
// raw characteristic value (outbound) or a CBOR write command (inbound),
// base64 encoded by JSON.
//
// Usage:
//
//	b, err := broker.New(broker.Options{MQTT: mqttClient, QoS: 1, Logger: log})
//	if err != nil {
//	    return err
//	}
//	if err := b.Start(ctx); err != nil {
//	    return err
//	}
//	defer b.Stop()
package broker
