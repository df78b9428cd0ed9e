package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the BLE gateway.
//
// Gateway topics follow the flat bridge scheme used across Gray Logic:
// graylogic/{category}/ble/...
const (
	// TopicPrefix is the base for all Gray Logic topics.
	TopicPrefix = "graylogic"

	// TopicPrefixBLE is the base for BLE data topics.
	TopicPrefixBLE = "graylogic/ble"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "graylogic/system"

	// Protocol is the protocol segment used in bridge-scheme topics.
	Protocol = "ble"
)

// Topics provides builders for BLE gateway MQTT topics.
//
//	topics := mqtt.Topics{}
//	t := topics.Telemetry("AA:BB:CC:DD:EE:FF", "00002a24-0000-1000-8000-00805f9b34fb")
//	// Returns: "graylogic/ble/telemetry/aabbccddeeff/00002a24-0000-1000-8000-00805f9b34fb"
type Topics struct{}

// DeviceSegment converts a MAC address to its topic segment:
// lowercase, colons removed.
func DeviceSegment(mac string) string {
	return strings.ToLower(strings.ReplaceAll(mac, ":", ""))
}

// Telemetry returns the topic for a characteristic value read from a device.
//
// Example: graylogic/ble/telemetry/aabbccddeeff/f000aa01-0451-4000-b000-000000000000
func (Topics) Telemetry(mac, characteristic string) string {
	return fmt.Sprintf("%s/telemetry/%s/%s", TopicPrefixBLE, DeviceSegment(mac), strings.ToLower(characteristic))
}

// Command returns the topic carrying write commands for a device.
//
// Example: graylogic/ble/command/aabbccddeeff
func (Topics) Command(mac string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefixBLE, DeviceSegment(mac))
}

// Health returns the retained gateway health topic.
//
// Example: graylogic/health/ble
func (Topics) Health() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// Status returns the retained online/offline topic of one MQTT client.
// The Last Will is registered here.
//
// Example: graylogic/system/status/graylogic-ble
func (Topics) Status(clientID string) string {
	return fmt.Sprintf("%s/status/%s", TopicPrefixSystem, clientID)
}

// AllTelemetry returns a pattern matching telemetry from every device.
//
// Pattern: graylogic/ble/telemetry/+/+
func (Topics) AllTelemetry() string {
	return fmt.Sprintf("%s/telemetry/+/+", TopicPrefixBLE)
}

// AllCommands returns a pattern matching commands for every device.
//
// Pattern: graylogic/ble/command/+
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/+", TopicPrefixBLE)
}

// DeviceFromTopic extracts the device segment from a telemetry or command
// topic. It returns false if topic is not a BLE data topic.
func DeviceFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefixBLE+"/")
	if !ok {
		return "", false
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 2 && parts[0] == "command" && parts[1] != "":
		return parts[1], true
	case len(parts) == 3 && parts[0] == "telemetry" && parts[1] != "":
		return parts[1], true
	default:
		return "", false
	}
}
