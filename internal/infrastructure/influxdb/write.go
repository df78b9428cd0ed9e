package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-ble/internal/gateway"
)

// Measurement names written by the gateway.
const (
	MeasurementModule    = "ble_gateway"
	MeasurementTelemetry = "ble_telemetry"
)

// WriteModuleMetrics writes one module snapshot as a ble_gateway point.
//
// Tags identify the device; counters become fields. It satisfies
// gateway.MetricsSink so the health reporter can feed it directly.
func (c *Client) WriteModuleMetrics(m gateway.ModuleMetrics) {
	c.WritePoint(MeasurementModule, moduleTags(m), moduleFields(m))
}

// WriteTelemetry records the size of one published characteristic read.
func (c *Client) WriteTelemetry(address, characteristic string, size int) {
	c.WritePoint(MeasurementTelemetry,
		map[string]string{
			"address":        address,
			"characteristic": characteristic,
		},
		map[string]interface{}{
			"bytes": size,
		})
}

// WritePoint writes a custom point stamped with the current time.
//
// Example:
//
//	client.WritePoint("ble_adapter",
//	    map[string]string{"controller": "0"},
//	    map[string]interface{}{"powered": true})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, c.clock()))
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}

func (c *Client) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}

func moduleTags(m gateway.ModuleMetrics) map[string]string {
	return map[string]string{
		"name":       m.Name,
		"address":    m.Address,
		"controller": strconv.Itoa(m.AdapterIndex),
	}
}

// moduleFields converts counters to int64 fields; line protocol has no
// unsigned type in v1 compatibility mode.
func moduleFields(m gateway.ModuleMetrics) map[string]interface{} {
	return map[string]interface{}{
		"state":             m.State,
		"connected":         m.Connected,
		"connect_failures":  clampInt64(m.ConnectFailures),
		"reads_ok":          clampInt64(m.ReadsOK),
		"reads_failed":      clampInt64(m.ReadsFailed),
		"writes_ok":         clampInt64(m.WritesOK),
		"writes_failed":     clampInt64(m.WritesFailed),
		"published":         clampInt64(m.Published),
		"publish_failed":    clampInt64(m.PublishFailed),
		"dropped":           clampInt64(m.Dropped),
		"commands_accepted": clampInt64(m.CommandsAccepted),
		"commands_rejected": clampInt64(m.CommandsRejected),
	}
}

func clampInt64(v uint64) int64 {
	const maxInt64 = 1<<63 - 1
	if v > maxInt64 {
		return maxInt64
	}
	return int64(v)
}
