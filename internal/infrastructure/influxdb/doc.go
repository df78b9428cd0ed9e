// Package influxdb writes BLE gateway metrics to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. Two measurements are
// written:
//
//	ble_gateway    one point per module per health report (counters, state)
//	ble_telemetry  one point per published characteristic read
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	reporter := gateway.NewHealthReporter(gateway.HealthReporterConfig{Sink: client, ...})
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched according to batch_size and flush_interval; failures are delivered
// to the SetOnError callback.
package influxdb
