// Package mqtt provides MQTT connectivity for the BLE gateway.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS and payload-size checks
//   - Subscriptions restored after reconnect, with panic-safe handlers
//   - A retained online/offline status with a Last Will
//
// # Topics
//
//	graylogic/ble/telemetry/{mac}/{characteristic}   gateway → bus
//	graylogic/ble/command/{mac}                      bus → gateway
//	graylogic/health/ble                             retained health
//	graylogic/system/status/{client_id}              retained status / LWT
//
// {mac} is the device address in lowercase without colons.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCommands(), 1, handler)
package mqtt
