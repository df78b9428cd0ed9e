// Package config handles loading and validating BLE gateway configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (BLEGATEWAY_*)
//   - Validation of required fields
//   - Default value handling
//
// Device documents are not part of this file. gateway.devices lists paths to
// the per-device JSON documents parsed by ble.LoadConfig.
//
// Security Considerations:
//   - MQTT passwords, InfluxDB tokens and the API JWT secret should be set via
//     environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/blegateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Gateway.ID)
package config
