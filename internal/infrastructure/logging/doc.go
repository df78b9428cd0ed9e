// Package logging provides structured logging for the BLE gateway.
//
// It wraps log/slog with JSON or text output, level filtering and the
// default fields service=blegateway and version. Child loggers add a
// component or device field:
//
//	logger := logging.New(cfg.Logging, version)
//	modLog := logger.Component("gateway").Device(mac.String())
//	modLog.Info("connected")
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log MQTT passwords or InfluxDB tokens.
package logging
