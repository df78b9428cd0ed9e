// Gray Logic BLE Gateway
//
// This is the main entry point for the BLE gateway. It loads the per-device
// configuration documents, creates one module per BLE peripheral and bridges
// their reads and write commands to the MQTT bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/gray-logic-ble/internal/api"
	"github.com/nerrad567/gray-logic-ble/internal/ble"
	"github.com/nerrad567/gray-logic-ble/internal/broker"
	"github.com/nerrad567/gray-logic-ble/internal/devicestore"
	"github.com/nerrad567/gray-logic-ble/internal/gateway"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/blegateway.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// Teardown runs through deferred calls in reverse start order: API, health
// reporter, modules, broker, InfluxDB, MQTT, database.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting BLE gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"gateway_id", cfg.Gateway.ID,
		"level", cfg.Logging.Level,
	)

	// Device store (optional)
	var db *database.DB
	if cfg.Gateway.UseDeviceStore {
		db, err = openDeviceDatabase(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("device store ready", "path", cfg.Database.Path)
	}

	devices, err := loadDevices(ctx, cfg.Gateway, db, log.Component("devices"))
	if err != nil {
		return err
	}
	defer releaseDevices(devices)

	// MQTT
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Broker
	brokerOpts := broker.Options{
		MQTT:   mqttClient,
		QoS:    byte(cfg.MQTT.QoS), //nolint:gosec // Validated to 0..2 by config
		Logger: log.Component("broker"),
	}
	if influxClient != nil {
		brokerOpts.Recorder = influxClient
	}
	bus, err := broker.New(brokerOpts)
	if err != nil {
		return fmt.Errorf("creating broker: %w", err)
	}
	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("starting broker: %w", err)
	}
	defer func() {
		log.Info("stopping broker")
		bus.Stop()
	}()

	// Modules
	registry := gateway.NewRegistry()
	defer func() {
		log.Info("destroying modules", "count", registry.Len())
		for _, m := range registry.List() {
			bus.Detach(m)
		}
		registry.DestroyAll()
	}()

	created := startModules(devices, moduleOptions(cfg.Gateway, bus, log), registry, bus, log)
	if created == 0 {
		return fmt.Errorf("no BLE modules could be created from %d device(s)", len(devices))
	}
	log.Info("modules started", "created", created, "configured", len(devices))

	// Health
	health := gateway.NewHealthReporter(gateway.HealthReporterConfig{
		GatewayID: cfg.Gateway.ID,
		Version:   version,
		Topic:     mqtt.Topics{}.Health(),
		Interval:  cfg.Gateway.HealthInterval,
		Publisher: mqttClient,
		Modules:   registry,
		Sink:      metricsSink(influxClient),
	})
	health.SetLogger(log.Component("health"))
	health.Start(ctx)
	defer func() {
		log.Info("stopping health reporter")
		health.Stop()
	}()

	// Management API (optional)
	if cfg.API.Enabled {
		srv, err := startAPI(ctx, cfg, registry, mqttClient, db, healthChecks(db, influxClient), bus, log.Component("api"))
		if err != nil {
			return err
		}
		defer func() {
			bus.Detach(srv.Hub())
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	return nil
}

// getConfigPath returns the configuration file path.
// Uses BLEGATEWAY_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv(config.EnvConfigPath); path != "" {
		return path
	}
	return defaultConfigPath
}

// moduleOptions returns the options shared by every module.
// Name and Config are filled in per device.
func moduleOptions(g config.GatewayConfig, bus gateway.Broker, log *logging.Logger) gateway.Options {
	return gateway.Options{
		Broker: bus,
		OpenTransport: ble.GATTOptions{
			ConnectTimeout: g.ConnectTimeout(),
			Logger:         log.Component("ble"),
		}.Opener(),
		StartupTimeout:    g.StartupTimeout(),
		DisconnectTimeout: g.DisconnectTimeout(),
		ConnectTimeout:    g.ConnectTimeout(),
		OpTimeout:         g.OpTimeout(),
	}
}

// startModules creates a module per device, registers it and attaches it
// to the broker. A device that fails is logged and skipped. It returns the
// number of modules running.
func startModules(devices []namedDevice, base gateway.Options, registry *gateway.Registry, bus *broker.Broker, log *logging.Logger) int {
	created := 0
	for _, d := range devices {
		devLog := log.Device(d.config.Device.Address.String())

		opts := base
		opts.Name = d.name
		opts.Config = d.config
		opts.Logger = devLog

		m, err := gateway.New(opts)
		if err != nil {
			devLog.Error("creating module failed", "module", d.name, "error", err)
			continue
		}
		if err := registry.Add(m); err != nil {
			devLog.Error("registering module failed", "module", d.name, "error", err)
			m.Destroy()
			continue
		}
		if err := bus.Attach(m.Name(), m); err != nil {
			devLog.Error("attaching module failed", "module", d.name, "error", err)
			registry.Remove(m.Name())
			m.Destroy()
			continue
		}
		created++
	}
	return created
}

// startAPI starts the management API and attaches its telemetry hub to
// the broker. Device endpoints are served only with the device store.
func startAPI(ctx context.Context, cfg *config.Config, registry *gateway.Registry, bus api.BusStatus,
	db *database.DB, checks map[string]api.HealthChecker, b *broker.Broker, log *logging.Logger) (*api.Server, error) {
	deps := api.Deps{
		Config:    cfg.API,
		Logger:    log,
		Modules:   registry,
		MQTT:      bus,
		Checks:    checks,
		GatewayID: cfg.Gateway.ID,
		Version:   version,
	}
	if db != nil {
		deps.Devices = devicestore.NewSQLiteStore(db.DB)
	}

	srv, err := api.New(deps)
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	if err := b.Attach("api-telemetry", srv.Hub()); err != nil {
		return nil, fmt.Errorf("attaching telemetry stream: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		b.Detach(srv.Hub())
		return nil, fmt.Errorf("starting API server: %w", err)
	}
	if cfg.API.JWTSecret == "" {
		log.Warn("API authentication disabled, set api.jwt_secret to enable")
	}
	return srv, nil
}

// healthChecks collects the enabled storage backends for the API health
// endpoint.
func healthChecks(db *database.DB, influx *influxdb.Client) map[string]api.HealthChecker {
	checks := make(map[string]api.HealthChecker)
	if db != nil {
		checks["database"] = db
	}
	if influx != nil {
		checks["influxdb"] = influx
	}
	return checks
}

// metricsSink returns the InfluxDB client as a sink, or nil when disabled.
// A typed nil must not reach the health reporter as a non-nil interface.
func metricsSink(c *influxdb.Client) gateway.MetricsSink {
	if c == nil {
		return nil
	}
	return c
}
