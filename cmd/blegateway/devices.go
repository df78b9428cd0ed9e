package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
	"github.com/nerrad567/gray-logic-ble/internal/devicestore"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-ble/migrations"
)

// namedDevice is a parsed device document and the module name it runs under.
type namedDevice struct {
	name   string
	config *ble.Config
}

// openDeviceDatabase opens the SQLite device store and applies migrations.
func openDeviceDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// loadDevices parses the configured device files, then appends the enabled
// devices from the store when db is non-nil. File documents take precedence:
// a stored device whose address is already loaded is skipped.
//
// A file that fails to parse aborts startup; a stored document that fails is
// logged and skipped, since it was validated on insert.
func loadDevices(ctx context.Context, g config.GatewayConfig, db *database.DB, log *logging.Logger) ([]namedDevice, error) {
	var devices []namedDevice
	seen := make(map[ble.MAC]string)

	for _, path := range g.Devices {
		cfg, err := ble.LoadConfig(path)
		if err != nil {
			releaseDevices(devices)
			return nil, fmt.Errorf("loading device: %w", err)
		}
		name := deviceName(path)
		if prev, dup := seen[cfg.Device.Address]; dup {
			cfg.Release()
			releaseDevices(devices)
			return nil, fmt.Errorf("device %s configured twice (%s, %s)", cfg.Device.Address, prev, name)
		}
		seen[cfg.Device.Address] = name
		devices = append(devices, namedDevice{name: name, config: cfg})
		log.Info("device loaded", "name", name, "device", cfg.Device.String(), "path", path)
	}

	if db == nil {
		return devices, nil
	}

	stored, err := devicestore.NewSQLiteStore(db.DB).List(ctx)
	if err != nil {
		releaseDevices(devices)
		return nil, fmt.Errorf("listing stored devices: %w", err)
	}
	for i := range stored {
		d := &stored[i]
		if prev, dup := seen[d.Address]; dup {
			log.Warn("stored device shadowed by file", "name", d.Name, "file_device", prev)
			continue
		}
		cfg, err := d.Config()
		if err != nil {
			log.Error("stored device document invalid", "name", d.Name, "error", err)
			continue
		}
		seen[d.Address] = d.Name
		devices = append(devices, namedDevice{name: d.Name, config: cfg})
		log.Info("device loaded", "name", d.Name, "device", cfg.Device.String(), "source", "store")
	}

	return devices, nil
}

// releaseDevices drops the parsed payloads; modules keep their own copies.
func releaseDevices(devices []namedDevice) {
	for _, d := range devices {
		d.config.Release()
	}
}

// deviceName derives a module name from a document path:
// "/etc/blegateway/sensortag.json" becomes "sensortag".
func deviceName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
