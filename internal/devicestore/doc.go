// Package devicestore persists BLE device configuration documents in SQLite.
//
// Documents are validated with ble.ParseConfig before they are stored and
// are keyed by the device address they name. Only configuration is stored;
// values read from devices go to the message bus.
//
//	store := devicestore.NewSQLiteStore(db.DB)
//	dev, err := store.Upsert(ctx, "hall-sensortag", document)
//	devices, err := store.List(ctx) // enabled only
package devicestore
