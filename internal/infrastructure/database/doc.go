// Package database provides the gateway's SQLite store.
//
// It opens the database with WAL mode, a busy timeout and foreign keys, and
// applies embedded schema migrations. The gateway keeps device
// configuration documents here when gateway.use_device_store is enabled.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Migrations are additive; each runs in its
// own transaction.
package database
