// Package migrations embeds the gateway's SQL migrations into the binary.
package migrations

import "embed"

// FS holds the migration files at its root, for database.DB.Migrate.
//
//go:embed *.sql
var FS embed.FS
