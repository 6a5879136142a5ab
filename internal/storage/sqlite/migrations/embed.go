package migrations

import "embed"

// FS contains embedded SQLite migrations for the room log and snapshot tables.
//
//go:embed *.sql
var FS embed.FS
