package migrations

import "embed"

// FS contains golang-migrate files for the PostgreSQL room store.
//
//go:embed *.sql
var FS embed.FS
