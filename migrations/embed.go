// Package migrations holds the schema shipped with the service binary.
package migrations

import "embed"

// FS contains the versioned migration files (N_name.up.sql / N_name.down.sql).
//
//go:embed *.sql
var FS embed.FS

// Dir is the root of the migration files inside FS.
const Dir = "."
