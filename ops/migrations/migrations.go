// Package migrations embeds the PostgreSQL schema so the migrate binary and
// the API server ship with it.
package migrations

import "embed"

// FS holds the *.up.sql and *.down.sql files under sql/.
//
//go:embed sql/*.sql
var FS embed.FS

// Dir is the directory inside FS that holds the migrations.
const Dir = "sql"
