// Package migrations embeds the versioned SQL schema for PostgreSQL
// deployments. SQLite schemas are created automatically on startup.
package migrations

import "embed"

// FS contains all migration files.
//
//go:embed *.sql
var FS embed.FS
