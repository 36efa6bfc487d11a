// Package migrations embeds the SQLite schema for the activity store.
package migrations

import "embed"

// FS holds the ordered migration files.
//
//go:embed *.sql
var FS embed.FS
