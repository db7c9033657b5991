// Package migrations embeds the Postgres schema for the records table.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
