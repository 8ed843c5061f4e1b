// Package migrations carries the schema as embedded SQL files, applied in
// lexical order by pkg/migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
