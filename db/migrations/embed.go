// Package dbmigrations exposes embedded SQL migrations for gateway binaries.
package dbmigrations

import "embed"

// Files contains the SQL migrations bundled into the gateway binaries.
//
//go:embed *.sql
var Files embed.FS
