// Package dbmigrations exposes embedded SQL migrations for the volsurface binaries.
package dbmigrations

import "embed"

// Files contains the surface snapshot schema migrations.
//
//go:embed *.sql
var Files embed.FS
