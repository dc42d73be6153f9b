// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
// Each backend has its own directory since the dialects differ.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql sqlite/*.sql
var root embed.FS

// Postgres is the migration filesystem for the Postgres backend.
var Postgres = mustSub("postgres")

// SQLite is the migration filesystem for the SQLite backend.
var SQLite = mustSub("sqlite")

func mustSub(dir string) fs.FS {
	sub, err := fs.Sub(root, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
