// Package migrations embeds the SQL schema migrations into the binary.
// Importing this package (typically for side effect from a main package)
// registers the embedded filesystem with the database layer.
package migrations

import (
	"embed"

	"github.com/printmesh/printmesh-core/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.MigrationsFS = files
	database.MigrationsDir = "."
}
