// Package migrations embeds the device store and audit log schema so the
// control plane can migrate a fresh SQLite file without the SQL on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/parkgate-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
