// Package migrations embeds the configuration database schema into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/devicekit/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
