// Package migrations embeds the relay's SQL migrations into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/wemos-relay/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

// Source returns the embedded migrations for database.DB.Migrate.
func Source() database.Source {
	return database.Source{FS: files, Dir: "."}
}
