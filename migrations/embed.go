// Package migrations holds the twinline SQLite schema. Importing it for
// side effects registers the embedded files with the database package:
//
//	import _ "github.com/nerrad567/twinline-core/migrations"
package migrations

import (
	"embed"

	"github.com/nerrad567/twinline-core/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.RegisterMigrations(files)
}
