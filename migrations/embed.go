// Package migrations carries the gateway schema. Import it for its side
// effect before calling database.(*DB).Migrate.
package migrations

import (
	"embed"

	"github.com/nerrad567/tag-gateway/internal/infrastructure/database"
)

//go:embed *.sql
var schema embed.FS

func init() {
	database.MigrationsFS = schema
}
