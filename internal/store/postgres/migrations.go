package postgres

import (
	"database/sql"
	"embed"

	"github.com/gravitational/trace"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Migrate applies every pending migration using goose against the given
// *sql.DB. The coordinator runs this once at startup before serving
// traffic; a failed migration is a fatal condition (§7).
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return trace.Wrap(err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return trace.Wrap(err)
	}
	return nil
}
