package state

import (
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	_ "github.com/outreach-health/fieldsync/state/migrations"
)

//go:embed migrations/*.go
var embeddedMigrations embed.FS

// Migrate runs any pending goose migrations. Called once on startup, after
// the table constructors have ensured base DDL exists.
func (s *Storage) Migrate() error {
	goose.SetBaseFS(embeddedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(s.DB.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
