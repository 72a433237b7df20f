package receiptsync

import (
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "github.com/matrix-org/receipt-sync/state/migrations"
)

//go:embed state/migrations/*.go
var migrationsFS embed.FS

const migrationsDir = "state/migrations"

// RunMigrations brings the schema up to date. The tables must already exist, which
// state.NewStorage ensures.
func RunMigrations(db *sqlx.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(db.DriverName()); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
