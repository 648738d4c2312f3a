package persistence

import (
	"context"
	"database/sql"
	"embed"

	gerrors "github.com/go-faster/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed schema/*.sql
var migrationsFS embed.FS

// RunMigrations applies the embedded schema to the database at dsn.
func RunMigrations(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return gerrors.Wrap(err, "failed to open migration connection")
	}
	defer func() {
		_ = db.Close()
	}()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return gerrors.Wrap(err, "failed to set migration dialect")
	}
	if err := goose.UpContext(ctx, db, "schema"); err != nil {
		return gerrors.Wrap(err, "failed to apply migrations")
	}
	return nil
}
