package postgres

import (
	"embed"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jackc/pgx/v4/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations.
func Migrate(pool *pgxpool.Pool, logger *zerolog.Logger) error {
	goose.SetLogger(&gooseLogger{log: logger})
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	db := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer db.Close()

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// gooseLogger implements goose.Logger on zerolog.
type gooseLogger struct{ log *zerolog.Logger }

func (l *gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Info().Str("component", "migrate").Msgf(format, v...)
}

func (l *gooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Fatal().Str("component", "migrate").Msgf(format, v...)
}
