package database

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/marminbh/webhook-ingest/internal/config"
)

// DefaultMigrationsPath is where the repo keeps its schema migrations,
// relative to the working directory of the server process.
const DefaultMigrationsPath = "file://db/migrations"

// RunMigrations applies all pending schema migrations from sourcePath.
// An already up-to-date schema is not an error.
func RunMigrations(cfg *config.DatabaseConfig, sourcePath string, logger *zap.Logger) error {
	if sourcePath == "" {
		sourcePath = DefaultMigrationsPath
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode)

	m, err := migrate.New(sourcePath, dsn)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if logger != nil {
		logger.Info("Database migrations applied successfully",
			zap.String("source", sourcePath),
		)
	}
	return nil
}
