package main

import (
	"context"
	"io/fs"
	"os"
	"time"

	"hiegate/migrations"
	"hiegate/pkg/config"
	"hiegate/pkg/logging"
	"hiegate/pkg/migrate"
	"hiegate/pkg/store"
)

type migratorDB interface {
	migrate.DB
	Close()
}

// Testable variables for main()
var (
	logger    = logging.New("migrator")
	logFatalf = func(format string, args ...any) { logger.Fatal().Msgf(format, args...) }
	openDBFn  = func(ctx context.Context) (migratorDB, error) {
		return store.NewPostgresPool(ctx)
	}
)

// migrationsFS prefers MIGRATIONS_DIR on disk over the embedded schema.
func migrationsFS() fs.FS {
	if dir := config.Env("MIGRATIONS_DIR", ""); dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		logger.Warn().Err(err).Msg("dotenv")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	applied, err := migrate.Run(ctx, pool, migrationsFS(), func(format string, args ...any) {
		logger.Info().Msgf(format, args...)
	})
	if err != nil {
		logFatalf("migration: %v", err)
		return
	}
	logger.Info().Int("applied", applied).Msg("schema up to date")
}
