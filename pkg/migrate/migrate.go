// Package migrate applies SQL files from an fs.FS in lexical order, one
// transaction per file, recording each in schema_migrations with its
// checksum.
package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrChecksumMismatch = errors.New("applied migration was modified")

type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Logf func(format string, args ...any)

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Run applies pending migrations and returns how many were applied.
func Run(ctx context.Context, db DB, fsys fs.FS, logf Logf) (int, error) {
	if db == nil {
		return 0, errors.New("db required")
	}
	if fsys == nil {
		return 0, errors.New("migrations fs required")
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return 0, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, file := range files {
		if !fs.ValidPath(file) || path.Dir(file) != "." {
			return applied, fmt.Errorf("invalid migration path: %s", file)
		}
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", file, err)
		}
		sum := checksum(body)

		var recorded string
		err = db.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, file).Scan(&recorded)
		switch {
		case err == nil:
			if recorded != "" && recorded != sum {
				return applied, fmt.Errorf("%w: %s", ErrChecksumMismatch, file)
			}
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return applied, fmt.Errorf("migration lookup: %w", err)
		}

		if err := apply(ctx, db, file, string(body), sum); err != nil {
			return applied, err
		}
		applied++
		logf("applied migration %s", file)
	}
	logf("migrations checked: %d files, %d applied", len(files), applied)
	return applied, nil
}

func apply(ctx context.Context, db DB, file, body, sum string) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, body); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, file, sum); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", file, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}
