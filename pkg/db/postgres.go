package db

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const connectAttempts = 30

// DB wraps a pgx connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Connect opens a pool and pings until the database answers. The container
// often comes up before postgres accepts connections, so failures are
// retried for about a minute before giving up.
func Connect(ctx context.Context, dsn string) (*DB, error) {
	var pool *pgxpool.Pool
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pool, err = pgxpool.New(ctx, dsn)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				log.Println("[db] connected to postgres")
				return &DB{Pool: pool}, nil
			}
			pool.Close()
		}
		log.Printf("[db] postgres not ready, retrying (%d/%d)", attempt, connectAttempts)
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("db: postgres unreachable after %d attempts: %w", connectAttempts, err)
}

// RunMigrations applies every .sql file in the embedded FS in lexical order,
// recording each version in schema_migrations so reruns are no-ops.
func (d *DB) RunMigrations(ctx context.Context, migrationFS fs.FS) error {
	if _, err := d.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ  DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := d.Pool.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		if applied[file] {
			log.Printf("[db] migration %s already applied, skipping", file)
			continue
		}
		sql, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		if _, err := d.Pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("exec %s: %w", file, err)
		}
		if _, err := d.Pool.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", file); err != nil {
			return fmt.Errorf("record %s: %w", file, err)
		}
		log.Printf("[db] applied migration %s", file)
	}
	return nil
}

// Close shuts down the pool.
func (d *DB) Close() { d.Pool.Close() }
