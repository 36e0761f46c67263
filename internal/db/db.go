package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RequiredTables is the schema surface the runtime depends on. Used by
// connectivity checks to verify the datastore before taking control of a tool.
var RequiredTables = []string{
	"machines",
	"machine_state",
	"recipes",
	"recipe_steps",
	"valve_step_config",
	"purge_step_config",
	"loop_step_config",
	"recipe_parameters",
	"recipe_commands",
	"process_executions",
	"process_execution_state",
	"component_parameters",
	"parameter_value_history",
	"process_data_points",
	"parameter_control_commands",
}

type Options struct {
	// Migrate applies the embedded schema on open. Off by default: the
	// production datastore owns its schema; this is for development and tests.
	Migrate bool
}

type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to the datastore and pings it. Transient connection failures
// are retried with exponential backoff, 5 attempts, intervals capped at 32s.
func Open(ctx context.Context, dsn string, opts Options, logger zerolog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute

	log := logger.With().Str("component", "db").Logger()

	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		pool = p
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 32 * time.Second
	bo.MaxElapsedTime = 0

	notify := func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msg("datastore connect failed, retrying")
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx), notify); err != nil {
		return nil, fmt.Errorf("connect to datastore: %w", err)
	}

	d := &DB{Pool: pool, logger: log}

	if opts.Migrate {
		if err := d.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return d, nil
}

func (d *DB) Close() {
	d.Pool.Close()
}

// IsTransient reports whether err looks like a temporary datastore condition
// worth retrying: network failures, connection exceptions (class 08),
// server shutdown (57P*), or connection-slot exhaustion (53300).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		switch {
		case strings.HasPrefix(code, "08"):
			return true
		case code == "57P01", code == "57P02", code == "57P03":
			return true
		case code == "53300":
			return true
		}
		return false
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.Timeout(err)
}

// MissingTables returns the names from RequiredTables that do not exist in
// the connected database.
func (d *DB) MissingTables(ctx context.Context) ([]string, error) {
	rows, err := d.Pool.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name = ANY($1)
	`, RequiredTables)
	if err != nil {
		return nil, fmt.Errorf("introspect tables: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool, len(RequiredTables))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, t := range RequiredTables {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	return missing, nil
}

// Migrate applies embedded schema files that have not been recorded in
// schema_migrations yet, each in its own transaction.
func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
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

	for _, name := range files {
		version := strings.TrimSuffix(name, ".sql")

		var exists bool
		err := d.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if exists {
			continue
		}

		sql, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := d.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", name, err)
		}

		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (version) VALUES ($1)", version,
		); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", name, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}

		d.logger.Info().Str("migration", name).Msg("applied migration")
	}

	return nil
}
