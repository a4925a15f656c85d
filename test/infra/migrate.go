package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaignflow/db"
)

// stressMaxConns leaves room for every stress actor plus the oracle ticker.
const stressMaxConns = 32

// ApplyMigrations opens a pool on dsn and runs db.Migrate against it. With
// isolate set, everything lands in a fresh schema that the returned teardown
// drops; otherwise teardown is a no-op.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("infra: parse dsn: %w", err)
	}
	cfg.MaxConns = stressMaxConns

	teardown := func(context.Context) error { return nil }
	if isolate {
		schema, drop, err := createSchema(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		searchPath := "SET search_path TO " + schema + ", public"
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, searchPath)
			return err
		}
		teardown = drop
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		_ = teardown(ctx)
		return nil, nil, fmt.Errorf("infra: open pool: %w", err)
	}
	if err := db.Migrate(ctx, pool, nil); err != nil {
		pool.Close()
		_ = teardown(ctx)
		return nil, nil, err
	}
	return pool, teardown, nil
}

// createSchema makes a uniquely named schema on a one-off connection and
// returns its quoted name with a func that drops it.
func createSchema(ctx context.Context, dsn string) (string, func(context.Context) error, error) {
	quoted := pgx.Identifier{fmt.Sprintf("cf_test_%d", time.Now().UnixNano())}.Sanitize()

	if err := execOnce(ctx, dsn, "CREATE SCHEMA "+quoted); err != nil {
		return "", nil, fmt.Errorf("infra: create schema: %w", err)
	}
	drop := func(ctx context.Context) error {
		return execOnce(ctx, dsn, "DROP SCHEMA IF EXISTS "+quoted+" CASCADE")
	}
	return quoted, drop, nil
}

func execOnce(ctx context.Context, dsn, sql string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, sql)
	return err
}
