package infra

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the lifecycle of the Postgres test database and pgx pool.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
}

// NewHarness boots (or reuses) Postgres and applies migrations in an isolated schema.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	pgC, dsn, err := StartPostgres16(ctx, overrideDSN)
	if err != nil {
		return nil, err
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, true)
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Harness{
		container: pgC,
		pool:      pool,
		teardown:  teardown,
	}, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates mutable tables to provide a clean slate between runs.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"webhook_log",
		"processed_events",
		"email_events",
		"outreach_messages",
		"engagements",
		"approvals",
		"jobs",
		"campaigns",
		"operators",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}

	return nil
}

// NewTestDB returns a migrated pool for an integration test, skipping the test
// when neither a DSN nor Docker is available.
func NewTestDB(t testing.TB) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h, err := NewHarness(ctx, "")
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		h.Close(ctx)
	})
	return h.Pool()
}
