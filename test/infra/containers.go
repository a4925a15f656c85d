package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DSNEnv names the variable that points tests at an existing database instead of a container.
const DSNEnv = "CAMPAIGNFLOW_TEST_PG_DSN"

type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 starts a Postgres 16 container and returns a DSN. If overrideDSN,
// DSNEnv or DATABASE_URL is set, it reuses that database.
func StartPostgres16(ctx context.Context, overrideDSN string) (pg *PGContainer, dsn string, err error) {
	for _, candidate := range []string{overrideDSN, os.Getenv(DSNEnv), os.Getenv("DATABASE_URL")} {
		if candidate != "" {
			return &PGContainer{}, candidate, nil
		}
	}

	// testcontainers panics on some hosts without a reachable Docker daemon.
	defer func() {
		if r := recover(); r != nil {
			pg, dsn, err = nil, "", fmt.Errorf("start postgres container: %v", r)
		}
	}()

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("campaignflow"),
		postgres.WithUsername("campaignflow"),
		postgres.WithPassword("campaignflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	if err != nil {
		return nil, "", fmt.Errorf("start postgres container: %w", err)
	}

	dsn, err = pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", fmt.Errorf("resolve connection string: %w", err)
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
