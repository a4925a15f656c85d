package chaos

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills one other backend of the test database now and
// then, so claims, decisions and webhook transactions see dropped connections.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, every time.Duration, stop <-chan struct{}) int {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	killed := 0
	for {
		select {
		case <-ctx.Done():
			return killed
		case <-stop:
			return killed
		case <-ticker.C:
			if rand.IntN(3) != 0 {
				continue
			}
			var ok bool
			err := pool.QueryRow(ctx, `
SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false)
FROM (
    SELECT pid FROM pg_stat_activity
    WHERE datname = current_database() AND pid <> pg_backend_pid() AND backend_type = 'client backend'
    ORDER BY random() LIMIT 1
) victims`).Scan(&ok)
			if err == nil && ok {
				killed++
			}
		}
	}
}
