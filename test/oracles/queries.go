package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All lists the invariants the queue, approval and webhook tables must hold at
// every instant. Each query returns the offending rows.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_job_per_campaign",
			SQL: `SELECT campaign_id, COUNT(*) FROM jobs
                  GROUP BY campaign_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_running_job_locked",
			SQL: `SELECT id, locked_by, locked_at FROM jobs
                  WHERE status = 'running' AND (locked_by IS NULL OR locked_at IS NULL)`,
		},
		{
			Name: "O3_settled_job_unlocked",
			SQL: `SELECT id, status, locked_by FROM jobs
                  WHERE status IN ('queued', 'completed', 'failed') AND locked_by IS NOT NULL`,
		},
		{
			Name: "O4_attempts_bounded",
			SQL:  `SELECT id, attempts, max_attempts FROM jobs WHERE attempts > max_attempts`,
		},
		{
			Name: "O5_one_pending_approval_per_gate",
			SQL: `SELECT campaign_id, kind, COUNT(*) FROM approvals
                  WHERE status = 'pending'
                  GROUP BY campaign_id, kind HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_decision_recorded",
			SQL: `SELECT id, status FROM approvals
                  WHERE (status = 'pending') <> (decided_at IS NULL)`,
		},
		{
			Name: "O7_reply_applied_once",
			SQL: `SELECT campaign_id, creator_id, m->>'body' AS body, COUNT(*) FROM engagements,
                         jsonb_array_elements(message_history) m
                  WHERE m->>'from' = 'creator'
                  GROUP BY campaign_id, creator_id, m->>'body' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_reply_advances_status",
			SQL: `SELECT campaign_id, creator_id FROM engagements
                  WHERE status = 'contacted' AND message_history @> '[{"from": "creator"}]'::jsonb`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
