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

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_released_sum_within_total",
			SQL: `SELECT c.id, c.total_amount, SUM(p.amount)
                  FROM contracts c
                  JOIN payments p ON p.contract_id = c.id
                  WHERE p.escrow_status = 'released'
                  GROUP BY c.id, c.total_amount
                  HAVING SUM(p.amount) > c.total_amount`,
		},
		{
			Name: "O2_single_milestone_in_progress",
			SQL: `SELECT contract_id, COUNT(*) FROM milestones
                  WHERE status = 'in_progress'
                  GROUP BY contract_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_sequence_gate",
			SQL: `SELECT m.id, m.seq FROM milestones m
                  JOIN milestones prev
                    ON prev.contract_id = m.contract_id AND prev.seq = m.seq - 1
                  WHERE m.started_at IS NOT NULL
                    AND prev.status <> 'cancelled'
                    AND prev.approved_at IS NULL`,
		},
		{
			Name: "O4_single_accepted_application",
			SQL: `SELECT job_id, COUNT(*) FROM applications
                  WHERE status = 'accepted'
                  GROUP BY job_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_single_live_contract",
			SQL: `SELECT job_id, COUNT(*) FROM contracts
                  WHERE status IN ('active','completed')
                  GROUP BY job_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_escrow_matches_status",
			SQL: `SELECT id, status, escrow_status FROM payments
                  WHERE (status = 'completed' AND escrow_status <> 'released')
                     OR (status <> 'completed' AND escrow_status = 'released')`,
		},
		{
			Name: "O7_outbox_not_stale",
			SQL: `SELECT id, event_kind FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '2 minutes'`,
		},
		{
			Name: "O8_no_inflight_on_cancelled",
			SQL: `SELECT p.id FROM payments p
                  JOIN contracts c ON c.id = p.contract_id
                  WHERE c.status = 'cancelled' AND p.status = 'processing'`,
		},
		{
			Name: "O9_schedule_sums_to_total",
			SQL: `SELECT c.id, c.total_amount, SUM(m.amount)
                  FROM contracts c
                  JOIN milestones m ON m.contract_id = c.id
                  GROUP BY c.id, c.total_amount
                  HAVING SUM(m.amount) <> c.total_amount`,
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
	}
	return "", "", nil
}
