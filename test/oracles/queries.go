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
			Name: "O1_version_matches_event_log",
			SQL: `SELECT n.id, n.version, COUNT(e.id) FROM negotiations n
                  JOIN negotiation_events e ON e.negotiation_id = n.id
                  GROUP BY n.id, n.version HAVING n.version <> COUNT(e.id)`,
		},
		{
			Name: "O2_pair_unique",
			SQL: `SELECT shipment_id, trucker_id, COUNT(*) FROM negotiations
                  GROUP BY shipment_id, trucker_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_turn_alternation",
			SQL: `WITH offers AS (
                      SELECT negotiation_id, actor_id,
                             LAG(actor_id) OVER (PARTITION BY negotiation_id ORDER BY created_at) AS prev_actor
                      FROM negotiation_events
                      WHERE event_type = 'PRICE_PROPOSED')
                  SELECT * FROM offers WHERE actor_id = prev_actor`,
		},
		{
			Name: "O4_event_chain_continuous",
			SQL: `WITH chain AS (
                      SELECT id, negotiation_id, from_status,
                             LAG(to_status) OVER (PARTITION BY negotiation_id ORDER BY created_at) AS prev_to
                      FROM negotiation_events)
                  SELECT * FROM chain WHERE prev_to IS NOT NULL AND from_status <> prev_to`,
		},
		{
			Name: "O5_no_event_after_terminal",
			SQL: `WITH marked AS (
                      SELECT id, negotiation_id,
                             LAG(to_status) OVER (PARTITION BY negotiation_id ORDER BY created_at) AS prev_to
                      FROM negotiation_events)
                  SELECT * FROM marked
                  WHERE prev_to IN ('accepted','rejected','expired','cancelled')`,
		},
		{
			Name: "O6_priced_status_has_price",
			SQL: `SELECT id, status FROM negotiations
                  WHERE status IN ('proposed','counter_offered','accepted')
                    AND (current_price IS NULL OR proposed_by IS NULL)`,
		},
		{
			Name: "O7_terminal_timestamps",
			SQL: `SELECT id, status FROM negotiations
                  WHERE (status = 'accepted' AND accepted_at IS NULL)
                     OR (status = 'rejected' AND rejected_at IS NULL)
                     OR (status <> 'accepted' AND accepted_at IS NOT NULL)`,
		},
		{
			Name: "O8_action_message_backref",
			SQL: `SELECT m.id FROM messages m
                  LEFT JOIN negotiation_events e ON e.id = m.negotiation_event_id
                  WHERE m.message_type = 'negotiation_action'
                    AND (e.id IS NULL OR e.negotiation_id <> m.negotiation_id)`,
		},
		{
			Name: "O9_final_status_matches_log",
			SQL: `WITH last AS (
                      SELECT DISTINCT ON (negotiation_id) negotiation_id, to_status
                      FROM negotiation_events ORDER BY negotiation_id, created_at DESC)
                  SELECT n.id, n.status, last.to_status FROM negotiations n
                  JOIN last ON last.negotiation_id = n.id
                  WHERE n.status <> last.to_status`,
		},
		{
			Name: "O10_delete_guard_present",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_negotiations')
                     OR NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_negotiation_events')`,
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
