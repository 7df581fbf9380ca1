package store

import (
	"context"
	"fmt"
	"time"
)

// staleRunningAfter is the age at which a running row counts as a
// stuck-worker signal. There is no automatic requeue of running rows left by
// a crashed worker; this stat is how an operator finds them.
const staleRunningAfter = 24 * time.Hour

// QueueStats is the monitoring snapshot returned by Stats.
type QueueStats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Cancelled int64 `json:"cancelled"`
	Errored   int64 `json:"errored"`
	Finished  int64 `json:"finished"`

	// StaleRunning counts rows running with no update for over 24 hours —
	// usually work left behind by a crashed or wedged worker.
	StaleRunning int64 `json:"stale_running"`

	// ErrorRate is errored / (errored + finished); 0 when nothing is terminal.
	ErrorRate float64 `json:"error_rate"`
}

// Stats returns per-status counts, the stuck-worker signal, and the error
// rate in a single scan. Lock-free; counts may lag in-flight transactions.
func (s *Store) Stats(ctx context.Context) (*QueueStats, error) {
	var st QueueStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'P'),
			count(*) FILTER (WHERE status = 'R'),
			count(*) FILTER (WHERE status = 'C'),
			count(*) FILTER (WHERE status = 'E'),
			count(*) FILTER (WHERE status = 'F'),
			count(*) FILTER (WHERE status = 'R' AND updated_at < now() - make_interval(secs => $1))
		FROM work_items`,
		staleRunningAfter.Seconds(),
	).Scan(&st.Pending, &st.Running, &st.Cancelled, &st.Errored, &st.Finished, &st.StaleRunning)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	if terminal := st.Errored + st.Finished; terminal > 0 {
		st.ErrorRate = float64(st.Errored) / float64(terminal)
	}
	return &st, nil
}
