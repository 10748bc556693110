package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RunRow is one scheduler run.
type RunRow struct {
	ID        uuid.UUID
	StartedAt time.Time
	Workers   int
	Goals     []string
	Dropped   int64
}

type TraceRepo struct {
	db *DB
}

func NewTraceRepo(db *DB) *TraceRepo {
	return &TraceRepo{db: db}
}

func (r *TraceRepo) StartRun(ctx context.Context, run RunRow) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO trace_runs (id, started_at, workers, goals) VALUES ($1, $2, $3, $4)`,
		run.ID, run.StartedAt, run.Workers, run.Goals,
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// LoadRun returns nil, nil when the run does not exist.
func (r *TraceRepo) LoadRun(ctx context.Context, id uuid.UUID) (*RunRow, error) {
	row := &RunRow{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, started_at, workers, goals, dropped FROM trace_runs WHERE id = $1`, id,
	).Scan(&row.ID, &row.StartedAt, &row.Workers, &row.Goals, &row.Dropped)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

var (
	taskColumns = []string{"run_id", "frame", "task", "kind", "goal", "started_at", "ended_at", "panicked"}
	goalColumns = []string{"run_id", "frame", "goal", "position", "started_at"}
)

// WriteBatch copies a batch of records in a single transaction.
func (r *TraceRepo) WriteBatch(ctx context.Context, b Batch) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("trace begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if len(b.Tasks) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"trace_tasks"}, taskColumns,
			pgx.CopyFromSlice(len(b.Tasks), func(i int) ([]any, error) {
				t := b.Tasks[i]
				return []any{b.RunID, int64(t.Frame), t.Task, t.Kind.String(), t.Goal, t.Start, t.End, t.Panicked}, nil
			}),
		); err != nil {
			return fmt.Errorf("copy task records: %w", err)
		}
	}
	if len(b.Goals) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"trace_goals"}, goalColumns,
			pgx.CopyFromSlice(len(b.Goals), func(i int) ([]any, error) {
				g := b.Goals[i]
				return []any{b.RunID, int64(g.Frame), g.Goal, g.Index, g.At}, nil
			}),
		); err != nil {
			return fmt.Errorf("copy goal records: %w", err)
		}
	}
	if b.Dropped > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE trace_runs SET dropped = dropped + $2 WHERE id = $1`, b.RunID, b.Dropped,
		); err != nil {
			return fmt.Errorf("count dropped records: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// PruneRuns deletes all but the newest keep runs. Records cascade.
func (r *TraceRepo) PruneRuns(ctx context.Context, keep int) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM trace_runs WHERE id NOT IN (
		     SELECT id FROM trace_runs ORDER BY started_at DESC LIMIT $1)`, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TaskStat aggregates one task's records within a run.
type TaskStat struct {
	Task     string
	Kind     string
	Runs     int64
	Panics   int64
	Mean     time.Duration
	Slowest  time.Duration
	LastSeen int64 // frame
}

// TaskStats summarises a run per task, slowest mean first.
func (r *TraceRepo) TaskStats(ctx context.Context, runID uuid.UUID) ([]TaskStat, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT task, kind, count(*),
		        count(*) FILTER (WHERE panicked),
		        avg(ended_at - started_at), max(ended_at - started_at),
		        max(frame)
		   FROM trace_tasks
		  WHERE run_id = $1
		  GROUP BY task, kind
		  ORDER BY 5 DESC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query task stats: %w", err)
	}
	defer rows.Close()

	var stats []TaskStat
	for rows.Next() {
		var s TaskStat
		if err := rows.Scan(&s.Task, &s.Kind, &s.Runs, &s.Panics, &s.Mean, &s.Slowest, &s.LastSeen); err != nil {
			return nil, fmt.Errorf("scan task stat: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
