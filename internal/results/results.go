// Package results persists a per-task audit record of analysis outcomes
// and delivery receipts. The resend command reads failed collector
// deliveries back out of it.
package results

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ssoscout/loginscout/internal/detect"
)

// Record is one finished task.
type Record struct {
	TaskID             string
	Analysis           string
	Domain             string
	State              detect.TaskState
	Exception          string
	CandidateCount     int
	CollectorDelivered bool
	CallbackDelivered  bool
	CallbackAttempts   int
	Candidates         []byte // merged candidate list as JSON
	FinishedAt         time.Time
}

// Outcome buckets a record for reporting.
func (r Record) Outcome() string {
	switch r.Exception {
	case "":
		return "completed"
	case detect.TimeoutException:
		return "timeout"
	default:
		return "exception"
	}
}

// Store records task outcomes and serves the resend workflow.
type Store interface {
	SaveResult(ctx context.Context, rec Record) error
	FailedCollectorDeliveries(ctx context.Context) ([]Record, error)
	MarkCollectorDelivered(ctx context.Context, taskID string) error
	CountByOutcome(ctx context.Context) (map[string]int, error)
	Close()
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// PGStore is the Postgres-backed Store.
type PGStore struct {
	pool pgxPool
}

// NewPGStore connects a pool for the given DSN.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// NewPGStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewPGStoreWithPool(pool pgxPool) (*PGStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PGStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// SaveResult upserts the audit row for a task.
func (s *PGStore) SaveResult(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO task_results (
			task_id, analysis, domain, state, exception, candidate_count,
			collector_delivered, callback_delivered, callback_attempts,
			candidates, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (task_id) DO UPDATE SET
			state = EXCLUDED.state,
			exception = EXCLUDED.exception,
			candidate_count = EXCLUDED.candidate_count,
			collector_delivered = EXCLUDED.collector_delivered,
			callback_delivered = EXCLUDED.callback_delivered,
			callback_attempts = EXCLUDED.callback_attempts,
			candidates = EXCLUDED.candidates,
			finished_at = EXCLUDED.finished_at;
	`
	_, err := s.pool.Exec(ctx, query,
		rec.TaskID, rec.Analysis, rec.Domain, string(rec.State), rec.Exception,
		rec.CandidateCount, rec.CollectorDelivered, rec.CallbackDelivered,
		rec.CallbackAttempts, rec.Candidates, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save task result: %w", err)
	}
	return nil
}

// FailedCollectorDeliveries returns tasks whose candidates never reached
// the collector.
func (s *PGStore) FailedCollectorDeliveries(ctx context.Context) ([]Record, error) {
	query := `
		SELECT task_id, analysis, domain, candidates
		FROM task_results
		WHERE NOT collector_delivered AND candidate_count > 0
		ORDER BY finished_at;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed deliveries: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.TaskID, &rec.Analysis, &rec.Domain, &rec.Candidates); err != nil {
			return nil, fmt.Errorf("scan failed delivery: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed deliveries: %w", err)
	}
	return out, nil
}

// MarkCollectorDelivered flips the collector flag after a resend.
func (s *PGStore) MarkCollectorDelivered(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE task_results SET collector_delivered = TRUE WHERE task_id = $1;`, taskID)
	if err != nil {
		return fmt.Errorf("mark collector delivered: %w", err)
	}
	return nil
}

// CountByOutcome summarizes stored tasks by outcome bucket.
func (s *PGStore) CountByOutcome(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT exception, COUNT(*) FROM task_results GROUP BY exception;`)
	if err != nil {
		return nil, fmt.Errorf("count task results: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var exception string
		var n int
		if err := rows.Scan(&exception, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[Record{Exception: exception}.Outcome()] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task counts: %w", err)
	}
	return counts, nil
}

// NoopStore is used when no database is configured.
type NoopStore struct{}

// SaveResult does nothing.
func (NoopStore) SaveResult(_ context.Context, _ Record) error { return nil }

// FailedCollectorDeliveries reports nothing to resend.
func (NoopStore) FailedCollectorDeliveries(_ context.Context) ([]Record, error) { return nil, nil }

// MarkCollectorDelivered does nothing.
func (NoopStore) MarkCollectorDelivered(_ context.Context, _ string) error { return nil }

// CountByOutcome reports no stored tasks.
func (NoopStore) CountByOutcome(_ context.Context) (map[string]int, error) {
	return map[string]int{}, nil
}

// Close does nothing.
func (NoopStore) Close() {}
