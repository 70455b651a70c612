package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lucasnoah/qualitygate/internal/pipeline"
)

// RunRecord is a row in the gate_runs table.
type RunRecord struct {
	ID         string    `json:"id"`
	Gate       string    `json:"gate"`
	Entry      string    `json:"entry,omitempty"`
	EntryKey   string    `json:"entry_key,omitempty"`
	CacheKey   string    `json:"cache_key,omitempty"`
	Status     string    `json:"status"`
	FailedAt   string    `json:"failed_at,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ExitCode   int       `json:"exit_code"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the wall time of the run.
func (r RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// StageStat aggregates the history of one stage of a gate.
type StageStat struct {
	Stage         string
	Runs          int
	Failures      int
	TimedOut      int
	AvgDurationMs int64
	MaxDurationMs int64
}

// FailureRate is the share of runs that failed, between 0 and 1.
func (s StageStat) FailureRate() float64 {
	if s.Runs == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Runs)
}

// LogRun records a finished run and its stages in one transaction.
func (d *DB) LogRun(ctx context.Context, run *pipeline.Run) error {
	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO gate_runs (id, gate, entry, entry_key, cache_key, status, failed_at, reason, exit_code, started_at, finished_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			run.ID, run.Gate, run.Entry, run.EntryKey, run.CacheKey,
			string(run.Outcome.Status), run.Outcome.Stage, run.Outcome.Reason, run.ExitCode(),
			run.StartedAt, run.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		batch := &pgx.Batch{}
		for i, st := range run.Stages {
			findings, err := findingsJSON(st.Findings)
			if err != nil {
				return fmt.Errorf("stage %s findings: %w", st.Name, err)
			}
			batch.Queue(
				`INSERT INTO stage_runs (run_id, position, stage, command, fatal, passed, exit_status, timed_out, aborted, duration_ms, summary, findings)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				run.ID, i, st.Name, st.Command, st.Fatal, st.Passed(), st.ExitStatus,
				st.TimedOut, st.Aborted, st.Duration.Milliseconds(), st.Summary, findings,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("log run %s: %w", run.ID, err)
	}
	return nil
}

// findingsJSON encodes parser findings for the JSONB column; nil stays NULL.
func findingsJSON(findings any) ([]byte, error) {
	if findings == nil {
		return nil, nil
	}
	return json.Marshal(findings)
}

// RecentRuns returns up to limit runs, newest first. An empty gate matches
// every gate.
func (d *DB) RecentRuns(ctx context.Context, gate string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.pool.Query(ctx,
		`SELECT id, gate, entry, entry_key, cache_key, status, failed_at, reason, exit_code, started_at, finished_at
		 FROM gate_runs WHERE ($1 = '' OR gate = $1)
		 ORDER BY started_at DESC, id DESC LIMIT $2`,
		gate, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get recent runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.Gate, &r.Entry, &r.EntryKey, &r.CacheKey, &r.Status, &r.FailedAt, &r.Reason, &r.ExitCode, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// StageStats aggregates per-stage outcomes for a gate, in pipeline order.
func (d *DB) StageStats(ctx context.Context, gate string) ([]StageStat, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT s.stage,
		        COUNT(*),
		        COUNT(*) FILTER (WHERE NOT s.passed AND NOT s.aborted),
		        COUNT(*) FILTER (WHERE s.timed_out),
		        COALESCE(AVG(s.duration_ms), 0)::BIGINT,
		        COALESCE(MAX(s.duration_ms), 0)
		 FROM stage_runs s JOIN gate_runs g ON g.id = s.run_id
		 WHERE g.gate = $1
		 GROUP BY s.stage
		 ORDER BY MIN(s.position), s.stage`,
		gate,
	)
	if err != nil {
		return nil, fmt.Errorf("get stage stats: %w", err)
	}
	defer rows.Close()

	var stats []StageStat
	for rows.Next() {
		var s StageStat
		if err := rows.Scan(&s.Stage, &s.Runs, &s.Failures, &s.TimedOut, &s.AvgDurationMs, &s.MaxDurationMs); err != nil {
			return nil, fmt.Errorf("scan stage stat: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Prune deletes runs that started before cutoff and returns how many went.
func (d *DB) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := d.pool.Exec(ctx, `DELETE FROM gate_runs WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
