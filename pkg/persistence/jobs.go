package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agentcoder/pkg/dispatch"
)

// RecordJobResults stores every result of a dispatch batch under runID in one transaction.
func (l *Ledger) RecordJobResults(ctx context.Context, runID string, results []dispatch.JobResult) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO job_results (run_id, job, container_id, code, cost_usd, error, log_json, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := formatTime(time.Now())
	for i := range results {
		r := &results[i]
		logLines := r.Log
		if logLines == nil {
			logLines = []string{}
		}
		logJSON, err := json.Marshal(logLines)
		if err != nil {
			return fmt.Errorf("failed to encode log of %s: %w", r.Job, err)
		}
		if _, err := stmt.ExecContext(ctx, runID, r.Job, r.HandleID, r.Code, r.Cost, r.Error, string(logJSON), now); err != nil {
			return fmt.Errorf("failed to record result of %s: %w", r.Job, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job results: %w", err)
	}
	l.logger.Debug("Recorded %d job results for run %s", len(results), runID)
	return nil
}

// JobResults returns the results recorded for runID in insertion order.
func (l *Ledger) JobResults(ctx context.Context, runID string) ([]dispatch.JobResult, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT job, container_id, code, cost_usd, error, log_json FROM job_results WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query job results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []dispatch.JobResult
	for rows.Next() {
		var (
			r       dispatch.JobResult
			code    sql.NullString
			cost    sql.NullFloat64
			errText sql.NullString
			logJSON string
		)
		if err := rows.Scan(&r.Job, &r.HandleID, &code, &cost, &errText, &logJSON); err != nil {
			return nil, fmt.Errorf("failed to scan job result: %w", err)
		}
		if code.Valid {
			r.Code = &code.String
		}
		if cost.Valid {
			r.Cost = &cost.Float64
		}
		if errText.Valid {
			r.Error = &errText.String
		}
		if err := json.Unmarshal([]byte(logJSON), &r.Log); err != nil {
			return nil, fmt.Errorf("failed to decode log of %s: %w", r.Job, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job results: %w", err)
	}
	return out, nil
}
