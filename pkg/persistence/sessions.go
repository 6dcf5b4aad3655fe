package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when a requested run does not exist.
var ErrRunNotFound = errors.New("run not found")

// Run status constants.
const (
	RunStatusActive      = "active"
	RunStatusCompleted   = "completed"
	RunStatusFailed      = "failed"
	RunStatusInterrupted = "interrupted" // cancelled by signal
)

// Run is one CLI invocation recorded in the ledger.
//
//nolint:govet // struct alignment optimization not critical for this type.
type Run struct {
	RunID      string     `json:"run_id"`
	Kind       string     `json:"kind"` // dispatch, session, architect
	Status     string     `json:"status"`
	ConfigJSON string     `json:"config_json"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// SessionRecord summarises one finished agent session.
//
//nolint:govet // struct alignment optimization not critical for this type.
type SessionRecord struct {
	SessionID   string         `json:"session_id"`
	Name        string         `json:"name"`
	Outcome     string         `json:"outcome"` // answered, defaulted, step_limit, error, cancelled
	Steps       int            `json:"steps"`
	AnswerFound bool           `json:"answer_found"`
	Answer      map[string]any `json:"answer"`
	Error       string         `json:"error,omitempty"`
	RecordedAt  time.Time      `json:"recorded_at"`
}

// StartRun inserts an active run and returns its ID. cfg is stored as a JSON snapshot.
func (l *Ledger) StartRun(ctx context.Context, kind string, cfg any) (string, error) {
	snapshot := ""
	if cfg != nil {
		data, err := json.Marshal(cfg)
		if err != nil {
			return "", fmt.Errorf("failed to snapshot config: %w", err)
		}
		snapshot = string(data)
	}
	runID := uuid.NewString()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, kind, status, config_json, started_at) VALUES (?, ?, ?, ?, ?)`,
		runID, kind, RunStatusActive, snapshot, formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return runID, nil
}

// FinishRun sets the final status and end time of a run.
func (l *Ledger) FinishRun(ctx context.Context, runID, status string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ? WHERE run_id = ?`,
		status, formatTime(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// GetRun returns one run.
func (l *Ledger) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT run_id, kind, status, config_json, started_at, ended_at FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

// ListRuns returns the most recent runs first. A non-positive limit returns every run.
func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, kind, status, config_json, started_at, ended_at FROM runs
		 ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// RecordSession stores a finished session under runID.
func (l *Ledger) RecordSession(ctx context.Context, runID string, rec *SessionRecord) error {
	answer := rec.Answer
	if answer == nil {
		answer = map[string]any{}
	}
	data, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("failed to encode answer: %w", err)
	}
	if rec.SessionID == "" {
		rec.SessionID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, run_id, name, outcome, steps, answer_found, answer_json, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, runID, rec.Name, rec.Outcome, rec.Steps, rec.AnswerFound, string(data),
		nullString(rec.Error), formatTime(rec.RecordedAt))
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", rec.SessionID, err)
	}
	return nil
}

// Sessions returns the sessions of a run in the order they were recorded.
func (l *Ledger) Sessions(ctx context.Context, runID string) ([]SessionRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT session_id, name, outcome, steps, answer_found, answer_json, error, recorded_at
		 FROM sessions WHERE run_id = ? ORDER BY recorded_at, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionRecord
	for rows.Next() {
		var (
			rec        SessionRecord
			answerJSON string
			errText    sql.NullString
			recorded   string
		)
		if err := rows.Scan(&rec.SessionID, &rec.Name, &rec.Outcome, &rec.Steps, &rec.AnswerFound,
			&answerJSON, &errText, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if err := json.Unmarshal([]byte(answerJSON), &rec.Answer); err != nil {
			return nil, fmt.Errorf("failed to decode answer of session %s: %w", rec.SessionID, err)
		}
		rec.Error = errText.String
		if rec.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run     Run
		started string
		ended   sql.NullString
	)
	if err := row.Scan(&run.RunID, &run.Kind, &run.Status, &run.ConfigJSON, &started, &ended); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err //nolint:wrapcheck // sentinel checked by callers
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if ended.Valid {
		t, err := parseTime(ended.String)
		if err != nil {
			return nil, err
		}
		run.EndedAt = &t
	}
	return &run, nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
