package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Run is one coordinator invocation.
type Run struct {
	ID         string     `json:"id"`
	Started    time.Time  `json:"started"`
	Finished   *time.Time `json:"finished,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	BuildID    string     `json:"build_id,omitempty"`
	FinalState string     `json:"final_state,omitempty"`
	ErrorCode  string     `json:"error_code,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Transition is one state a run entered.
type Transition struct {
	RunID  string         `json:"run_id"`
	Seq    int64          `json:"seq"`
	State  string         `json:"state"`
	At     time.Time      `json:"at"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Filter narrows ListRuns. Zero values match everything.
type Filter struct {
	BuildID string
	Limit   int
}

// ListRuns returns runs newest first. Returns an empty slice, not nil, when
// nothing matches.
func (s *Store) ListRuns(ctx context.Context, f Filter) ([]Run, error) {
	var (
		where []string
		args  []any
	)
	if f.BuildID != "" {
		where = append(where, "build_id = ?")
		args = append(args, f.BuildID)
	}

	query := `SELECT id, started, finished, outcome, build_id, final_state, error_code, error FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started DESC, id COLLATE BINARY DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetRun returns a single run or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started, finished, outcome, build_id, final_state, error_code, error
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Transitions returns the transitions of a run in the order they happened.
func (s *Store) Transitions(ctx context.Context, runID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, state, at, detail
		FROM transitions
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	out := []Transition{}
	for rows.Next() {
		var (
			tr             Transition
			at, detailJSON string
		)
		if err := rows.Scan(&tr.RunID, &tr.Seq, &tr.State, &at, &detailJSON); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if tr.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parse transition time: %w", err)
		}
		if err := json.Unmarshal([]byte(detailJSON), &tr.Detail); err != nil {
			return nil, fmt.Errorf("parse transition detail: %w", err)
		}
		if len(tr.Detail) == 0 {
			tr.Detail = nil
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r        Run
		started  string
		finished sql.NullString
	)
	if err := row.Scan(&r.ID, &started, &finished, &r.Outcome, &r.BuildID, &r.FinalState, &r.ErrorCode, &r.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scan run: %w", err)
	}

	var err error
	if r.Started, err = time.Parse(timeLayout, started); err != nil {
		return r, fmt.Errorf("parse run start: %w", err)
	}
	if finished.Valid {
		t, err := time.Parse(timeLayout, finished.String)
		if err != nil {
			return r, fmt.Errorf("parse run finish: %w", err)
		}
		r.Finished = &t
	}
	return r, nil
}
