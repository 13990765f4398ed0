package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/kiln/internal/checksum"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// Finish is the final state of a run.
type Finish struct {
	At         time.Time
	Outcome    string
	BuildID    string
	FinalState string
	ErrorCode  string
	Error      string
}

// BeginRun records the start of a run. Beginning the same run twice is a
// no-op.
func (s *Store) BeginRun(ctx context.Context, id string, started time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, formatTime(started))
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// RecordTransition appends a state transition to a run. The detail map is
// stored as canonical JSON and must hold only JSON-representable values.
func (s *Store) RecordTransition(ctx context.Context, runID, state string, at time.Time, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := checksum.MarshalCanonical(detail)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}

	// seq is assigned inside the insert; the single connection serialises
	// writers.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transitions (run_id, seq, state, at, detail)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?
		FROM transitions WHERE run_id = ?
	`, runID, state, formatTime(at), string(detailJSON), runID)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// FinishRun records how a run ended.
func (s *Store) FinishRun(ctx context.Context, runID string, f Finish) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET finished = ?, outcome = ?, build_id = ?, final_state = ?, error_code = ?, error = ?
		WHERE id = ?
	`, formatTime(f.At), f.Outcome, f.BuildID, f.FinalState, f.ErrorCode, f.Error, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrNotFound)
	}
	return nil
}
