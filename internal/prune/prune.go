// Package prune trims build history to a retention policy.
package prune

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/kiln/internal/history"
	"github.com/roach88/kiln/internal/record"
)

// Store is the part of the build history the policy needs.
type Store interface {
	List() ([]history.IndexEntry, error)
	Latest() (*record.Build, error)
	Delete(id string) error
	SweepStaging(cutoff time.Time, keep *history.Staging) ([]string, error)
}

// Policy keeps the newest Keep builds and drops builds older than MaxAge.
// A zero Keep or MaxAge disables that limit.
type Policy struct {
	Keep   int
	MaxAge time.Duration
	Now    func() time.Time
}

// Result lists what Apply removed.
type Result struct {
	Removed      []string `json:"removed"`
	SweptStaging []string `json:"swept_staging,omitempty"`
}

func (p Policy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Apply enforces the policy. With insertOnly set nothing is removed and the
// newly committed build simply stays in the index. Builds are considered
// oldest first in commit order; the latest build is never removed. keep
// names a staging area the staging sweep must leave alone.
func (p Policy) Apply(s Store, insertOnly bool, keep *history.Staging) (*Result, error) {
	res := &Result{}
	if insertOnly {
		slog.Debug("prune skipped, insert only")
		return res, nil
	}

	entries, err := s.List()
	if err != nil {
		return nil, fmt.Errorf("prune: %w", err)
	}
	latest, err := s.Latest()
	if err != nil {
		return nil, fmt.Errorf("prune: %w", err)
	}
	var latestID string
	if latest != nil {
		latestID = latest.ID
	}

	var cutoff time.Time
	if p.MaxAge > 0 {
		cutoff = p.now().Add(-p.MaxAge)
	}

	remaining := len(entries)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.ID == latestID {
			continue
		}

		overCount := p.Keep > 0 && remaining > p.Keep
		expired := !cutoff.IsZero() && e.Timestamp.Before(cutoff)
		if !overCount && !expired {
			continue
		}

		if err := s.Delete(e.ID); err != nil {
			return res, fmt.Errorf("prune %s: %w", e.ID, err)
		}
		slog.Info("pruned build", "build_id", e.ID, "timestamp", e.Timestamp)
		res.Removed = append(res.Removed, e.ID)
		remaining--
	}

	if !cutoff.IsZero() {
		swept, err := s.SweepStaging(cutoff, keep)
		res.SweptStaging = swept
		if err != nil {
			return res, fmt.Errorf("prune staging: %w", err)
		}
		for _, path := range swept {
			slog.Info("removed stale staging", "path", path)
		}
	}
	return res, nil
}
