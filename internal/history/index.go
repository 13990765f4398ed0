package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/roach88/kiln/internal/record"
)

// Index is the persisted list of committed builds.
type Index struct {
	SchemaVersion string       `json:"schema-version"`
	Builds        []IndexEntry `json:"builds"` // Newest first
	Timestamp     time.Time    `json:"timestamp"`
}

// IndexEntry is one committed build. Timestamp is the build creation time
// and orders retention independently of id spelling.
type IndexEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

func (idx *Index) contains(id string) bool {
	return slices.ContainsFunc(idx.Builds, func(e IndexEntry) bool { return e.ID == id })
}

func (idx *Index) remove(id string) {
	idx.Builds = slices.DeleteFunc(idx.Builds, func(e IndexEntry) bool { return e.ID == id })
}

func (idx *Index) prepend(e IndexEntry) {
	idx.Builds = append([]IndexEntry{e}, idx.Builds...)
}

// head returns the newest build id, or "".
func (idx *Index) head() string {
	if len(idx.Builds) == 0 {
		return ""
	}
	return idx.Builds[0].ID
}

// readIndex loads builds.json. A missing index is an empty history.
func (s *Store) readIndex() (*Index, error) {
	data, err := os.ReadFile(s.path(BuildsDir, IndexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return &Index{SchemaVersion: record.SchemaVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}

	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, record.NewCorruptHistoryError("", fmt.Errorf("parsing %s: %w", IndexFile, err))
	}
	return &idx, nil
}

// writeIndex atomically replaces builds.json.
func (s *Store) writeIndex(idx *Index) error {
	idx.SchemaVersion = record.SchemaVersion
	idx.Timestamp = time.Now().UTC()
	if idx.Builds == nil {
		idx.Builds = []IndexEntry{}
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	if err := atomicwriter.WriteFile(s.path(BuildsDir, IndexFile), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	return nil
}
