package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/moby/sys/atomicwriter"
)

// StagingStateFile records what a staging area was created for. It is
// removed when the staging area is committed.
const StagingStateFile = "staging.json"

const stagingPrefix = "staging-"

// StagingState identifies the build a staging area belongs to.
type StagingState struct {
	RunID              string    `json:"run-id"`
	BuildID            string    `json:"buildid"`
	TreeCommit         string    `json:"tree-commit"`
	ImageInputChecksum string    `json:"image-input-checksum"`
	Created            time.Time `json:"created"`
}

// Staging is a mutable scratch directory for one build attempt. It is not
// visible to history readers until Commit promotes it.
type Staging struct {
	Path  string
	State StagingState
}

// BeginStaging allocates a fresh staging directory. The name is a new
// UUIDv7, so it never collides with an earlier staging area or a build.
func (s *Store) BeginStaging(state StagingState) (*Staging, error) {
	path := s.path(TmpDir, stagingPrefix+uuid.Must(uuid.NewV7()).String())
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging: %w", err)
	}

	if state.Created.IsZero() {
		state.Created = time.Now().UTC()
	}
	st := &Staging{Path: path, State: state}
	if err := st.WriteJSON(StagingStateFile, state); err != nil {
		_ = os.RemoveAll(path)
		return nil, err
	}
	return st, nil
}

// ListStaging returns every staging area, oldest first. Areas with an
// unreadable state file are included with a zero State.
func (s *Store) ListStaging() ([]*Staging, error) {
	entries, err := os.ReadDir(s.path(TmpDir))
	if err != nil {
		return nil, fmt.Errorf("listing staging: %w", err)
	}

	var out []*Staging
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), stagingPrefix) {
			continue
		}
		st := &Staging{Path: s.path(TmpDir, e.Name())}
		if data, err := os.ReadFile(st.File(StagingStateFile)); err == nil {
			_ = json.Unmarshal(data, &st.State)
		}
		if st.State.Created.IsZero() {
			if info, err := e.Info(); err == nil {
				st.State.Created = info.ModTime().UTC()
			}
		}
		out = append(out, st)
	}

	slices.SortFunc(out, func(a, b *Staging) int {
		return a.State.Created.Compare(b.State.Created)
	})
	return out, nil
}

// FindStaging returns the newest staging area created for the given build
// and image input checksum, or nil.
func (s *Store) FindStaging(buildID, imageInputChecksum string) (*Staging, error) {
	all, err := s.ListStaging()
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		st := all[i]
		if st.State.BuildID == buildID && st.State.ImageInputChecksum == imageInputChecksum {
			return st, nil
		}
	}
	return nil, nil
}

// DiscardStaging removes a staging area.
func (s *Store) DiscardStaging(st *Staging) error {
	if !s.underTmp(st.Path) {
		return fmt.Errorf("refusing to remove %s: not a staging area", st.Path)
	}
	if err := os.RemoveAll(st.Path); err != nil {
		return fmt.Errorf("removing staging: %w", err)
	}
	return nil
}

// SweepStaging removes staging areas created before cutoff, except keep.
// It returns the removed paths.
func (s *Store) SweepStaging(cutoff time.Time, keep *Staging) ([]string, error) {
	all, err := s.ListStaging()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, st := range all {
		if keep != nil && st.Path == keep.Path {
			continue
		}
		if !st.State.Created.Before(cutoff) {
			continue
		}
		if err := s.DiscardStaging(st); err != nil {
			return removed, err
		}
		removed = append(removed, st.Path)
	}
	return removed, nil
}

// ScratchDir returns a fresh, empty directory under tmp for collaborator
// exchange files.
func (s *Store) ScratchDir(name string) (string, error) {
	path := s.path(TmpDir, name)
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("clearing scratch %s: %w", name, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("creating scratch %s: %w", name, err)
	}
	return path, nil
}

// File returns the path of name inside the staging area.
func (st *Staging) File(name string) string {
	return filepath.Join(st.Path, name)
}

// Has reports whether name exists inside the staging area.
func (st *Staging) Has(name string) bool {
	_, err := os.Stat(st.File(name))
	return err == nil
}

// WriteJSON atomically writes v as indented JSON to name.
func (st *Staging) WriteJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	if err := atomicwriter.WriteFile(st.File(name), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}
