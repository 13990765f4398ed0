package history

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/kiln/internal/record"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// openLocked opens a store in a fresh directory and takes its lock.
func openLocked(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Lock(context.Background(), false))
	t.Cleanup(func() { _ = s.Unlock() })
	return s
}

// stage creates a staging area holding a minimal valid build.
func stage(t *testing.T, s *Store, id, tree string, ts time.Time) *Staging {
	t.Helper()
	st, err := s.BeginStaging(StagingState{BuildID: id, TreeCommit: tree, ImageInputChecksum: "in-" + id})
	require.NoError(t, err)

	b := record.Build{
		ID:                 id,
		Version:            id,
		TreeCommit:         tree,
		ImageInputChecksum: "in-" + id,
		ConfigChecksum:     "cfg",
		Timestamp:          ts,
		Artifacts:          map[string]record.Artifact{"qemu": {Path: id + ".img", SHA256: "00", Size: int64(len(id))}},
	}
	require.NoError(t, st.WriteJSON(record.MetaFile, b))
	require.NoError(t, os.WriteFile(st.File(id+".img"), []byte(id), 0o644))
	return st
}

// commitBuild stages and commits one build.
func commitBuild(t *testing.T, s *Store, id, tree string, ts time.Time) *record.Build {
	t.Helper()
	b, err := s.Commit(stage(t, s, id, tree, ts), id)
	require.NoError(t, err)
	return b
}

func listIDs(t *testing.T, s *Store) []string {
	t.Helper()
	entries, err := s.List()
	require.NoError(t, err)
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}
