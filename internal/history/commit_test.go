package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kiln/internal/record"
)

var errCrash = errors.New("simulated crash")

// crashAt makes the next commit stop right after the named step.
func crashAt(s *Store, step string) {
	s.afterStep = func(name string) error {
		if name == step {
			return errCrash
		}
		return nil
	}
}

// restart releases the crashed store's lock and opens a new locked store on
// the same root, as a fresh process would.
func restart(t *testing.T, crashed *Store) *Store {
	t.Helper()
	require.NoError(t, crashed.Unlock())

	s, err := Open(crashed.Root())
	require.NoError(t, err)
	require.NoError(t, s.Lock(context.Background(), false))
	t.Cleanup(func() { _ = s.Unlock() })
	return s
}

func TestRecoverAfterCrash(t *testing.T) {
	tests := []struct {
		step       string
		rolledBack bool
		wantIDs    []string
		wantLatest string
	}{
		{stepMarker, true, []string{"v1"}, "v1"},
		{stepRename, true, []string{"v1"}, "v1"},
		{stepLatest, true, []string{"v1"}, "v1"},
		{stepIndex, false, []string{"v2", "v1"}, "v2"},
	}

	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			s := openLocked(t)
			commitBuild(t, s, "v1", "T1", baseTime)

			st := stage(t, s, "v2", "T2", baseTime.Add(time.Hour))
			crashAt(s, tt.step)
			_, err := s.Commit(st, "v2")
			require.ErrorIs(t, err, errCrash)
			assert.FileExists(t, filepath.Join(s.Root(), BuildsDir, MarkerFile))

			s2 := restart(t, s)
			rec, err := s2.Recover()
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, "v2", rec.BuildID)
			assert.Equal(t, tt.rolledBack, rec.RolledBack)

			assert.NoFileExists(t, filepath.Join(s2.Root(), BuildsDir, MarkerFile))
			assert.Equal(t, tt.wantIDs, listIDs(t, s2))

			latest, err := s2.Latest()
			require.NoError(t, err)
			assert.Equal(t, tt.wantLatest, latest.ID)

			if tt.rolledBack {
				assert.NoDirExists(t, s2.BuildDir("v2"))
				assert.NoDirExists(t, st.Path)
			} else {
				assert.DirExists(t, s2.BuildDir("v2"))
			}

			// History stays writable after recovery.
			commitBuild(t, s2, "v3", "T3", baseTime.Add(2*time.Hour))
			assert.Equal(t, append([]string{"v3"}, tt.wantIDs...), listIDs(t, s2))
		})
	}
}

func TestRecoverFirstCommitRollsBackToEmpty(t *testing.T) {
	s := openLocked(t)
	st := stage(t, s, "v1", "T1", baseTime)
	crashAt(s, stepLatest)
	_, err := s.Commit(st, "v1")
	require.ErrorIs(t, err, errCrash)

	s2 := restart(t, s)
	_, err = s2.Recover()
	require.NoError(t, err)

	latest, err := s2.Latest()
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.Empty(t, listIDs(t, s2))
	_, err = os.Lstat(filepath.Join(s2.Root(), BuildsDir, LatestLink))
	assert.True(t, os.IsNotExist(err))
}

func TestRecoverNothingToDo(t *testing.T) {
	s := openLocked(t)
	rec, err := s.Recover()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRecoverUnreadableMarker(t *testing.T) {
	s := openLocked(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), BuildsDir, MarkerFile), []byte("garbage"), 0o644))

	_, err := s.Recover()
	require.Error(t, err)
	assert.True(t, record.IsIncompleteCommit(err))
	assert.FileExists(t, filepath.Join(s.Root(), BuildsDir, MarkerFile), "marker is kept for manual intervention")
}

func TestRecoverDropsIndexEntryWithoutDirectory(t *testing.T) {
	s := openLocked(t)
	commitBuild(t, s, "v1", "T1", baseTime)
	st := stage(t, s, "v2", "T2", baseTime.Add(time.Hour))
	crashAt(s, stepIndex)
	_, err := s.Commit(st, "v2")
	require.ErrorIs(t, err, errCrash)

	// Someone removed the promoted directory by hand.
	require.NoError(t, os.RemoveAll(s.BuildDir("v2")))

	s2 := restart(t, s)
	rec, err := s2.Recover()
	require.NoError(t, err)
	assert.True(t, rec.RolledBack)
	assert.Equal(t, []string{"v1"}, listIDs(t, s2))

	latest, err := s2.Latest()
	require.NoError(t, err)
	assert.Equal(t, "v1", latest.ID)
}

func TestRecoverRequiresLock(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.Recover()
	require.Error(t, err)
}

func TestEnsureConsistentRecoversWhenUnlocked(t *testing.T) {
	s := openLocked(t)
	commitBuild(t, s, "v1", "T1", baseTime)
	st := stage(t, s, "v2", "T2", baseTime.Add(time.Hour))
	crashAt(s, stepRename)
	_, err := s.Commit(st, "v2")
	require.ErrorIs(t, err, errCrash)
	require.NoError(t, s.Unlock())

	reader, err := Open(s.Root())
	require.NoError(t, err)
	require.NoError(t, reader.EnsureConsistent())

	assert.NoFileExists(t, filepath.Join(reader.Root(), BuildsDir, MarkerFile))
	assert.NoDirExists(t, reader.BuildDir("v2"))
	assert.False(t, reader.Locked(), "reader releases the lock it borrowed")
}

func TestEnsureConsistentLeavesInFlightCommit(t *testing.T) {
	s := openLocked(t)
	st := stage(t, s, "v1", "T1", baseTime)
	crashAt(s, stepMarker)
	_, err := s.Commit(st, "v1")
	require.ErrorIs(t, err, errCrash)

	// s still holds the lock: from a reader's view the commit is running.
	reader, err := Open(s.Root())
	require.NoError(t, err)
	require.NoError(t, reader.EnsureConsistent())
	assert.FileExists(t, filepath.Join(reader.Root(), BuildsDir, MarkerFile))
}

func TestEnsureConsistentNoMarker(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.EnsureConsistent())
}
