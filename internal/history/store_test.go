package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kiln/internal/record"
)

func TestEmptyHistory(t *testing.T) {
	s := openLocked(t)

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.Empty(t, listIDs(t, s))

	ok, err := s.Contains("v1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommitPromotesStaging(t *testing.T) {
	s := openLocked(t)
	st := stage(t, s, "v1", "T1", baseTime)

	b, err := s.Commit(st, "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", b.ID)

	assert.NoDirExists(t, st.Path)
	assert.DirExists(t, s.BuildDir("v1"))
	assert.FileExists(t, filepath.Join(s.BuildDir("v1"), "v1.img"))
	assert.NoFileExists(t, filepath.Join(s.BuildDir("v1"), StagingStateFile))
	assert.NoFileExists(t, filepath.Join(s.Root(), BuildsDir, MarkerFile))

	target, err := os.Readlink(filepath.Join(s.Root(), BuildsDir, LatestLink))
	require.NoError(t, err)
	assert.Equal(t, "v1", target)

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, "v1", latest.ID)
	assert.Equal(t, []string{"v1"}, listIDs(t, s))

	got, err := s.Get("v1")
	require.NoError(t, err)
	assert.Equal(t, "T1", got.TreeCommit)
}

func TestCommitOrdersIndexNewestFirst(t *testing.T) {
	s := openLocked(t)
	commitBuild(t, s, "v1", "T1", baseTime)
	commitBuild(t, s, "v1-1", "T1", baseTime.Add(time.Hour))
	commitBuild(t, s, "v2", "T2", baseTime.Add(2*time.Hour))

	assert.Equal(t, []string{"v2", "v1-1", "v1"}, listIDs(t, s))

	entries, err := s.List()
	require.NoError(t, err)
	assert.True(t, entries[0].Timestamp.Equal(baseTime.Add(2*time.Hour)))
}

func TestCommitRequiresLock(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Commit(&Staging{Path: filepath.Join(s.Root(), TmpDir, "staging-x")}, "v1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires the history lock")
}

func TestCommitRejectsDuplicateID(t *testing.T) {
	s := openLocked(t)
	commitBuild(t, s, "v1", "T1", baseTime)

	st := stage(t, s, "v1", "T1", baseTime)
	_, err := s.Commit(st, "v1")
	require.Error(t, err)
	assert.True(t, record.IsInputError(err))
	assert.DirExists(t, st.Path, "staging is left for inspection")
}

func TestCommitRejectsMismatchedMeta(t *testing.T) {
	s := openLocked(t)
	st := stage(t, s, "v1", "T1", baseTime)

	_, err := s.Commit(st, "v2")
	require.Error(t, err)
	assert.True(t, record.IsInputError(err))
}

func TestCommitRejectsInvalidID(t *testing.T) {
	s := openLocked(t)
	st := stage(t, s, "v1", "T1", baseTime)

	_, err := s.Commit(st, "../v1")
	require.Error(t, err)
	assert.True(t, record.IsInputError(err))
}

func TestLatestCorruptPointer(t *testing.T) {
	s := openLocked(t)
	require.NoError(t, os.Symlink("missing", filepath.Join(s.Root(), BuildsDir, LatestLink)))

	_, err := s.Latest()
	require.Error(t, err)
	assert.True(t, record.IsCorruptHistory(err))
}

func TestLatestCorruptMeta(t *testing.T) {
	s := openLocked(t)
	commitBuild(t, s, "v1", "T1", baseTime)
	require.NoError(t, os.WriteFile(filepath.Join(s.BuildDir("v1"), record.MetaFile), []byte("{not json"), 0o644))

	_, err := s.Latest()
	require.Error(t, err)
	assert.True(t, record.IsCorruptHistory(err))
}

func TestCorruptIndex(t *testing.T) {
	s := openLocked(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), BuildsDir, IndexFile), []byte("["), 0o644))

	_, err := s.List()
	require.Error(t, err)
	assert.True(t, record.IsCorruptHistory(err))
}

func TestGetOnlyIndexedBuilds(t *testing.T) {
	s := openLocked(t)
	commitBuild(t, s, "v1", "T1", baseTime)
	require.NoError(t, os.Mkdir(s.BuildDir("stray"), 0o755))

	_, err := s.Get("stray")
	assert.True(t, record.IsNotFound(err))

	_, err = s.Get("v9")
	assert.True(t, record.IsNotFound(err))
}

func TestDelete(t *testing.T) {
	s := openLocked(t)
	commitBuild(t, s, "v1", "T1", baseTime)
	commitBuild(t, s, "v2", "T2", baseTime.Add(time.Hour))

	require.NoError(t, s.Delete("v1"))
	assert.Equal(t, []string{"v2"}, listIDs(t, s))
	assert.NoDirExists(t, s.BuildDir("v1"))
}

func TestDeleteNotFound(t *testing.T) {
	s := openLocked(t)
	assert.True(t, record.IsNotFound(s.Delete("v1")))
}

func TestDeleteRefusesLatest(t *testing.T) {
	s := openLocked(t)
	commitBuild(t, s, "v1", "T1", baseTime)

	err := s.Delete("v1")
	require.Error(t, err)
	assert.True(t, record.IsProtectedBuild(err))
	assert.DirExists(t, s.BuildDir("v1"))
	assert.Equal(t, []string{"v1"}, listIDs(t, s))
}

func TestLockIsExclusive(t *testing.T) {
	root := t.TempDir()
	a, err := Open(root)
	require.NoError(t, err)
	b, err := Open(root)
	require.NoError(t, err)

	require.NoError(t, a.Lock(context.Background(), false))

	err = b.Lock(context.Background(), false)
	require.Error(t, err)
	assert.True(t, record.IsHistoryLocked(err))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err = b.Lock(ctx, true)
	require.Error(t, err)

	require.NoError(t, a.Unlock())
	require.NoError(t, b.Lock(context.Background(), true))
	require.NoError(t, b.Unlock())
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"41.20240501.0", "41.20240501.0-1", "v1"} {
		assert.NoError(t, ValidateID(id), id)
	}
	for _, id := range []string{"", ".hidden", "..", "a/b", `a\b`, LatestLink, IndexFile} {
		assert.Error(t, ValidateID(id), id)
	}
}

// Readers polling while a writer commits must only ever see complete builds.
func TestAtomicVisibility(t *testing.T) {
	writer := openLocked(t)
	reader, err := Open(writer.Root())
	require.NoError(t, err)

	done := make(chan struct{})
	failures := make(chan string, 1)
	go func() {
		defer close(failures)
		for {
			select {
			case <-done:
				return
			default:
			}

			if _, err := reader.Latest(); err != nil {
				failures <- "latest: " + err.Error()
				return
			}
			entries, err := reader.List()
			if err != nil {
				failures <- "list: " + err.Error()
				return
			}
			for _, e := range entries {
				if _, err := os.Stat(filepath.Join(reader.BuildDir(e.ID), record.MetaFile)); err != nil {
					failures <- "indexed build without meta: " + e.ID
					return
				}
			}
		}
	}()

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("v%d", i)
		commitBuild(t, writer, id, "T", baseTime.Add(time.Duration(i)*time.Minute))
	}
	close(done)

	for msg := range failures {
		t.Fatal(msg)
	}
}
