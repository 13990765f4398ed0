package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/roach88/kiln/internal/record"
)

// Commit steps, reported to the afterStep hook.
const (
	stepMarker = "marker"
	stepRename = "rename"
	stepLatest = "latest"
	stepIndex  = "index"
)

// commitMarker is the write-ahead record of an in-flight commit.
type commitMarker struct {
	BuildID string    `json:"buildid"`
	Staging string    `json:"staging"`
	Started time.Time `json:"started"`
}

// Recovery describes what Recover found.
type Recovery struct {
	BuildID    string `json:"build_id"`
	RolledBack bool   `json:"rolled_back"` // false means the commit was completed
}

// Commit promotes a staging area to a committed build under id.
//
// The staging area must hold a meta.json whose build id equals id. On
// success the staging area no longer exists. If Commit fails part way, the
// next Recover resolves the state; callers should not retry Commit
// directly.
func (s *Store) Commit(st *Staging, id string) (*record.Build, error) {
	if err := s.requireLock("commit"); err != nil {
		return nil, err
	}
	if err := ValidateID(id); err != nil {
		return nil, record.NewInputError("%v", err)
	}

	b, err := s.readMeta(st.Path)
	if err != nil {
		return nil, record.NewInputError("staging %s: %v", st.Path, err)
	}
	if b.ID != id {
		return nil, record.NewInputError("staging holds build %q, not %q", b.ID, id)
	}

	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	final := s.BuildDir(id)
	if idx.contains(id) || isDir(final) {
		return nil, record.NewInputError("build %s already exists", id)
	}

	if err := os.Remove(filepath.Join(st.Path, StagingStateFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("clearing staging state: %w", err)
	}

	// (a) marker
	if err := s.writeMarker(commitMarker{BuildID: id, Staging: st.Path, Started: time.Now().UTC()}); err != nil {
		return nil, err
	}
	if err := s.step(stepMarker); err != nil {
		return nil, err
	}

	// (b) promote
	if err := os.Rename(st.Path, final); err != nil {
		return nil, fmt.Errorf("promoting staging to %s: %w", final, err)
	}
	if err := s.step(stepRename); err != nil {
		return nil, err
	}

	// (c) latest
	if err := s.pointLatest(id); err != nil {
		return nil, err
	}
	if err := s.step(stepLatest); err != nil {
		return nil, err
	}

	// (d) index
	idx.prepend(IndexEntry{ID: id, Timestamp: b.Timestamp})
	if err := s.writeIndex(idx); err != nil {
		return nil, err
	}
	if err := s.step(stepIndex); err != nil {
		return nil, err
	}

	// (e) done
	if err := s.removeMarker(); err != nil {
		return nil, err
	}

	slog.Info("committed build", "build_id", id, "path", final)
	return b, nil
}

func (s *Store) step(name string) error {
	if s.afterStep == nil {
		return nil
	}
	return s.afterStep(name)
}

// Recover resolves an interrupted commit. It must run, with the lock held,
// before any other history read. It returns nil when there was nothing to
// recover.
//
// A commit whose directory exists and is indexed is completed: latest is
// re-pointed to the index head. Anything else is rolled back: the orphan
// directory and leftover staging are removed, a dangling index entry is
// dropped, and latest is restored to the index head. An unreadable marker
// is an IncompleteCommit error that needs manual intervention.
func (s *Store) Recover() (*Recovery, error) {
	if err := s.requireLock("recover"); err != nil {
		return nil, err
	}

	m, err := s.readMarker()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, s.removeLatestTmp()
	}
	if err != nil {
		return nil, record.NewIncompleteCommitError(err)
	}

	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}

	final := s.BuildDir(m.BuildID)
	present := isDir(final)
	indexed := idx.contains(m.BuildID)
	rec := &Recovery{BuildID: m.BuildID}

	if present && indexed {
		slog.Warn("completing interrupted commit", "build_id", m.BuildID)
	} else {
		rec.RolledBack = true
		slog.Warn("rolling back interrupted commit", "build_id", m.BuildID, "promoted", present, "indexed", indexed)

		if indexed {
			idx.remove(m.BuildID)
			if err := s.writeIndex(idx); err != nil {
				return nil, err
			}
		}
		if present {
			if err := os.RemoveAll(final); err != nil {
				return nil, fmt.Errorf("removing orphan build %s: %w", m.BuildID, err)
			}
		}
		if s.underTmp(m.Staging) {
			if err := os.RemoveAll(m.Staging); err != nil {
				return nil, fmt.Errorf("removing staging %s: %w", m.Staging, err)
			}
		}
	}

	if err := s.restoreLatest(idx.head()); err != nil {
		return nil, err
	}
	if err := s.removeLatestTmp(); err != nil {
		return nil, err
	}
	if err := s.removeMarker(); err != nil {
		return nil, err
	}
	return rec, nil
}

// EnsureConsistent is the reader's startup check. If a commit marker exists
// and no writer holds the lock, it recovers. If a writer holds the lock the
// commit is in progress and reads proceed.
func (s *Store) EnsureConsistent() error {
	if _, err := os.Lstat(s.path(BuildsDir, MarkerFile)); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if s.Locked() {
		_, err := s.Recover()
		return err
	}

	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring history lock: %w", err)
	}
	if !ok {
		return nil
	}
	defer s.lock.Unlock()

	_, err = s.Recover()
	return err
}

// restoreLatest points latest at id, or removes it when id is "".
func (s *Store) restoreLatest(id string) error {
	if id == "" {
		err := os.Remove(s.path(BuildsDir, LatestLink))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing latest pointer: %w", err)
		}
		return nil
	}

	current, err := s.latestID()
	if err == nil && current == id {
		return nil
	}
	return s.pointLatest(id)
}

// pointLatest replaces the latest symlink without a window where it is
// missing: a new link is created under a temporary name and renamed over
// the old one.
func (s *Store) pointLatest(id string) error {
	tmp := s.path(BuildsDir, latestTmp)
	if err := s.removeLatestTmp(); err != nil {
		return err
	}
	if err := os.Symlink(id, tmp); err != nil {
		return fmt.Errorf("creating latest pointer: %w", err)
	}
	if err := os.Rename(tmp, s.path(BuildsDir, LatestLink)); err != nil {
		return fmt.Errorf("replacing latest pointer: %w", err)
	}
	return nil
}

func (s *Store) removeLatestTmp() error {
	err := os.Remove(s.path(BuildsDir, latestTmp))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", latestTmp, err)
	}
	return nil
}

func (s *Store) writeMarker(m commitMarker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding commit marker: %w", err)
	}
	if err := atomicwriter.WriteFile(s.path(BuildsDir, MarkerFile), data, 0o644); err != nil {
		return fmt.Errorf("writing commit marker: %w", err)
	}
	return nil
}

func (s *Store) readMarker() (*commitMarker, error) {
	data, err := os.ReadFile(s.path(BuildsDir, MarkerFile))
	if err != nil {
		return nil, err
	}

	var m commitMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing commit marker: %w", err)
	}
	if err := ValidateID(m.BuildID); err != nil {
		return nil, fmt.Errorf("commit marker: %w", err)
	}
	return &m, nil
}

func (s *Store) removeMarker() error {
	err := os.Remove(s.path(BuildsDir, MarkerFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing commit marker: %w", err)
	}
	return nil
}

// underTmp reports whether path is strictly inside the tmp directory.
func (s *Store) underTmp(path string) bool {
	if path == "" {
		return false
	}
	rel, err := filepath.Rel(s.path(TmpDir), path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}
