package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/roach88/kiln/internal/record"
)

// Names inside the history root.
const (
	BuildsDir  = "builds"
	IndexFile  = "builds.json"
	LatestLink = "latest"
	MarkerFile = ".commit.json"
	TmpDir     = "tmp"
	CacheDir   = "cache"
	LockFile   = ".lock"

	latestTmp = ".latest.tmp"
)

// lockRetryDelay is how often a blocking Lock polls the lock file.
const lockRetryDelay = 250 * time.Millisecond

// Store is a build history rooted at a directory.
type Store struct {
	root string
	lock *flock.Flock

	// afterStep, when set, runs after each commit step. Returning an error
	// stops the commit at that point, leaving disk state as a crash would.
	afterStep func(step string) error
}

// Open prepares the history layout under root and returns a Store.
// Open does not read history; writers call Lock then Recover, readers call
// EnsureConsistent.
func Open(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving history root: %w", err)
	}

	for _, dir := range []string{
		filepath.Join(abs, BuildsDir),
		filepath.Join(abs, TmpDir),
		filepath.Join(abs, CacheDir, composeCacheDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	return &Store{
		root: abs,
		lock: flock.New(filepath.Join(abs, LockFile)),
	}, nil
}

// Root returns the absolute history root.
func (s *Store) Root() string { return s.root }

// BuildDir returns the directory of a committed build.
func (s *Store) BuildDir(id string) string {
	return filepath.Join(s.root, BuildsDir, id)
}

func (s *Store) path(elem ...string) string {
	return filepath.Join(append([]string{s.root}, elem...)...)
}

// Lock acquires the exclusive history lock. With wait false it fails fast
// with HistoryLocked; with wait true it blocks until the lock is free or
// ctx is done.
func (s *Store) Lock(ctx context.Context, wait bool) error {
	var ok bool
	var err error
	if wait {
		ok, err = s.lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		ok, err = s.lock.TryLock()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("acquiring history lock: %w", err)
	}
	if !ok {
		return record.NewHistoryLockedError(s.root)
	}
	return nil
}

// Unlock releases the history lock.
func (s *Store) Unlock() error {
	return s.lock.Unlock()
}

// Locked reports whether this Store holds the history lock.
func (s *Store) Locked() bool {
	return s.lock.Locked()
}

func (s *Store) requireLock(op string) error {
	if !s.Locked() {
		return fmt.Errorf("%s requires the history lock", op)
	}
	return nil
}

// Latest returns the build the latest pointer references, or nil if no
// build was ever committed.
func (s *Store) Latest() (*record.Build, error) {
	id, err := s.latestID()
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}

	b, err := s.readMeta(s.BuildDir(id))
	if err != nil {
		return nil, record.NewCorruptHistoryError(id, fmt.Errorf("latest points to an unreadable build: %w", err))
	}
	return b, nil
}

// latestID returns the target of the latest pointer, or "" if it is absent.
func (s *Store) latestID() (string, error) {
	target, err := os.Readlink(s.path(BuildsDir, LatestLink))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", record.NewCorruptHistoryError("", fmt.Errorf("reading latest pointer: %w", err))
	}
	return filepath.Base(target), nil
}

// Get returns a committed build. Builds absent from the index are NotFound
// even if a directory of that name exists.
func (s *Store) Get(id string) (*record.Build, error) {
	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	if !idx.contains(id) {
		return nil, record.NewNotFoundError(id)
	}

	b, err := s.readMeta(s.BuildDir(id))
	if err != nil {
		return nil, record.NewCorruptHistoryError(id, err)
	}
	return b, nil
}

// List returns the index entries, newest first.
func (s *Store) List() ([]IndexEntry, error) {
	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	return idx.Builds, nil
}

// Contains reports whether id is committed.
func (s *Store) Contains(id string) (bool, error) {
	idx, err := s.readIndex()
	if err != nil {
		return false, err
	}
	return idx.contains(id), nil
}

// Delete removes a committed build. The index entry goes first so the
// build is never indexed without its directory. The latest build is never
// deleted.
func (s *Store) Delete(id string) error {
	if err := s.requireLock("delete"); err != nil {
		return err
	}

	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	if !idx.contains(id) {
		return record.NewNotFoundError(id)
	}

	latest, err := s.latestID()
	if err != nil {
		return err
	}
	if latest == id {
		return record.NewProtectedBuildError(id)
	}

	idx.remove(id)
	if err := s.writeIndex(idx); err != nil {
		return err
	}
	if err := os.RemoveAll(s.BuildDir(id)); err != nil {
		return fmt.Errorf("removing build %s: %w", id, err)
	}
	return nil
}

// readMeta loads and validates meta.json from a build or staging directory.
func (s *Store) readMeta(dir string) (*record.Build, error) {
	data, err := os.ReadFile(filepath.Join(dir, record.MetaFile))
	if err != nil {
		return nil, err
	}

	var b record.Build
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", record.MetaFile, err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", record.MetaFile, err)
	}
	return &b, nil
}

// ValidateID checks that id can name a build directory without colliding
// with the history's own files.
func ValidateID(id string) error {
	switch {
	case id == "":
		return errors.New("empty build id")
	case strings.HasPrefix(id, "."):
		return fmt.Errorf("build id %q must not start with a dot", id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("build id %q must not contain path separators", id)
	case id == LatestLink || id == IndexFile:
		return fmt.Errorf("build id %q is reserved", id)
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
