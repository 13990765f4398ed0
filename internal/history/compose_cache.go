package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/moby/sys/atomicwriter"

	"github.com/roach88/kiln/internal/collab"
)

const (
	composeCacheDir  = "compose"
	composeCacheFile = "compose.json"
)

// SaveCompose keeps res as the previous-compose cache entry for its tree.
// Entries for every other tree are superseded and removed.
func (s *Store) SaveCompose(res *collab.ComposeResult) error {
	if err := validTree(res.TreeCommit); err != nil {
		return err
	}

	dir := s.path(CacheDir, composeCacheDir, res.TreeCommit)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating compose cache: %w", err)
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding compose cache: %w", err)
	}
	if err := atomicwriter.WriteFile(s.path(CacheDir, composeCacheDir, res.TreeCommit, composeCacheFile), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing compose cache: %w", err)
	}

	entries, err := os.ReadDir(s.path(CacheDir, composeCacheDir))
	if err != nil {
		return fmt.Errorf("listing compose cache: %w", err)
	}
	for _, e := range entries {
		if e.Name() == res.TreeCommit {
			continue
		}
		slog.Debug("superseding compose cache entry", "tree_commit", e.Name())
		if err := os.RemoveAll(s.path(CacheDir, composeCacheDir, e.Name())); err != nil {
			return fmt.Errorf("removing compose cache %s: %w", e.Name(), err)
		}
	}
	return nil
}

// LoadCompose returns the cached compose output for tree, or nil.
func (s *Store) LoadCompose(tree string) (*collab.ComposeResult, error) {
	if err := validTree(tree); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(CacheDir, composeCacheDir, tree, composeCacheFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading compose cache: %w", err)
	}

	var res collab.ComposeResult
	if err := json.Unmarshal(data, &res); err != nil {
		// A damaged cache is only a miss.
		slog.Warn("ignoring unreadable compose cache", "tree_commit", tree, "error", err)
		return nil, nil
	}
	if res.TreeCommit != tree {
		return nil, nil
	}
	return &res, nil
}

func validTree(tree string) error {
	if tree == "" || tree == "." || tree == ".." || strings.ContainsAny(tree, `/\`) {
		return fmt.Errorf("invalid tree commit %q", tree)
	}
	return nil
}
