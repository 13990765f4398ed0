// Package provenance records where the configuration of a build came from.
package provenance

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/roach88/kiln/internal/record"
)

// Inspect returns the provenance of the config directory dir.
//
// A directory outside any git repository yields an empty revision and a
// clean state. An empty repository (no commits yet) yields an empty
// revision, dirty if the worktree has changes.
func Inspect(dir string) (record.Provenance, error) {
	p := record.Provenance{CodeSource: record.CodeSource()}

	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("opening config repository: %w", err)
	}

	head, err := repo.Head()
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// No commits yet.
	case err != nil:
		return p, fmt.Errorf("resolving config HEAD: %w", err)
	default:
		p.ConfigRevision = head.Hash().String()
	}

	wt, err := repo.Worktree()
	if errors.Is(err, git.ErrIsBareRepository) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("opening config worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return p, fmt.Errorf("config worktree status: %w", err)
	}
	p.ConfigDirty = !status.IsClean()

	return p, nil
}
