// Package collab defines the external collaborators kiln drives and their
// subprocess implementations.
//
// The orchestrator only relies on the input/output contracts below. What a
// compose, image or cleanup tool does internally is outside kiln.
package collab

import (
	"context"
	"strings"

	"github.com/roach88/kiln/internal/record"
)

// ComposeRequest asks the compose tool for a tree.
type ComposeRequest struct {
	CacheOnly     bool           // Never fetch packages
	Force         bool           // Compose even if inputs look unchanged
	ExtraMetadata map[string]any // Passed through into the compose metadata
	WorkDir       string         // Scratch directory owned by the caller
}

// ComposeResult is what a compose produced. It is also the cached form kept
// in the previous-compose cache.
type ComposeResult struct {
	TreeCommit string         `json:"tree-commit"`
	Version    string         `json:"version"`
	Ref        string         `json:"ref,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CommitMeta map[string]any `json:"commitmeta,omitempty"`

	// Changed reports whether the tree differs from the previous compose.
	// It comes from a side-channel marker and is never cached.
	Changed bool `json:"-"`
}

// ProvisionalRef reports whether the compose assigned no stable ref.
func (r *ComposeResult) ProvisionalRef() bool {
	return r.Ref == "" || strings.HasPrefix(r.Ref, record.ProvisionalRefPrefix)
}

// Composer produces a tree from the package inputs.
type Composer interface {
	Compose(ctx context.Context, req ComposeRequest) (*ComposeResult, error)
}

// ImageRequest asks for one image kind generated from a tree.
type ImageRequest struct {
	TreeCommit string
	Kind       string
	Output     string // Temporary path; the caller renames on success
}

// ImageBuilder generates a raw image file from a tree.
type ImageBuilder interface {
	BuildImage(ctx context.Context, req ImageRequest) error
}

// Cleaner strips installer artifacts from an image in place.
type Cleaner interface {
	Clean(ctx context.Context, path string) error
}
