// Package decide implements the incremental build decision: skip, bump the
// generation, or start a new version.
//
// Decide is a pure function. Everything it needs about history is passed in
// through Input, including the lookups it may perform.
package decide

import (
	"fmt"

	"github.com/roach88/kiln/internal/checksum"
	"github.com/roach88/kiln/internal/record"
)

// Action is the outcome of a decision.
type Action string

const (
	// ActionSkip means the previous build already covers these inputs.
	ActionSkip Action = "skip"

	// ActionBuild means a new build is needed.
	ActionBuild Action = "build"
)

// MetadataSource names where compose metadata for the build comes from.
type MetadataSource string

const (
	SourceNone     MetadataSource = ""
	SourceCompose  MetadataSource = "compose"  // This run's compose output
	SourceCache    MetadataSource = "cache"    // Previous-compose cache
	SourcePrevious MetadataSource = "previous" // Previous build record for the same tree
)

// Input is everything a decision depends on.
type Input struct {
	Previous       *record.Build // nil if no build was ever committed
	TreeCommit     string
	Version        string // Base version embedded in the tree
	ConfigChecksum string
	Force          bool

	// Source is where compose metadata was found. A build with no source
	// cannot be produced.
	Source MetadataSource

	// Exists reports whether a build id is already committed.
	Exists func(id string) (bool, error)

	// HasStaging reports whether a staging area for this build and image
	// input checksum survives from an earlier attempt. Optional.
	HasStaging func(id, imageInputChecksum string) (bool, error)
}

// Decision is what the pipeline should do next.
type Decision struct {
	Action             Action
	BuildID            string
	Generation         int
	ImageInputChecksum string
	Resume             bool // Reuse an earlier staging area
	Reason             string
}

// Decide applies the decision table in order:
//
//  1. force never skips
//  2. an unchanged image input checksum skips
//  3. an unchanged tree bumps the previous generation
//  4. anything else starts generation 0 of the tree's version
//
// A build without a metadata source is NoResumableState. A computed id that
// is already committed is an InputError.
func Decide(in Input) (*Decision, error) {
	if in.TreeCommit == "" {
		return nil, record.NewInputError("tree commit is empty")
	}
	if in.ConfigChecksum == "" {
		return nil, record.NewInputError("config checksum is empty")
	}

	d := &Decision{ImageInputChecksum: checksum.InputChecksum(in.TreeCommit, in.ConfigChecksum)}
	prev := in.Previous

	if !in.Force && prev != nil && prev.ImageInputChecksum == d.ImageInputChecksum {
		d.Action = ActionSkip
		d.BuildID = prev.ID
		d.Generation = prev.Generation
		d.Reason = "image inputs unchanged since " + prev.ID
		return d, nil
	}

	if in.Source == SourceNone {
		return nil, record.NewNoResumableStateError(in.TreeCommit)
	}
	if in.Version == "" {
		return nil, record.NewInputError("no version for tree %s", in.TreeCommit)
	}

	d.Action = ActionBuild
	if prev != nil && prev.TreeCommit == in.TreeCommit {
		d.Generation = prev.Generation + 1
		d.BuildID = fmt.Sprintf("%s-%d", in.Version, d.Generation)
		d.Reason = "tree unchanged, image inputs changed"
		if in.Force && prev.ImageInputChecksum == d.ImageInputChecksum {
			d.Reason = "forced rebuild of unchanged inputs"
		}
	} else {
		d.Generation = 0
		d.BuildID = in.Version
		d.Reason = "new tree"
		if prev == nil {
			d.Reason = "first build"
		}
	}

	if in.Exists != nil {
		exists, err := in.Exists(d.BuildID)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, record.NewInputError("build %s already exists; the tree version did not change with its content", d.BuildID)
		}
	}

	if in.HasStaging != nil {
		resume, err := in.HasStaging(d.BuildID, d.ImageInputChecksum)
		if err != nil {
			return nil, err
		}
		d.Resume = resume
	}

	return d, nil
}
