package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/kiln/internal/checksum"
	"github.com/roach88/kiln/internal/collab"
	"github.com/roach88/kiln/internal/decide"
	"github.com/roach88/kiln/internal/history"
	"github.com/roach88/kiln/internal/record"
)

// composeOrSkip runs the compose tool, finds the metadata source for its
// tree and applies the decision. It reports true when the run should skip.
func (c *Coordinator) composeOrSkip(ctx context.Context, rc *runContext) (bool, error) {
	c.enter(ctx, rc, StateComposeOrSkip, map[string]any{"force": rc.req.Force})
	if err := canceled(ctx, StateComposeOrSkip); err != nil {
		return false, err
	}

	scratch, err := c.store.ScratchDir("compose-" + rc.id)
	if err != nil {
		return false, err
	}
	out, err := c.composer.Compose(ctx, collab.ComposeRequest{
		CacheOnly:     !rc.req.Fetch,
		Force:         rc.req.Force,
		ExtraMetadata: rc.req.ExtraMetadata,
		WorkDir:       scratch,
	})
	if err != nil {
		// The scratch directory stays for inspection.
		return false, record.NewCollaboratorError(string(StateComposeOrSkip), "", err)
	}
	if err := os.RemoveAll(scratch); err != nil {
		rc.log.Warn("removing compose scratch", "path", scratch, "error", err)
	}
	rc.log.Info("composed", "tree_commit", out.TreeCommit, "version", out.Version, "changed", out.Changed)

	if err := c.resolveMetadata(rc, out); err != nil {
		return false, err
	}

	var version string
	if rc.compose != nil {
		version = rc.compose.Version
	}
	d, err := decide.Decide(decide.Input{
		Previous:       rc.previous,
		TreeCommit:     out.TreeCommit,
		Version:        version,
		ConfigChecksum: rc.definition().Checksum,
		Force:          rc.req.Force,
		Source:         rc.source,
		Exists:         c.store.Contains,
		HasStaging: func(id, sum string) (bool, error) {
			st, err := c.store.FindStaging(id, sum)
			return st != nil, err
		},
	})
	if err != nil {
		return false, err
	}
	rc.decision = d
	rc.log.Info("decided", "action", string(d.Action), "build_id", d.BuildID, "generation", d.Generation, "reason", d.Reason)

	if d.Action == decide.ActionSkip {
		return true, nil
	}

	if rc.source == decide.SourceCompose {
		if err := c.store.SaveCompose(rc.compose); err != nil {
			rc.warn("caching compose output failed", "error", err)
		}
	}
	return false, c.openStaging(rc)
}

// resolveMetadata picks where compose metadata for the tree comes from: a
// changed compose, the previous-compose cache, or the previous build of the
// same tree.
func (c *Coordinator) resolveMetadata(rc *runContext, out *collab.ComposeResult) error {
	if out.Changed {
		rc.compose, rc.source = out, decide.SourceCompose
		return nil
	}

	cached, err := c.store.LoadCompose(out.TreeCommit)
	if err != nil {
		return err
	}
	if cached != nil {
		rc.compose, rc.source = cached, decide.SourceCache
		return nil
	}

	if prev := rc.previous; prev != nil && prev.TreeCommit == out.TreeCommit {
		rc.compose = &collab.ComposeResult{
			TreeCommit: prev.TreeCommit,
			Version:    prev.Version,
			Ref:        prev.Ref,
			Metadata:   prev.Extra,
		}
		rc.source = decide.SourcePrevious
		return nil
	}

	rc.compose, rc.source = nil, decide.SourceNone
	return nil
}

// openStaging resumes the staging area of an earlier attempt or starts a
// fresh one.
func (c *Coordinator) openStaging(rc *runContext) error {
	d := rc.decision
	if d.Resume {
		st, err := c.store.FindStaging(d.BuildID, d.ImageInputChecksum)
		if err != nil {
			return err
		}
		if st == nil {
			return fmt.Errorf("resume %s: %w", d.BuildID, errNoStaging)
		}
		rc.staging = st
		rc.log.Info("resuming staging", "build_id", d.BuildID, "path", st.Path)
		return nil
	}

	st, err := c.store.BeginStaging(history.StagingState{
		RunID:              rc.id,
		BuildID:            d.BuildID,
		TreeCommit:         rc.compose.TreeCommit,
		ImageInputChecksum: d.ImageInputChecksum,
		Created:            rc.started,
	})
	if err != nil {
		return err
	}
	rc.staging = st
	return nil
}

// ArtifactName is the file name of one image kind inside a build.
func ArtifactName(name, buildID, kind string) string {
	return fmt.Sprintf("%s-%s-%s.img", name, buildID, kind)
}

// imageBuild generates every requested kind, at most parallelism at a
// time. A failing kind does not stop the others; all failures are
// reported once every generation has finished.
func (c *Coordinator) imageBuild(ctx context.Context, rc *runContext) error {
	c.enter(ctx, rc, StateImageBuild, map[string]any{"kinds": strings.Join(rc.kinds, ",")})
	if err := canceled(ctx, StateImageBuild); err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		errs   *multierror.Error
		failed []string
		g      errgroup.Group
	)
	rc.artifacts = make(map[string]record.Artifact, len(rc.kinds))
	g.SetLimit(c.parallelism)

	for _, kind := range rc.kinds {
		g.Go(func() error {
			art, err := c.buildImage(ctx, rc, kind)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rc.log.Error("image build failed", "kind", kind, "error", err)
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", kind, err))
				failed = append(failed, kind)
				return nil
			}
			rc.artifacts[kind] = art
			return nil
		})
	}
	_ = g.Wait()

	if err := errs.ErrorOrNil(); err != nil {
		slices.Sort(failed)
		return &record.Error{
			Code:    record.ErrCodeCollaborator,
			Message: fmt.Sprintf("%d of %d image kinds failed", len(failed), len(rc.kinds)),
			Stage:   string(StateImageBuild),
			Kind:    strings.Join(failed, ","),
			BuildID: rc.decision.BuildID,
			Err:     err,
		}
	}
	return nil
}

// buildImage produces one kind. An image already present in staging is
// reused. A new image is written to a temporary file, cleaned, and only
// then renamed into place, so presence means complete.
func (c *Coordinator) buildImage(ctx context.Context, rc *runContext, kind string) (record.Artifact, error) {
	name := ArtifactName(rc.definition().Name, rc.decision.BuildID, kind)
	final := rc.staging.File(name)
	log := rc.log.With("kind", kind, "build_id", rc.decision.BuildID)

	var took time.Duration
	_, statErr := os.Stat(final)
	switch {
	case statErr == nil:
		log.Info("reusing image from earlier attempt", "path", final)
	case errors.Is(statErr, fs.ErrNotExist):
		tmp := final + ".tmp"
		if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return record.Artifact{}, err
		}

		start := c.now()
		if err := c.images.BuildImage(ctx, collab.ImageRequest{TreeCommit: rc.compose.TreeCommit, Kind: kind, Output: tmp}); err != nil {
			return record.Artifact{}, err
		}
		if c.cleaner != nil {
			if err := c.cleaner.Clean(ctx, tmp); err != nil {
				return record.Artifact{}, fmt.Errorf("cleanup: %w", err)
			}
		}
		if err := os.Rename(tmp, final); err != nil {
			return record.Artifact{}, fmt.Errorf("promoting image: %w", err)
		}
		took = c.now().Sub(start)
		log.Info("generated image", "path", final, "took", took)
	default:
		return record.Artifact{}, statErr
	}

	sum, size, err := checksum.FileDigest(final)
	if err != nil {
		return record.Artifact{}, err
	}
	if took > 0 && c.metrics != nil {
		c.metrics.ImageBuilt(kind, took, size)
	}
	return record.Artifact{Path: name, SHA256: sum, Size: size}, nil
}

// metadataMerge writes meta.json and commitmeta.json into staging.
func (c *Coordinator) metadataMerge(ctx context.Context, rc *runContext) error {
	c.enter(ctx, rc, StateMetadataMerge, map[string]any{"source": string(rc.source)})
	if err := canceled(ctx, StateMetadataMerge); err != nil {
		return err
	}

	def := rc.definition()
	b, err := record.Merge(record.MergeInput{
		Compose: record.ComposeLayer{
			TreeCommit: rc.compose.TreeCommit,
			Version:    rc.compose.Version,
			Ref:        rc.compose.Ref,
			Metadata:   rc.compose.Metadata,
		},
		Run: record.RunLayer{
			BuildID:            rc.decision.BuildID,
			Name:               def.Name,
			Summary:            def.Summary,
			Arch:               rc.arch,
			Generation:         rc.decision.Generation,
			ImageInputChecksum: rc.decision.ImageInputChecksum,
			ConfigChecksum:     def.Checksum,
			Timestamp:          rc.started.UTC().Truncate(time.Second),
		},
		Artifacts:  rc.artifacts,
		Provenance: rc.req.Provenance,
		Extra:      rc.req.ExtraMetadata,
	})
	if err != nil {
		return err
	}

	if err := rc.staging.WriteJSON(record.MetaFile, b); err != nil {
		return err
	}

	commitMeta, err := c.commitMeta(rc)
	if err != nil {
		return err
	}
	if commitMeta != nil {
		if err := rc.staging.WriteJSON(record.CommitMetaFile, commitMeta); err != nil {
			return err
		}
	}
	rc.build = b
	return nil
}

// commitMeta returns the package-level metadata for the build. Without a
// compose document it is carried over from the previous build of the tree.
func (c *Coordinator) commitMeta(rc *runContext) (map[string]any, error) {
	if rc.compose.CommitMeta != nil {
		return rc.compose.CommitMeta, nil
	}
	if rc.source != decide.SourcePrevious {
		return nil, nil
	}

	data, err := os.ReadFile(filepath.Join(c.store.BuildDir(rc.previous.ID), record.CommitMetaFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading previous %s: %w", record.CommitMetaFile, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, record.NewCorruptHistoryError(rc.previous.ID, err)
	}
	return m, nil
}

// commit promotes staging. A failed commit is recovered immediately so the
// next run starts from a consistent history.
func (c *Coordinator) commit(ctx context.Context, rc *runContext) error {
	c.enter(ctx, rc, StateCommit, map[string]any{"build_id": rc.decision.BuildID})
	// Cancellation is honoured up to here; a commit always runs to the end.
	if err := canceled(ctx, StateCommit); err != nil {
		return err
	}

	b, err := c.store.Commit(rc.staging, rc.decision.BuildID)
	if err != nil {
		rec, recErr := c.store.Recover()
		if recErr != nil {
			return errors.Join(err, recErr)
		}
		if rec != nil && !rec.RolledBack {
			rc.warn("commit completed by recovery", "build_id", rec.BuildID, "error", err)
			b, err = c.store.Get(rec.BuildID)
			if err != nil {
				return err
			}
			rc.build = b
			return nil
		}
		return err
	}
	rc.build = b
	return nil
}

// prune applies retention. The build is already committed, so a failure is
// a warning, not an abort.
func (c *Coordinator) prune(ctx context.Context, rc *runContext) {
	c.enter(ctx, rc, StatePrune, map[string]any{"insert_only": rc.req.InsertOnly})

	res, err := c.policy.Apply(c.store, rc.req.InsertOnly, nil)
	if res != nil {
		rc.pruned = res.Removed
	}
	if err != nil {
		rc.warn("pruning failed", "error", err)
	}
}
