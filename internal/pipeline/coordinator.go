package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/kiln/internal/collab"
	"github.com/roach88/kiln/internal/config"
	"github.com/roach88/kiln/internal/history"
	"github.com/roach88/kiln/internal/journal"
	"github.com/roach88/kiln/internal/metrics"
	"github.com/roach88/kiln/internal/prune"
	"github.com/roach88/kiln/internal/record"
)

// DefaultParallelism is how many image kinds are generated at once.
const DefaultParallelism = 2

// RunIDGenerator names runs. Run ids tag journal entries, staging areas
// and log lines.
type RunIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable run ids.
type UUIDv7Generator struct{}

// Generate returns a new UUIDv7 string.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Journal records runs and their transitions.
type Journal interface {
	BeginRun(ctx context.Context, id string, started time.Time) error
	RecordTransition(ctx context.Context, runID, state string, at time.Time, detail map[string]any) error
	FinishRun(ctx context.Context, runID string, f journal.Finish) error
}

// Request describes one build attempt.
type Request struct {
	Definition *config.ImageDefinition

	// Kinds restricts the image kinds to generate. Empty means every kind
	// the definition declares.
	Kinds []string

	Arch          string // Used when the definition names none
	Force         bool   // Never skip; recompose and rebuild
	Fetch         bool   // Let compose fetch packages instead of cache-only
	InsertOnly    bool   // Add the build without pruning
	ExtraMetadata map[string]any
	Provenance    record.Provenance
}

func (r Request) validate() ([]string, error) {
	if r.Definition == nil {
		return nil, record.NewInputError("no image definition")
	}
	if len(r.Kinds) == 0 {
		return slices.Clone(r.Definition.Kinds), nil
	}
	for _, kind := range r.Kinds {
		if !r.Definition.HasKind(kind) {
			return nil, record.NewInputError("image kind %q is not declared in %s", kind, config.DefinitionFile)
		}
	}
	return slices.Clone(r.Kinds), nil
}

// Result is the outcome of a successful run.
type Result struct {
	Outcome   Outcome           `json:"outcome"`
	RunID     string            `json:"run_id"`
	Build     *record.Build     `json:"build"`
	Reason    string            `json:"reason"`
	Resumed   bool              `json:"resumed,omitempty"`
	Recovered *history.Recovery `json:"recovered,omitempty"`
	Pruned    []string          `json:"pruned,omitempty"`
	Warnings  []string          `json:"warnings,omitempty"`
	States    []State           `json:"states"`
}

// Coordinator runs builds against one history.
type Coordinator struct {
	store    *history.Store
	composer collab.Composer
	images   collab.ImageBuilder
	cleaner  collab.Cleaner
	policy   prune.Policy

	journal     Journal
	metrics     *metrics.Recorder
	metricsFile string
	now         func() time.Time
	runIDs      RunIDGenerator
	parallelism int
	waitForLock bool
	logger      *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithJournal records every run in j.
func WithJournal(j Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

// WithMetrics records run metrics in r and, if path is not empty, writes
// them as a textfile when each run ends.
func WithMetrics(r *metrics.Recorder, path string) Option {
	return func(c *Coordinator) {
		c.metrics = r
		c.metricsFile = path
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithRunIDGenerator replaces the UUIDv7 run id generator.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(c *Coordinator) { c.runIDs = g }
}

// WithParallelism bounds concurrent image kinds. Values below 1 mean 1.
func WithParallelism(n int) Option {
	return func(c *Coordinator) { c.parallelism = max(n, 1) }
}

// WithCleaner post-processes every generated image.
func WithCleaner(cl collab.Cleaner) Option {
	return func(c *Coordinator) { c.cleaner = cl }
}

// WithWaitForLock makes Run block until the history lock is free instead
// of failing with HistoryLocked.
func WithWaitForLock(wait bool) Option {
	return func(c *Coordinator) { c.waitForLock = wait }
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a Coordinator.
func New(store *history.Store, composer collab.Composer, images collab.ImageBuilder, policy prune.Policy, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		composer:    composer,
		images:      images,
		policy:      policy,
		now:         time.Now,
		runIDs:      UUIDv7Generator{},
		parallelism: DefaultParallelism,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy.Now == nil {
		c.policy.Now = c.now
	}
	return c
}

// Run performs one build attempt. A skip is a successful Result with
// OutcomeSkipped. Any error means the run aborted; history is left
// consistent either way.
func (c *Coordinator) Run(ctx context.Context, req Request) (*Result, error) {
	rc := &runContext{
		id:      c.runIDs.Generate(),
		req:     req,
		started: c.now(),
	}
	rc.log = c.logger.With("run_id", rc.id)

	if c.journal != nil {
		if err := c.journal.BeginRun(context.WithoutCancel(ctx), rc.id, rc.started); err != nil {
			rc.log.Warn("journal begin failed", "error", err)
		}
	}

	res, err := c.run(ctx, rc)
	c.finish(ctx, rc, res, err)
	return res, err
}

func (c *Coordinator) run(ctx context.Context, rc *runContext) (*Result, error) {
	kinds, err := rc.req.validate()
	if err != nil {
		return nil, err
	}
	rc.kinds = kinds

	if err := c.store.Lock(ctx, c.waitForLock); err != nil {
		return nil, err
	}
	defer func() {
		if err := c.store.Unlock(); err != nil {
			rc.log.Warn("releasing history lock", "error", err)
		}
	}()

	rec, err := c.store.Recover()
	if err != nil {
		return nil, err
	}
	if rec != nil {
		rc.recovered = rec
		rc.log.Warn("recovered interrupted commit", "build_id", rec.BuildID, "rolled_back", rec.RolledBack)
	}

	if err := c.initRun(ctx, rc); err != nil {
		return nil, err
	}

	skip, err := c.composeOrSkip(ctx, rc)
	if err != nil {
		return nil, err
	}
	if skip {
		c.enter(ctx, rc, StateSkipped, map[string]any{"build_id": rc.previous.ID, "reason": rc.decision.Reason})
		c.warnMissingKinds(rc)
		c.enter(ctx, rc, StateDone, nil)
		return c.result(rc, OutcomeSkipped, rc.previous), nil
	}

	c.enter(ctx, rc, StateComposed, map[string]any{
		"build_id":   rc.decision.BuildID,
		"generation": rc.decision.Generation,
		"source":     string(rc.source),
		"resume":     rc.decision.Resume,
	})

	if err := c.imageBuild(ctx, rc); err != nil {
		return nil, err
	}
	if err := c.metadataMerge(ctx, rc); err != nil {
		return nil, err
	}
	if err := c.commit(ctx, rc); err != nil {
		return nil, err
	}
	c.prune(ctx, rc)

	c.enter(ctx, rc, StateDone, map[string]any{"build_id": rc.build.ID})
	return c.result(rc, OutcomeBuilt, rc.build), nil
}

// initRun loads the previous build.
func (c *Coordinator) initRun(ctx context.Context, rc *runContext) error {
	c.enter(ctx, rc, StateInit, map[string]any{"config_checksum": rc.definition().Checksum})

	prev, err := c.store.Latest()
	if err != nil {
		return err
	}
	rc.previous = prev

	rc.arch = rc.definition().Arch
	if rc.arch == "" {
		rc.arch = rc.req.Arch
	}
	if rc.arch == "" {
		rc.arch = runtime.GOARCH
	}
	return nil
}

// warnMissingKinds flags requested kinds the skipped build never produced.
// The skip stands: unchanged inputs are sufficient to reuse a build.
func (c *Coordinator) warnMissingKinds(rc *runContext) {
	for _, kind := range rc.kinds {
		if _, ok := rc.previous.Artifacts[kind]; !ok {
			rc.warn(fmt.Sprintf("skipped build %s has no %s image; use --force to build it", rc.previous.ID, kind),
				"build_id", rc.previous.ID, "kind", kind)
		}
	}
}

func (c *Coordinator) result(rc *runContext, outcome Outcome, b *record.Build) *Result {
	res := &Result{
		Outcome:   outcome,
		RunID:     rc.id,
		Build:     b,
		Recovered: rc.recovered,
		Pruned:    rc.pruned,
		Warnings:  rc.warnings,
		States:    rc.history,
	}
	if rc.decision != nil {
		res.Reason = rc.decision.Reason
		res.Resumed = rc.decision.Resume
	}
	return res
}

// finish records the end of a run in the log, journal and metrics.
func (c *Coordinator) finish(ctx context.Context, rc *runContext, res *Result, runErr error) {
	ended := c.now()
	outcome := OutcomeAborted
	if runErr == nil {
		outcome = res.Outcome
	} else {
		c.enter(ctx, rc, StateAborted, map[string]any{"error_code": string(record.CodeOf(runErr))})
		rc.log.Error("run aborted", "error", runErr, "stage", stageOf(rc))
	}

	if c.journal != nil {
		f := journal.Finish{At: ended, Outcome: string(outcome), FinalState: string(rc.state)}
		if res != nil && res.Build != nil {
			f.BuildID = res.Build.ID
		} else if rc.decision != nil {
			f.BuildID = rc.decision.BuildID
		}
		if runErr != nil {
			f.ErrorCode = string(record.CodeOf(runErr))
			f.Error = runErr.Error()
		}
		if err := c.journal.FinishRun(context.WithoutCancel(ctx), rc.id, f); err != nil {
			rc.log.Warn("journal finish failed", "error", err)
		}
	}

	if c.metrics == nil {
		return
	}
	c.metrics.RunFinished(string(outcome), runErr == nil, ended, ended.Sub(rc.started))
	if runErr == nil {
		if entries, err := c.store.List(); err == nil {
			c.metrics.History(len(entries), res.Build.Generation, len(rc.pruned))
		}
	}
	if c.metricsFile != "" {
		if err := c.metrics.WriteTextfile(c.metricsFile); err != nil {
			rc.log.Warn("writing metrics", "error", err)
		}
	}
}

// stageOf names the last state entered before ABORTED.
func stageOf(rc *runContext) string {
	for i := len(rc.history) - 1; i >= 0; i-- {
		if s := rc.history[i]; s != StateAborted {
			return string(s)
		}
	}
	return ""
}

// canceled converts a context error into a run error naming the stage.
func canceled(ctx context.Context, s State) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", s, err)
	}
	return nil
}

var errNoStaging = errors.New("staging area vanished")
