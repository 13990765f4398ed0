package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/kiln/internal/collab"
	"github.com/roach88/kiln/internal/config"
	"github.com/roach88/kiln/internal/decide"
	"github.com/roach88/kiln/internal/history"
	"github.com/roach88/kiln/internal/record"
)

// State is a coordinator state.
type State string

const (
	StateInit          State = "INIT"
	StateComposeOrSkip State = "COMPOSE_OR_SKIP"
	StateSkipped       State = "SKIPPED"
	StateComposed      State = "COMPOSED"
	StateImageBuild    State = "IMAGE_BUILD"
	StateMetadataMerge State = "METADATA_MERGE"
	StateCommit        State = "COMMIT"
	StatePrune         State = "PRUNE"
	StateDone          State = "DONE"
	StateAborted       State = "ABORTED"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// Outcome summarises a finished run.
type Outcome string

const (
	OutcomeBuilt   Outcome = "built"
	OutcomeSkipped Outcome = "skipped"
	OutcomeAborted Outcome = "aborted"
)

// runContext carries everything one run knows. Stages read what earlier
// stages filled in and add their own results.
type runContext struct {
	id      string
	req     Request
	started time.Time
	log     *slog.Logger

	state      State
	stateSince time.Time
	history    []State

	kinds     []string
	arch      string
	previous  *record.Build
	recovered *history.Recovery

	compose  *collab.ComposeResult
	source   decide.MetadataSource
	decision *decide.Decision

	staging   *history.Staging
	artifacts map[string]record.Artifact
	build     *record.Build
	pruned    []string
	warnings  []string
}

func (rc *runContext) definition() *config.ImageDefinition { return rc.req.Definition }

func (rc *runContext) warn(msg string, args ...any) {
	rc.log.Warn(msg, args...)
	rc.warnings = append(rc.warnings, msg)
}

// enter moves the run to s, logging and journaling the transition.
func (c *Coordinator) enter(ctx context.Context, rc *runContext, s State, detail map[string]any) {
	now := c.now()
	if rc.state != "" && c.metrics != nil {
		c.metrics.StateDone(string(rc.state), now.Sub(rc.stateSince))
	}
	rc.state = s
	rc.stateSince = now
	rc.history = append(rc.history, s)

	attrs := []any{"state", string(s)}
	for k, v := range detail {
		attrs = append(attrs, k, v)
	}
	rc.log.Info("state transition", attrs...)

	if c.journal != nil {
		// The journal is an audit trail; a write failure never stops a build.
		if err := c.journal.RecordTransition(context.WithoutCancel(ctx), rc.id, string(s), now, detail); err != nil {
			rc.log.Warn("journal transition failed", "error", err)
		}
	}
}
