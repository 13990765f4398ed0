package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/kiln/internal/config"
	"github.com/roach88/kiln/internal/history"
	"github.com/roach88/kiln/internal/journal"
	"github.com/roach88/kiln/internal/pipeline"
	"github.com/roach88/kiln/internal/prune"
	"github.com/roach88/kiln/internal/record"
	"github.com/roach88/kiln/internal/testutil"
)

// Epoch is the step clock's start. Every clock read advances it a minute.
var Epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Harness is the execution state of one scenario.
type Harness struct {
	scenario *Scenario
	store    *history.Store
	journal  *journal.Store
	composer *testutil.FakeComposer
	images   *testutil.FakeImageBuilder
	coord    *pipeline.Coordinator
}

// Run executes a scenario in a fresh history under root and returns the
// result. root must be an empty or missing directory.
//
// Execution flow:
// 1. Open history and run journal under root
// 2. Run each step through the coordinator with fake collaborators
// 3. Check each step's expect clause
// 4. Evaluate assertions against the final history
func Run(scenario *Scenario, root string) (*Result, error) {
	store, err := history.Open(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	j, err := journal.Open(filepath.Join(root, history.CacheDir, journal.FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open run journal: %w", err)
	}
	defer j.Close()

	maxAge, err := scenario.Retention.maxAge()
	if err != nil {
		return nil, err
	}

	h := &Harness{
		scenario: scenario,
		store:    store,
		journal:  j,
		composer: &testutil.FakeComposer{},
		images:   testutil.NewFakeImageBuilder(),
	}
	clock := testutil.NewStepClock(Epoch, time.Minute)
	h.coord = pipeline.New(store, h.composer, h.images,
		prune.Policy{Keep: scenario.Retention.Keep, MaxAge: maxAge},
		pipeline.WithClock(clock.Now),
		pipeline.WithRunIDGenerator(testutil.NewSequenceGenerator("run")),
		pipeline.WithJournal(j),
		pipeline.WithCleaner(&testutil.FakeCleaner{}),
		pipeline.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), // Suppress logs
	)

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		trace, err := h.runStep(ctx, i, step)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		result.Steps = append(result.Steps, *trace)
		checkExpect(result, trace, step.Expect)
	}

	actx := &AssertionContext{
		Store:  store,
		Images: h.images,
		Steps:  result.Steps,
	}
	for _, errMsg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

// runStep scripts the collaborators for one step and runs it. A run that
// aborts is a trace, not an error; only harness failures are errors.
func (h *Harness) runStep(ctx context.Context, index int, step Step) (*StepTrace, error) {
	h.composer.Set(step.Compose.Tree, step.Compose.Version, step.Compose.Changed)
	h.composer.Err = nil
	if step.ComposeError != "" {
		h.composer.Err = errors.New(step.ComposeError)
	}
	for _, kind := range h.scenario.Images {
		h.images.SetFail(kind, nil)
	}
	for _, kind := range step.Fail {
		h.images.SetFail(kind, fmt.Errorf("%s generation failed", kind))
	}

	def, err := h.definition(step.Config)
	if err != nil {
		return nil, err
	}

	res, runErr := h.coord.Run(ctx, pipeline.Request{
		Definition: def,
		Kinds:      step.Kinds,
		Force:      step.Force,
		InsertOnly: step.InsertOnly,
	})

	trace := &StepTrace{Step: index + 1}
	if runErr != nil {
		trace.Outcome = string(pipeline.OutcomeAborted)
		trace.Error = string(record.CodeOf(runErr))
		var kerr *record.Error
		if errors.As(runErr, &kerr) {
			trace.BuildID = kerr.BuildID
		}
		runs, err := h.journal.ListRuns(ctx, journal.Filter{Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(runs) == 1 {
			trace.RunID = runs[0].ID
		}
	} else {
		trace.RunID = res.RunID
		trace.Outcome = string(res.Outcome)
		trace.BuildID = res.Build.ID
		trace.Generation = res.Build.Generation
		trace.Reason = res.Reason
		trace.Resumed = res.Resumed
	}

	transitions, err := h.journal.Transitions(ctx, trace.RunID)
	if err != nil {
		return nil, err
	}
	trace.States = make([]string, len(transitions))
	for i, t := range transitions {
		trace.States[i] = t.State
	}
	return trace, nil
}

// definition builds image.yaml at a config revision.
func (h *Harness) definition(rev int) (*config.ImageDefinition, error) {
	doc := fmt.Sprintf("name: %s\nsummary: %s revision %d\narch: x86_64\nimages: [%s]\n",
		"scenario-os", h.scenario.Name, rev, strings.Join(h.scenario.Images, ", "))
	return config.ParseImageDefinition([]byte(doc))
}

// checkExpect compares a step's trace with its expect clause.
func checkExpect(result *Result, trace *StepTrace, expect *Expect) {
	if expect == nil {
		return
	}
	step := trace.Step
	if trace.Outcome != expect.Outcome {
		result.AddErrorf("step %d: expected outcome %s, got %s (error %q)", step, expect.Outcome, trace.Outcome, trace.Error)
		return
	}
	if expect.Build != "" && trace.BuildID != expect.Build {
		result.AddErrorf("step %d: expected build %s, got %s", step, expect.Build, trace.BuildID)
	}
	if expect.Generation != nil && trace.Generation != *expect.Generation {
		result.AddErrorf("step %d: expected generation %d, got %d", step, *expect.Generation, trace.Generation)
	}
	if expect.Error != "" && trace.Error != expect.Error {
		result.AddErrorf("step %d: expected error %s, got %s", step, expect.Error, trace.Error)
	}
	if expect.Resumed != nil && trace.Resumed != *expect.Resumed {
		result.AddErrorf("step %d: expected resumed=%t, got %t", step, *expect.Resumed, trace.Resumed)
	}
}
