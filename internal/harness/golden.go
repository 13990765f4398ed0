package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/kiln/internal/checksum"
	"github.com/roach88/kiln/internal/pipeline"
)

// Snapshot is the stable part of a scenario run: outcomes, build ids and
// state traces. Run ids, paths and checksums are left out.
type Snapshot struct {
	ScenarioName string
	Steps        []StepTrace
}

// toCanonicalMap converts a Snapshot for canonical JSON serialization.
func (s *Snapshot) toCanonicalMap() map[string]any {
	steps := make([]any, len(s.Steps))
	for i, st := range s.Steps {
		states := make([]any, len(st.States))
		for j, state := range st.States {
			states[j] = state
		}
		m := map[string]any{
			"step":    st.Step,
			"outcome": st.Outcome,
			"states":  states,
		}
		if st.BuildID != "" {
			m["build"] = st.BuildID
		}
		if st.Outcome == string(pipeline.OutcomeAborted) {
			m["error"] = st.Error
		} else {
			m["generation"] = st.Generation
			m["reason"] = st.Reason
		}
		if st.Resumed {
			m["resumed"] = true
		}
		steps[i] = m
	}
	return map[string]any{
		"scenario": s.ScenarioName,
		"steps":    steps,
	}
}

// RunWithGolden executes a scenario under root and compares its snapshot
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass.
func RunWithGolden(t *testing.T, scenario *Scenario, root string) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, root)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := Snapshot{ScenarioName: scenarioName, Steps: result.Steps}
	data, err := checksum.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
