package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/kiln/internal/history"
	"github.com/roach88/kiln/internal/testutil"
)

// AssertionContext is what assertions evaluate against.
type AssertionContext struct {
	Store  *history.Store
	Images *testutil.FakeImageBuilder
	Steps  []StepTrace
}

// AssertionError is returned when an assertion fails.
// It includes the step traces to help debug the failure.
type AssertionError struct {
	Type     string      // Assertion type for categorization
	Expected string      // Human-readable expected outcome
	Actual   string      // Human-readable actual outcome
	Steps    []StepTrace // All steps for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nSteps:\n")
	for _, st := range e.Steps {
		fmt.Fprintf(&buf, "  [%d] %s %s", st.Step, st.Outcome, st.BuildID)
		if st.Error != "" {
			fmt.Fprintf(&buf, " (%s)", st.Error)
		}
		buf.WriteString("\n")
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertHistory:
		return assertHistory(a, actx)
	case AssertLatest:
		return assertLatest(a, actx)
	case AssertStates:
		return assertStates(a, actx)
	case AssertImageCount:
		return assertImageCount(a, actx)
	case AssertStagingCount:
		return assertStagingCount(a, actx)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertHistory checks the committed builds in index order.
func assertHistory(a Assertion, actx *AssertionContext) error {
	entries, err := actx.Store.List()
	if err != nil {
		return err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	want := a.Builds
	if want == nil {
		want = []string{}
	}
	if !slices.Equal(ids, want) {
		return &AssertionError{
			Type:     AssertHistory,
			Expected: fmt.Sprintf("%v", want),
			Actual:   fmt.Sprintf("%v", ids),
			Steps:    actx.Steps,
		}
	}
	return nil
}

// assertLatest checks which build latest points at.
func assertLatest(a Assertion, actx *AssertionContext) error {
	b, err := actx.Store.Latest()
	if err != nil {
		return err
	}
	var got string
	if b != nil {
		got = b.ID
	}
	if got != a.Build {
		return &AssertionError{
			Type:     AssertLatest,
			Expected: fmt.Sprintf("%q", a.Build),
			Actual:   fmt.Sprintf("%q", got),
			Steps:    actx.Steps,
		}
	}
	return nil
}

// assertStates checks the journaled state sequence of one step.
func assertStates(a Assertion, actx *AssertionContext) error {
	if a.Step < 1 || a.Step > len(actx.Steps) {
		return fmt.Errorf("step %d was not run", a.Step)
	}
	got := actx.Steps[a.Step-1].States
	if !slices.Equal(got, a.States) {
		return &AssertionError{
			Type:     AssertStates,
			Expected: fmt.Sprintf("step %d states %v", a.Step, a.States),
			Actual:   fmt.Sprintf("%v", got),
			Steps:    actx.Steps,
		}
	}
	return nil
}

// assertImageCount checks how often a kind was generated over all steps.
func assertImageCount(a Assertion, actx *AssertionContext) error {
	if got := actx.Images.Calls(a.Kind); got != a.Count {
		return &AssertionError{
			Type:     AssertImageCount,
			Expected: fmt.Sprintf("%s generated %d time(s)", a.Kind, a.Count),
			Actual:   fmt.Sprintf("%d", got),
			Steps:    actx.Steps,
		}
	}
	return nil
}

// assertStagingCount checks how many staging areas are left.
func assertStagingCount(a Assertion, actx *AssertionContext) error {
	staging, err := actx.Store.ListStaging()
	if err != nil {
		return err
	}
	if len(staging) != a.Count {
		return &AssertionError{
			Type:     AssertStagingCount,
			Expected: fmt.Sprintf("%d staging area(s)", a.Count),
			Actual:   fmt.Sprintf("%d", len(staging)),
			Steps:    actx.Steps,
		}
	}
	return nil
}
