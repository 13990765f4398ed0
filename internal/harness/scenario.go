package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/kiln/internal/pipeline"
)

// Scenario is a scripted sequence of build runs.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Images are the kinds image.yaml declares. Defaults to qemu and metal.
	Images []string `yaml:"images,omitempty"`

	// Retention applies after every committed build.
	Retention Retention `yaml:"retention,omitempty"`

	// Steps are the runs, in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final history and the recorded runs.
	Assertions []Assertion `yaml:"assertions"`
}

// Retention mirrors the retention settings.
type Retention struct {
	Keep   int    `yaml:"keep,omitempty"`
	MaxAge string `yaml:"max_age,omitempty"` // Go duration, e.g. "720h"
}

// Step is one build run.
type Step struct {
	// Compose is what the compose tool reports for this run.
	Compose ComposeStep `yaml:"compose"`

	// ComposeError, when set, makes the compose tool fail with it.
	ComposeError string `yaml:"compose_error,omitempty"`

	// Config is the image definition revision.
	Config int `yaml:"config"`

	Kinds      []string `yaml:"kinds,omitempty"`
	Force      bool     `yaml:"force,omitempty"`
	InsertOnly bool     `yaml:"insert_only,omitempty"`

	// Fail lists image kinds whose generation fails in this run.
	Fail []string `yaml:"fail,omitempty"`

	// Expect validates the run's outcome. Optional.
	Expect *Expect `yaml:"expect,omitempty"`
}

// ComposeStep is a compose tool result.
type ComposeStep struct {
	Tree    string `yaml:"tree"`
	Version string `yaml:"version"`
	Changed bool   `yaml:"changed,omitempty"`
}

// Expect specifies a run's expected outcome. Unset fields are not checked.
type Expect struct {
	Outcome    string `yaml:"outcome"`
	Build      string `yaml:"build,omitempty"`
	Generation *int   `yaml:"generation,omitempty"`
	Error      string `yaml:"error,omitempty"` // Error code of an aborted run
	Resumed    *bool  `yaml:"resumed,omitempty"`
}

// Assertion validates the state left after all steps.
type Assertion struct {
	// Type specifies the assertion type:
	// - "history": index order equals Builds
	// - "latest": latest points at Build
	// - "states": step Step entered exactly States
	// - "image_count": Kind was generated Count times
	// - "staging_count": Count staging areas remain
	Type string `yaml:"type"`

	Builds []string `yaml:"builds,omitempty"`
	Build  string   `yaml:"build,omitempty"`
	Step   int      `yaml:"step,omitempty"` // 1-based
	States []string `yaml:"states,omitempty"`
	Kind   string   `yaml:"kind,omitempty"`
	Count  int      `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertHistory      = "history"
	AssertLatest       = "latest"
	AssertStates       = "states"
	AssertImageCount   = "image_count"
	AssertStagingCount = "staging_count"
)

// DefaultImages are the kinds used when a scenario names none.
var DefaultImages = []string{"qemu", "metal"}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict fields catch typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if len(scenario.Images) == 0 {
		scenario.Images = append([]string(nil), DefaultImages...)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// maxAge parses the retention age limit. Empty means no limit.
func (r Retention) maxAge() (time.Duration, error) {
	if r.MaxAge == "" {
		return 0, nil
	}
	return time.ParseDuration(r.MaxAge)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Retention.Keep < 0 {
		return fmt.Errorf("retention.keep must not be negative")
	}
	if _, err := s.Retention.maxAge(); err != nil {
		return fmt.Errorf("retention.max_age: %w", err)
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, len(s.Steps)); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	if st.ComposeError == "" {
		if st.Compose.Tree == "" {
			return fmt.Errorf("steps[%d]: compose.tree is required", index)
		}
		if st.Compose.Version == "" {
			return fmt.Errorf("steps[%d]: compose.version is required", index)
		}
	}
	if st.Expect == nil {
		return nil
	}
	switch pipeline.Outcome(st.Expect.Outcome) {
	case pipeline.OutcomeBuilt, pipeline.OutcomeSkipped:
		if st.Expect.Error != "" {
			return fmt.Errorf("steps[%d].expect: error is only valid for aborted runs", index)
		}
	case pipeline.OutcomeAborted:
	default:
		return fmt.Errorf("steps[%d].expect: outcome must be built, skipped or aborted, got %q", index, st.Expect.Outcome)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, steps int) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertHistory, AssertLatest:
	case AssertStates:
		if a.Step < 1 || a.Step > steps {
			return fmt.Errorf("assertions[%d]: step must be between 1 and %d", index, steps)
		}
		if len(a.States) == 0 {
			return fmt.Errorf("assertions[%d]: states list is required for states", index)
		}
	case AssertImageCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for image_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for image_count", index)
		}
	case AssertStagingCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for staging_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
