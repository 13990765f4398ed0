package harness

import "fmt"

// StepTrace records what one step's run did.
type StepTrace struct {
	Step       int      `json:"step"` // 1-based
	RunID      string   `json:"run_id"`
	Outcome    string   `json:"outcome"`
	BuildID    string   `json:"build,omitempty"`
	Generation int      `json:"generation"`
	Reason     string   `json:"reason,omitempty"`
	Error      string   `json:"error,omitempty"` // Error code of an aborted run
	Resumed    bool     `json:"resumed,omitempty"`
	States     []string `json:"states"` // As journaled
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Steps has one trace per scenario step.
	Steps []StepTrace `json:"steps"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepTrace{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddErrorf is AddError with formatting.
func (r *Result) AddErrorf(format string, args ...any) {
	r.AddError(fmt.Sprintf(format, args...))
}
