package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/kbukum/sagakit/errors"
)

// StepFunc performs a step's forward action. The returned value is
// JSON-encoded into the snapshot and becomes visible to later steps and to
// the step's own compensation through StepContext.
type StepFunc func(ctx context.Context, sc *StepContext) (any, error)

// CompensateFunc semantically undoes a completed step.
type CompensateFunc func(ctx context.Context, sc *StepContext) error

// Step is one named unit of a saga.
type Step struct {
	// Name identifies the step within its definition. Required and unique.
	Name string
	// Target is the pipeline target the step calls. Defaults to the definition name.
	Target string
	// Group marks adjacent steps that run concurrently. Steps sharing a
	// non-empty Group must be declared next to each other.
	Group string
	// Timeout overrides the per-attempt timeout when > 0.
	Timeout time.Duration
	// MaxAttempts overrides the number of attempts when > 0.
	MaxAttempts int
	// Execute is the forward action. Required.
	Execute StepFunc
	// Compensate is the undo action. Optional.
	Compensate CompensateFunc
}

// Definition is an ordered list of steps under a name. Definitions are
// immutable once registered or executed.
type Definition struct {
	Name  string
	Steps []Step
}

// NewDefinition creates a definition with the given steps.
func NewDefinition(name string, steps ...Step) *Definition {
	return &Definition{Name: name, Steps: steps}
}

// Validate checks names, actions and group adjacency.
func (d *Definition) Validate() error {
	if d == nil || d.Name == "" {
		return apperrors.InvalidInput("name", "saga definition name is required")
	}
	if len(d.Steps) == 0 {
		return apperrors.InvalidInput("steps", fmt.Sprintf("saga %q has no steps", d.Name))
	}

	seen := make(map[string]bool, len(d.Steps))
	closedGroups := make(map[string]bool)
	prevGroup := ""
	for i, s := range d.Steps {
		if s.Name == "" {
			return apperrors.InvalidInput("steps", fmt.Sprintf("step %d has no name", i))
		}
		if seen[s.Name] {
			return apperrors.InvalidInput("steps", fmt.Sprintf("duplicate step name %q", s.Name))
		}
		seen[s.Name] = true
		if s.Execute == nil {
			return apperrors.InvalidInput("steps", fmt.Sprintf("step %q has no Execute function", s.Name))
		}
		if s.Group != prevGroup {
			if prevGroup != "" {
				closedGroups[prevGroup] = true
			}
			if s.Group != "" && closedGroups[s.Group] {
				return apperrors.InvalidInput("steps", fmt.Sprintf("parallel group %q is not contiguous", s.Group))
			}
		}
		prevGroup = s.Group
	}
	return nil
}

// Step returns the step with the given name.
func (d *Definition) Step(name string) (Step, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// batches splits the steps into execution batches of declaration indices.
// A step without a group is a batch of one; adjacent steps sharing a group
// form one concurrent batch.
func (d *Definition) batches() [][]int {
	var out [][]int
	for i, s := range d.Steps {
		n := len(out)
		if s.Group != "" && n > 0 && d.Steps[out[n-1][0]].Group == s.Group {
			out[n-1] = append(out[n-1], i)
			continue
		}
		out = append(out, []int{i})
	}
	return out
}

func (d *Definition) target(s Step) string {
	if s.Target != "" {
		return s.Target
	}
	return d.Name
}

// StepContext gives a step access to the saga input and to the results of
// steps that completed before it started.
type StepContext struct {
	SagaID   string
	StepID   string
	StepName string
	Tenant   string

	input   json.RawMessage
	results map[string]json.RawMessage
}

// Input decodes the saga input into v.
func (sc *StepContext) Input(v any) error {
	if len(sc.input) == 0 {
		return nil
	}
	return json.Unmarshal(sc.input, v)
}

// RawInput returns the encoded saga input.
func (sc *StepContext) RawInput() json.RawMessage { return sc.input }

// Result returns the encoded result of a completed step.
func (sc *StepContext) Result(step string) (json.RawMessage, bool) {
	r, ok := sc.results[step]
	return r, ok
}

// DecodeResult decodes the result of a completed step into v.
// Compensations pass their own StepName to read what the forward action returned.
func (sc *StepContext) DecodeResult(step string, v any) error {
	r, ok := sc.results[step]
	if !ok {
		return apperrors.NotFound("step result", step)
	}
	return json.Unmarshal(r, v)
}
