package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "github.com/kbukum/sagakit/errors"
)

// Result reports the outcome of an execution: the overall status, every
// step's outcome and every compensation that did not succeed.
type Result struct {
	SagaID string       `json:"saga_id"`
	Name   string       `json:"name"`
	Status Status       `json:"status"`
	Steps  []StepResult `json:"steps"`
	// FailedStep names the step whose failure triggered compensation.
	FailedStep string `json:"failed_step,omitempty"`
	// Error is the failure that triggered compensation or stopped the saga.
	Error string `json:"error,omitempty"`
	// CompensationFailures lists compensations that failed, in the order
	// they were attempted.
	CompensationFailures []CompensationFailure `json:"compensation_failures,omitempty"`
	// Replayed is true when the result was read from an existing terminal
	// snapshot without running anything.
	Replayed bool          `json:"replayed,omitempty"`
	Duration time.Duration `json:"duration"`
}

// StepResult is the outcome of one step.
type StepResult struct {
	StepID            string          `json:"step_id"`
	Name              string          `json:"name"`
	Status            StepStatus      `json:"status"`
	Attempts          int             `json:"attempts,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	CompensationError string          `json:"compensation_error,omitempty"`
	Duration          time.Duration   `json:"duration"`
}

// CompensationFailure records an unresolved compensation.
type CompensationFailure struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

func resultFromSnapshot(s *Snapshot) *Result {
	r := &Result{
		SagaID:     s.SagaID,
		Name:       s.Name,
		Status:     s.Status,
		FailedStep: s.FailedStep,
		Error:      s.Error,
		Steps:      make([]StepResult, 0, len(s.Steps)),
	}
	for _, st := range s.Steps {
		sr := StepResult{
			StepID:            st.StepID,
			Name:              st.Name,
			Status:            st.Status,
			Attempts:          st.Attempts,
			Result:            st.Result,
			Error:             st.Error,
			CompensationError: st.CompensationError,
		}
		if !st.StartedAt.IsZero() && !st.CompletedAt.IsZero() {
			sr.Duration = st.CompletedAt.Sub(st.StartedAt)
		}
		r.Steps = append(r.Steps, sr)
	}
	for _, i := range compensationFailureOrder(s) {
		st := s.Steps[i]
		r.CompensationFailures = append(r.CompensationFailures, CompensationFailure{
			Step:  st.Name,
			Error: st.CompensationError,
		})
	}
	return r
}

// compensationFailureOrder lists steps with a failed compensation in the
// order compensation visits them.
func compensationFailureOrder(s *Snapshot) []int {
	var failed []int
	for i, st := range s.Steps {
		if st.CompensationError != "" {
			failed = append(failed, i)
		}
	}
	sort.SliceStable(failed, func(a, b int) bool {
		return compensatesBefore(s, failed[a], failed[b])
	})
	return failed
}

// compensatesBefore orders later batches first, then later completions
// within a parallel group, then later declarations for same-instant ties.
func compensatesBefore(s *Snapshot, i, j int) bool {
	a, b := s.Steps[i], s.Steps[j]
	if a.CompletedBatch != b.CompletedBatch {
		return a.CompletedBatch > b.CompletedBatch
	}
	if !a.CompletedAt.Equal(b.CompletedAt) {
		return a.CompletedAt.After(b.CompletedAt)
	}
	return i > j
}

// Step returns the result of the named step.
func (r *Result) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// DecodeStep decodes the named step's result into v.
func (r *Result) DecodeStep(name string, v any) error {
	s, ok := r.Step(name)
	if !ok || s.Result == nil {
		return apperrors.NotFound("step result", name)
	}
	return json.Unmarshal(s.Result, v)
}

// Succeeded returns true if every step completed.
func (r *Result) Succeeded() bool { return r.Status == StatusCompleted }

// Err summarises a non-successful outcome, or returns nil for COMPLETED.
// Unresolved compensations are reported as COMPENSATION_FAILED.
func (r *Result) Err() error {
	switch r.Status {
	case StatusCompleted:
		return nil
	case StatusCompensated:
		if len(r.CompensationFailures) > 0 {
			parts := make([]string, 0, len(r.CompensationFailures))
			for _, f := range r.CompensationFailures {
				parts = append(parts, f.Step+": "+f.Error)
			}
			first := r.CompensationFailures[0].Step
			return apperrors.CompensationFailed(r.SagaID, first, errors.New(strings.Join(parts, "; "))).
				WithDetail("failed_step", r.FailedStep)
		}
		return fmt.Errorf("saga %s compensated after step %q failed: %s", r.SagaID, r.FailedStep, r.Error)
	default:
		return fmt.Errorf("saga %s ended %s: %s", r.SagaID, r.Status, r.Error)
	}
}
