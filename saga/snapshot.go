package saga

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Status is the overall saga state.
type Status string

const (
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
)

// IsTerminal returns true for COMPLETED, COMPENSATED and FAILED.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// StepStatus is the state of one step.
//
//	PENDING → RUNNING → COMPLETED | FAILED
//	COMPLETED → COMPENSATING → COMPENSATED
//
// A step whose compensation failed stays COMPENSATING with CompensationError set.
type StepStatus string

const (
	StepPending      StepStatus = "PENDING"
	StepRunning      StepStatus = "RUNNING"
	StepCompleted    StepStatus = "COMPLETED"
	StepFailed       StepStatus = "FAILED"
	StepCompensating StepStatus = "COMPENSATING"
	StepCompensated  StepStatus = "COMPENSATED"
)

// Snapshot is the durable record of one saga execution. It is written after
// every step and saga status transition and is all a recovery process needs
// to resume forward execution or compensation.
type Snapshot struct {
	SagaID     string          `json:"saga_id"`
	Name       string          `json:"name"`
	Status     Status          `json:"status"`
	Tenant     string          `json:"tenant,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Steps      []StepSnapshot  `json:"steps"`
	FailedStep string          `json:"failed_step,omitempty"`
	Error      string          `json:"error,omitempty"`
	// Batch is the last completion batch handed out.
	Batch     int       `json:"batch"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepSnapshot is the recorded state of one step.
type StepSnapshot struct {
	StepID            string          `json:"step_id"`
	Name              string          `json:"name"`
	Status            StepStatus      `json:"status"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	CompensationError string          `json:"compensation_error,omitempty"`
	Attempts          int             `json:"attempts,omitempty"`
	// CompletedBatch orders completions. Steps of one parallel group share
	// a batch number.
	CompletedBatch int       `json:"completed_batch,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
}

func newSnapshot(sagaID string, def *Definition, input json.RawMessage, tenant string) *Snapshot {
	now := time.Now().UTC()
	s := &Snapshot{
		SagaID:    sagaID,
		Name:      def.Name,
		Status:    StatusRunning,
		Tenant:    tenant,
		Input:     input,
		Steps:     make([]StepSnapshot, len(def.Steps)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, step := range def.Steps {
		s.Steps[i] = StepSnapshot{
			StepID: uuid.NewString(),
			Name:   step.Name,
			Status: StepPending,
		}
	}
	return s
}

// Clone returns a deep copy safe to hand to a store.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Steps = make([]StepSnapshot, len(s.Steps))
	copy(c.Steps, s.Steps)
	return &c
}

// Step returns the snapshot of the named step.
func (s *Snapshot) Step(name string) (*StepSnapshot, bool) {
	for i := range s.Steps {
		if s.Steps[i].Name == name {
			return &s.Steps[i], true
		}
	}
	return nil, false
}

// results collects the encoded results of completed steps.
func (s *Snapshot) results() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for _, st := range s.Steps {
		if st.Result != nil {
			out[st.Name] = st.Result
		}
	}
	return out
}

// reconcile aligns a loaded snapshot with the definition's step list.
// Steps are matched by name; steps added to the definition since the
// snapshot was written start out PENDING.
func (s *Snapshot) reconcile(def *Definition) {
	byName := make(map[string]StepSnapshot, len(s.Steps))
	for _, st := range s.Steps {
		byName[st.Name] = st
	}
	steps := make([]StepSnapshot, len(def.Steps))
	for i, step := range def.Steps {
		if st, ok := byName[step.Name]; ok {
			steps[i] = st
			continue
		}
		steps[i] = StepSnapshot{StepID: uuid.NewString(), Name: step.Name, Status: StepPending}
	}
	s.Steps = steps
}

// compensationOrder returns the indices of steps that still need
// compensating: reverse completion order, ties broken by reverse
// declaration order. Steps whose compensation already failed are skipped.
func (s *Snapshot) compensationOrder() []int {
	var idx []int
	for i, st := range s.Steps {
		switch {
		case st.Status == StepCompleted:
			idx = append(idx, i)
		case st.Status == StepCompensating && st.CompensationError == "":
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return compensatesBefore(s, idx[a], idx[b])
	})
	return idx
}

// failedStep returns the index of the first FAILED step, or -1.
func (s *Snapshot) failedStep() int {
	for i, st := range s.Steps {
		if st.Status == StepFailed {
			return i
		}
	}
	return -1
}
