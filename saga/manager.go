package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kbukum/sagakit/component"
	apperrors "github.com/kbukum/sagakit/errors"
	"github.com/kbukum/sagakit/logger"
	"github.com/kbukum/sagakit/resilience"
)

const tracerName = "github.com/kbukum/sagakit/saga"

// Saga events, pushed to the same sink as pipeline events.
const (
	EventSagaStarted          resilience.EventType = "saga_started"
	EventSagaResumed          resilience.EventType = "saga_resumed"
	EventStepStarted          resilience.EventType = "step_started"
	EventStepCompleted        resilience.EventType = "step_completed"
	EventStepFailed           resilience.EventType = "step_failed"
	EventCompensationStarted  resilience.EventType = "compensation_started"
	EventStepCompensated      resilience.EventType = "step_compensated"
	EventCompensationFailed   resilience.EventType = "compensation_failed"
	EventSagaCompleted        resilience.EventType = "saga_completed"
	EventSagaCompensated      resilience.EventType = "saga_compensated"
	EventSagaFailed           resilience.EventType = "saga_failed"
	EventSnapshotWriteFailure resilience.EventType = "snapshot_write_failed"
)

// errAborted is the cancellation cause set by Abort.
var errAborted = errors.New("saga aborted")

// Config configures a Manager.
type Config struct {
	// MaxParallel bounds concurrent steps within one parallel group (0 = unlimited).
	MaxParallel int
	// CompensationTimeout bounds each compensation attempt.
	CompensationTimeout time.Duration
	// MaxCompensationRetries is the number of attempts per compensation.
	MaxCompensationRetries int
	// LockTTL is the execution lock lease. A running execution renews it
	// every LockTTL/3; a crashed holder's lock frees up after LockTTL.
	LockTTL time.Duration
	// SnapshotTTL is how long terminal snapshots are kept (0 = forever).
	SnapshotTTL time.Duration
	// DisableRecovery makes Start skip Recover.
	DisableRecovery bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallel:            0,
		CompensationTimeout:    30 * time.Second,
		MaxCompensationRetries: 3,
		LockTTL:                10 * time.Minute,
		SnapshotTTL:            24 * time.Hour,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxParallel < 0 {
		c.MaxParallel = 0
	}
	if c.CompensationTimeout <= 0 {
		c.CompensationTimeout = d.CompensationTimeout
	}
	if c.MaxCompensationRetries <= 0 {
		c.MaxCompensationRetries = d.MaxCompensationRetries
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.SnapshotTTL < 0 {
		c.SnapshotTTL = 0
	}
}

// ExecuteOptions carries per-execution parameters.
type ExecuteOptions struct {
	// SagaID identifies the execution. Empty generates a new ID. Passing the
	// ID of an existing execution resumes or replays it.
	SagaID string
	// Input is JSON-encoded into the snapshot and exposed to steps.
	Input any
	// Tenant selects rate limiter buckets for every step call.
	Tenant string
}

// Manager runs saga definitions through the resilience pipeline, snapshots
// every transition and compensates on failure.
type Manager struct {
	cfg         Config
	pipeline    *resilience.Pipeline
	store       SnapshotStore
	locker      Locker
	definitions *DefinitionRegistry
	sink        resilience.EventSink
	log         *logger.Logger
	tracer      trace.Tracer

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	wg      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore sets the snapshot store. Defaults to a MemoryStore.
func WithStore(s SnapshotStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithLocker sets the execution locker. Defaults to a MemoryLocker.
func WithLocker(l Locker) Option {
	return func(m *Manager) { m.locker = l }
}

// WithPipeline sets the pipeline steps run through. Defaults to a pipeline
// over a private registry with resilience.DefaultPolicy.
func WithPipeline(p *resilience.Pipeline) Option {
	return func(m *Manager) { m.pipeline = p }
}

// WithDefinitions sets the registry Recover and Resume look definitions up in.
func WithDefinitions(r *DefinitionRegistry) Option {
	return func(m *Manager) { m.definitions = r }
}

// WithEventSink sets the sink for saga events. Defaults to the pipeline
// registry's sink.
func WithEventSink(s resilience.EventSink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithLogger sets the manager logger.
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a Manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:     cfg,
		tracer:  otel.Tracer(tracerName),
		running: make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.log == nil {
		m.log = logger.Get("saga")
	}
	if m.pipeline == nil {
		m.pipeline = resilience.NewPipeline(nil, resilience.WithLogger(m.log))
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.locker == nil {
		m.locker = NewMemoryLocker()
	}
	if m.definitions == nil {
		m.definitions = NewDefinitionRegistry()
	}
	if m.sink == nil {
		m.sink = m.pipeline.Registry().Sink()
	}
	return m
}

// Definitions returns the manager's definition registry.
func (m *Manager) Definitions() *DefinitionRegistry { return m.definitions }

// Store returns the manager's snapshot store.
func (m *Manager) Store() SnapshotStore { return m.store }

// Execute runs def. A new saga ID is generated unless opts.SagaID is set.
//
// If a snapshot for the ID already exists, a terminal one is returned as is
// without invoking any step, and a non-terminal one is resumed: COMPLETED
// steps are skipped, RUNNING steps are re-run, and a COMPENSATING saga
// continues compensating.
//
// The returned error is nil whenever the saga reached COMPLETED or
// COMPENSATED; inspect Result.Status and Result.Err for the business
// outcome. Lock contention returns SAGA_LOCKED and a store failure that
// leaves the saga FAILED returns SNAPSHOT_ERROR alongside the result.
func (m *Manager) Execute(ctx context.Context, def *Definition, opts ExecuteOptions) (*Result, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	sagaID := opts.SagaID
	if sagaID == "" {
		sagaID = uuid.NewString()
	}

	lease, err := m.locker.Acquire(ctx, sagaID, m.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ErrSagaLocked) {
			return nil, apperrors.SagaLocked(sagaID).WithCause(err)
		}
		return nil, apperrors.Internal(err).WithDetail("saga_id", sagaID)
	}
	defer lease.Release()

	ctx, stopHeartbeat := m.heartbeat(ctx, sagaID, lease)
	defer stopHeartbeat()

	snap, err := m.store.Load(ctx, sagaID)
	if err != nil {
		return nil, apperrors.SnapshotError(sagaID, err)
	}

	log := m.log.WithFields(logger.Fields(logger.FieldSagaID, sagaID, logger.FieldSagaName, def.Name))

	if snap != nil {
		if snap.Name != def.Name {
			return nil, apperrors.InvalidInput("saga_id",
				fmt.Sprintf("saga %s belongs to definition %q, not %q", sagaID, snap.Name, def.Name))
		}
		if snap.Status.IsTerminal() {
			log.Debug("saga already terminal, returning recorded result", logger.Fields(logger.FieldStatus, string(snap.Status)))
			res := resultFromSnapshot(snap)
			res.Replayed = true
			return res, nil
		}
		snap.reconcile(def)
		log.Info("resuming saga", logger.Fields(logger.FieldStatus, string(snap.Status)))
		m.emit(ctx, snap, "", "", EventSagaResumed, string(snap.Status), nil)
	} else {
		input, err := encode(opts.Input)
		if err != nil {
			return nil, apperrors.InvalidInput("input", err.Error())
		}
		snap = newSnapshot(sagaID, def, input, opts.Tenant)
		if err := m.store.Save(ctx, snap.Clone(), 0); err != nil {
			return nil, apperrors.SnapshotError(sagaID, err)
		}
		log.Info("saga started", logger.Fields("steps", len(def.Steps)))
		m.emit(ctx, snap, "", "", EventSagaStarted, string(StatusRunning), nil)
	}

	return m.run(ctx, def, snap, log)
}

// Resume loads the snapshot for sagaID and continues it with the registered
// definition of the same name.
func (m *Manager) Resume(ctx context.Context, sagaID string) (*Result, error) {
	snap, err := m.store.Load(ctx, sagaID)
	if err != nil {
		return nil, apperrors.SnapshotError(sagaID, err)
	}
	if snap == nil {
		return nil, apperrors.NotFound("saga", sagaID)
	}
	def, ok := m.definitions.Get(snap.Name)
	if !ok {
		return nil, apperrors.NotFound("saga definition", snap.Name)
	}
	return m.Execute(ctx, def, ExecuteOptions{SagaID: sagaID})
}

// heartbeat renews lease every LockTTL/3 until stop is called. If a renewal
// fails the returned context is cancelled with ErrLeaseLost as its cause,
// failing the running step so the saga compensates.
func (m *Manager) heartbeat(ctx context.Context, sagaID string, lease Lease) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	interval := max(m.cfg.LockTTL/3, time.Millisecond)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
			}
			rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), interval)
			err := lease.Renew(rctx, m.cfg.LockTTL)
			rcancel()
			if err != nil {
				m.log.Error("saga lock renewal failed, cancelling execution", logger.Fields(
					logger.FieldSagaID, sagaID, logger.FieldError, err.Error()))
				if !errors.Is(err, ErrLeaseLost) {
					err = fmt.Errorf("%w: %w", ErrLeaseLost, err)
				}
				cancel(err)
				return
			}
		}
	}()

	return ctx, func() {
		close(done)
		<-stopped
		cancel(nil)
	}
}

// Abort cancels a saga executing in this process. The running step is
// treated as failed and compensation starts.
func (m *Manager) Abort(sagaID string) error {
	m.mu.Lock()
	cancel, ok := m.running[sagaID]
	m.mu.Unlock()

	if !ok {
		return apperrors.NotFound("running saga", sagaID)
	}
	m.log.Info("abort requested", logger.Fields(logger.FieldSagaID, sagaID))
	cancel(errAborted)
	return nil
}

// Running returns the IDs of sagas executing in this process.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

// Recover resumes every non-terminal saga found in the store. Sagas whose
// definition is not registered or that are locked by another execution are
// skipped and reported in the returned error.
func (m *Manager) Recover(ctx context.Context) ([]*Result, error) {
	active, err := m.store.ListActive(ctx)
	if err != nil {
		return nil, apperrors.SnapshotError("", err)
	}

	var results []*Result
	var errs []error
	for _, snap := range active {
		def, ok := m.definitions.Get(snap.Name)
		if !ok {
			m.log.Warn("no definition registered for saga", logger.Fields(
				logger.FieldSagaID, snap.SagaID, logger.FieldSagaName, snap.Name))
			errs = append(errs, apperrors.NotFound("saga definition", snap.Name).WithDetail("saga_id", snap.SagaID))
			continue
		}

		res, err := m.Execute(ctx, def, ExecuteOptions{SagaID: snap.SagaID})
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	m.log.Info("recovery finished", logger.Fields("found", len(active), "resumed", len(results)))
	return results, errors.Join(errs...)
}

// --- component.Component ---

// Name returns the component name.
func (m *Manager) Name() string { return "saga-manager" }

// Start resumes interrupted sagas unless recovery is disabled.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.DisableRecovery {
		return nil
	}
	_, err := m.Recover(ctx)
	if err != nil {
		m.log.Warn("recovery finished with errors", logger.Fields(logger.FieldError, err.Error()))
	}
	return nil
}

// Stop waits for in-flight executions to finish or ctx to end.
func (m *Manager) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("saga manager stop: %d executions still running: %w", len(m.Running()), ctx.Err())
	}
}

// Health reports the number of running executions.
func (m *Manager) Health(ctx context.Context) component.Health {
	h := m.pipeline.Health(ctx)
	h.Name = m.Name()
	n := len(m.Running())
	if h.Message == "" {
		h.Message = fmt.Sprintf("%d running", n)
	} else {
		h.Message = fmt.Sprintf("%d running, %s", n, h.Message)
	}
	return h
}

var _ component.Component = (*Manager)(nil)

// --- execution ---

func (m *Manager) run(ctx context.Context, def *Definition, snap *Snapshot, log *logger.Logger) (res *Result, err error) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "saga.execute", trace.WithAttributes(
		attribute.String("saga.id", snap.SagaID),
		attribute.String("saga.name", def.Name),
	))
	defer span.End()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	m.mu.Lock()
	m.running[snap.SagaID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, snap.SagaID)
		m.mu.Unlock()
		m.wg.Done()
	}()

	ex := &execution{m: m, def: def, snap: snap, log: log}

	defer func() {
		if r := recover(); r != nil {
			perr := apperrors.Internal(fmt.Errorf("panic in saga manager: %v", r))
			ex.finish(ctx, StatusFailed, perr.Error())
			res, err = ex.result(start), perr
		}
	}()

	if snap.Status == StatusRunning {
		if ferr := ex.forward(runCtx); ferr == nil {
			if serr := ex.finish(ctx, StatusCompleted, ""); serr != nil {
				return ex.result(start), serr
			}
			log.Info("saga completed", logger.DurationFields("saga", time.Since(start)))
			return ex.result(start), nil
		}

		if serr := ex.setStatus(ctx, StatusCompensating); serr != nil {
			log.Error("cannot record compensation start", logger.Fields(logger.FieldError, serr.Error()))
		}
	}

	// Compensation runs to completion even if the caller's context ends.
	compCtx := context.WithoutCancel(ctx)
	if cerr := ex.compensate(compCtx); cerr != nil {
		log.Error("compensation could not be recorded, saga failed", logger.Fields(logger.FieldError, cerr.Error()))
		ex.finish(compCtx, StatusFailed, cerr.Error())
		span.RecordError(cerr)
		return ex.result(start), cerr
	}

	if serr := ex.finish(compCtx, StatusCompensated, ""); serr != nil {
		return ex.result(start), serr
	}
	log.Warn("saga compensated", logger.Fields("failed_step", snap.FailedStep, logger.FieldError, snap.Error))
	return ex.result(start), nil
}

// execution is the mutable state of one run. Snapshot mutations and writes
// happen under mu so concurrent group members record in order.
type execution struct {
	m    *Manager
	def  *Definition
	snap *Snapshot
	log  *logger.Logger

	mu sync.Mutex
}

// save writes the snapshot. Callers hold ex.mu, so a panicking store is
// turned into an error here rather than unwinding with the lock held.
func (ex *execution) save(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.SnapshotError(ex.snap.SagaID, fmt.Errorf("snapshot store panicked: %v", r))
		}
	}()

	ex.snap.UpdatedAt = time.Now().UTC()
	var ttl time.Duration
	if ex.snap.Status.IsTerminal() {
		ttl = ex.m.cfg.SnapshotTTL
	}
	if err := ex.m.store.Save(context.WithoutCancel(ctx), ex.snap.Clone(), ttl); err != nil {
		ex.m.emit(ctx, ex.snap, "", "", EventSnapshotWriteFailure, string(ex.snap.Status), err)
		return apperrors.SnapshotError(ex.snap.SagaID, err)
	}
	return nil
}

func (ex *execution) setStatus(ctx context.Context, s Status) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.snap.Status = s
	return ex.save(ctx)
}

// finish records a terminal status and emits the matching event.
func (ex *execution) finish(ctx context.Context, s Status, errMsg string) error {
	err := func() error {
		ex.mu.Lock()
		defer ex.mu.Unlock()
		ex.snap.Status = s
		if errMsg != "" && ex.snap.Error == "" {
			ex.snap.Error = errMsg
		}
		return ex.save(ctx)
	}()

	switch s {
	case StatusCompleted:
		ex.m.emit(ctx, ex.snap, "", "", EventSagaCompleted, string(s), nil)
	case StatusCompensated:
		ex.m.emit(ctx, ex.snap, "", "", EventSagaCompensated, string(s), nil)
	default:
		ex.m.emit(ctx, ex.snap, "", "", EventSagaFailed, string(s), errors.New(ex.snap.Error))
	}
	return err
}

func (ex *execution) result(start time.Time) *Result {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	r := resultFromSnapshot(ex.snap)
	r.Duration = time.Since(start)
	return r
}

// forward runs the remaining batches in order. It returns the first step
// failure; the failed step and error are recorded in the snapshot.
func (ex *execution) forward(ctx context.Context) error {
	if i := ex.snap.failedStep(); i >= 0 {
		// Interrupted after a step failed but before compensation was recorded.
		ex.markFailure(i, errors.New(ex.snap.Steps[i].Error))
		return errors.New(ex.snap.Steps[i].Error)
	}

	for _, batch := range ex.def.batches() {
		pending := make([]int, 0, len(batch))
		for _, i := range batch {
			if ex.snap.Steps[i].Status != StepCompleted {
				pending = append(pending, i)
			}
		}
		if len(pending) == 0 {
			continue
		}

		if err := ex.interrupted(ctx); err != nil {
			ex.markFailure(pending[0], err)
			return err
		}

		ex.mu.Lock()
		ex.snap.Batch++
		seq := ex.snap.Batch
		ex.mu.Unlock()

		if err := ex.runBatch(ctx, pending, seq); err != nil {
			return err
		}
	}
	return nil
}

// runBatch runs one step, or a parallel group through errgroup bounded by
// MaxParallel. Group members are not cancelled when a sibling fails so that
// every member that completes can be compensated.
func (ex *execution) runBatch(ctx context.Context, idx []int, seq int) error {
	if len(idx) == 1 {
		return ex.runStep(ctx, idx[0], seq)
	}

	errs := make([]error, len(idx))
	var g errgroup.Group
	if ex.m.cfg.MaxParallel > 0 {
		g.SetLimit(ex.m.cfg.MaxParallel)
	}
	for n, i := range idx {
		g.Go(func() error {
			errs[n] = ex.runStep(ctx, i, seq)
			return nil
		})
	}
	_ = g.Wait()

	for n, err := range errs {
		if err == nil {
			continue
		}
		// Members fail concurrently; report the first in declaration order.
		name := ex.def.Steps[idx[n]].Name
		ex.mu.Lock()
		if ex.snap.FailedStep != name {
			ex.snap.FailedStep = name
			ex.snap.Error = err.Error()
			if serr := ex.save(ctx); serr != nil {
				ex.log.Error("cannot record step failure", logger.Fields(logger.FieldError, serr.Error()))
			}
		}
		ex.mu.Unlock()
		return err
	}
	return nil
}

func (ex *execution) runStep(ctx context.Context, i, seq int) error {
	step := ex.def.Steps[i]

	ex.mu.Lock()
	st := &ex.snap.Steps[i]
	st.Status = StepRunning
	st.StartedAt = time.Now().UTC()
	st.Error = ""
	stepID := st.StepID
	sc := &StepContext{
		SagaID:   ex.snap.SagaID,
		StepID:   stepID,
		StepName: step.Name,
		Tenant:   ex.snap.Tenant,
		input:    ex.snap.Input,
		results:  ex.snap.results(),
	}
	saveErr := ex.save(ctx)
	ex.mu.Unlock()

	if saveErr != nil {
		ex.markFailure(i, saveErr)
		return saveErr
	}

	ex.m.emit(ctx, ex.snap, stepID, step.Name, EventStepStarted, string(StepRunning), nil)
	log := ex.log.WithFields(logger.Fields(logger.FieldStep, step.Name, logger.FieldStepID, stepID))
	log.Debug("step started")

	stepCtx := logger.ContextWithSaga(ctx, ex.snap.SagaID, stepID)
	stepCtx, span := ex.m.tracer.Start(stepCtx, "saga.step", trace.WithAttributes(
		attribute.String("saga.id", ex.snap.SagaID),
		attribute.String("saga.step", step.Name),
	))
	defer span.End()

	var attempts int
	var attemptsMu sync.Mutex
	out, err := ex.m.pipeline.Execute(stepCtx, resilience.Call{
		Target:      ex.def.target(step),
		Operation:   step.Name,
		Tenant:      ex.snap.Tenant,
		Timeout:     step.Timeout,
		MaxAttempts: step.MaxAttempts,
		Fn: func(ctx context.Context) (v any, err error) {
			attemptsMu.Lock()
			attempts++
			attemptsMu.Unlock()
			defer func() {
				if r := recover(); r != nil {
					err = resilience.Permanent(fmt.Errorf("step %q panicked: %v", step.Name, r))
				}
			}()
			return step.Execute(ctx, sc)
		},
	})

	attemptsMu.Lock()
	n := attempts
	attemptsMu.Unlock()

	if err != nil {
		switch cause := context.Cause(ctx); {
		case errors.Is(cause, errAborted):
			err = apperrors.SagaAborted(ex.snap.SagaID).WithCause(err)
		case errors.Is(cause, ErrLeaseLost):
			err = fmt.Errorf("%w: %w", cause, err)
		}
		span.RecordError(err)
		log.Warn("step failed", logger.Fields(logger.FieldAttempt, n, logger.FieldError, err.Error()))

		ex.mu.Lock()
		ex.snap.Steps[i].Attempts += n
		ex.mu.Unlock()
		ex.markFailure(i, err)
		return err
	}

	raw, encErr := encode(out)
	if encErr != nil {
		log.Warn("step result is not JSON encodable, storing none", logger.Fields(logger.FieldError, encErr.Error()))
	}

	ex.mu.Lock()
	st = &ex.snap.Steps[i]
	st.Status = StepCompleted
	st.Result = raw
	st.Attempts += n
	st.CompletedBatch = seq
	st.CompletedAt = time.Now().UTC()
	saveErr = ex.save(ctx)
	ex.mu.Unlock()

	ex.m.emit(ctx, ex.snap, stepID, step.Name, EventStepCompleted, string(StepCompleted), nil)
	log.Debug("step completed", logger.Fields(logger.FieldAttempt, n))

	if saveErr != nil {
		// The step's effect happened; failing here sends it to compensation.
		ex.mu.Lock()
		if ex.snap.FailedStep == "" {
			ex.snap.FailedStep = step.Name
			ex.snap.Error = saveErr.Error()
		}
		ex.mu.Unlock()
		return saveErr
	}
	return nil
}

// markFailure records step i as FAILED and, if no earlier failure was
// recorded, as the saga's failed step.
func (ex *execution) markFailure(i int, err error) {
	ex.mu.Lock()
	st := &ex.snap.Steps[i]
	if st.Status == StepPending || st.Status == StepRunning {
		st.Status = StepFailed
		st.Error = err.Error()
		st.CompletedAt = time.Now().UTC()
	}
	if ex.snap.FailedStep == "" {
		ex.snap.FailedStep = st.Name
		ex.snap.Error = err.Error()
	}
	stepID, name := st.StepID, st.Name
	saveErr := ex.save(context.Background())
	ex.mu.Unlock()

	if saveErr != nil {
		ex.log.Error("cannot record step failure", logger.Fields(logger.FieldError, saveErr.Error()))
	}
	ex.m.emit(context.Background(), ex.snap, stepID, name, EventStepFailed, string(StepFailed), err)
}

// interrupted reports an abort or caller cancellation before a batch starts.
func (ex *execution) interrupted(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, errAborted) {
		return apperrors.SagaAborted(ex.snap.SagaID)
	}
	if errors.Is(cause, ErrLeaseLost) {
		return cause
	}
	return ctx.Err()
}

// compensate undoes completed steps in reverse completion order. A failed
// compensation is recorded and the rest still run. Only a store failure
// stops compensation.
func (ex *execution) compensate(ctx context.Context) error {
	ex.mu.Lock()
	order := ex.snap.compensationOrder()
	ex.mu.Unlock()

	ex.m.emit(ctx, ex.snap, "", "", EventCompensationStarted, string(StatusCompensating), nil)
	ex.log.Info("compensating", logger.Fields("steps", len(order), "failed_step", ex.snap.FailedStep))

	for _, i := range order {
		if err := ex.compensateStep(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (ex *execution) compensateStep(ctx context.Context, i int) error {
	step := ex.def.Steps[i]

	ex.mu.Lock()
	st := &ex.snap.Steps[i]
	st.Status = StepCompensating
	stepID := st.StepID
	sc := &StepContext{
		SagaID:   ex.snap.SagaID,
		StepID:   stepID,
		StepName: step.Name,
		Tenant:   ex.snap.Tenant,
		input:    ex.snap.Input,
		results:  ex.snap.results(),
	}
	err := ex.save(ctx)
	ex.mu.Unlock()
	if err != nil {
		return err
	}

	log := ex.log.WithFields(logger.Fields(logger.FieldStep, step.Name, logger.FieldStepID, stepID))

	var compErr error
	if step.Compensate != nil {
		stepCtx := logger.ContextWithSaga(ctx, ex.snap.SagaID, stepID)
		stepCtx, span := ex.m.tracer.Start(stepCtx, "saga.compensate", trace.WithAttributes(
			attribute.String("saga.id", ex.snap.SagaID),
			attribute.String("saga.step", step.Name),
		))
		_, compErr = ex.m.pipeline.Execute(stepCtx, resilience.Call{
			Target:      ex.def.target(step),
			Operation:   step.Name + ".compensate",
			Tenant:      ex.snap.Tenant,
			Timeout:     ex.m.cfg.CompensationTimeout,
			MaxAttempts: ex.m.cfg.MaxCompensationRetries,
			Fn: func(ctx context.Context) (_ any, err error) {
				defer func() {
					if r := recover(); r != nil {
						err = resilience.Permanent(fmt.Errorf("compensation %q panicked: %v", step.Name, r))
					}
				}()
				return nil, step.Compensate(ctx, sc)
			},
		})
		if compErr != nil {
			span.RecordError(compErr)
		}
		span.End()
	}

	ex.mu.Lock()
	st = &ex.snap.Steps[i]
	if compErr != nil {
		st.CompensationError = apperrors.CompensationFailed(ex.snap.SagaID, step.Name, compErr).Error()
	} else {
		st.Status = StepCompensated
		st.CompensationError = ""
	}
	err = ex.save(ctx)
	ex.mu.Unlock()

	if compErr != nil {
		log.Error("compensation failed, continuing", logger.Fields(logger.FieldError, compErr.Error()))
		ex.m.emit(ctx, ex.snap, stepID, step.Name, EventCompensationFailed, string(StepCompensating), compErr)
	} else {
		log.Debug("step compensated")
		ex.m.emit(ctx, ex.snap, stepID, step.Name, EventStepCompensated, string(StepCompensated), nil)
	}
	return err
}

func (m *Manager) emit(ctx context.Context, snap *Snapshot, stepID, step string, t resilience.EventType, outcome string, err error) {
	e := resilience.Event{
		Type:      t,
		Target:    snap.Name,
		Operation: step,
		Tenant:    snap.Tenant,
		SagaID:    snap.SagaID,
		StepID:    stepID,
		Timestamp: time.Now(),
		Outcome:   outcome,
	}
	if err != nil {
		e.Error = err.Error()
	}
	m.sink.Emit(ctx, e)
}

// encode JSON-encodes v, passing json.RawMessage and nil through.
func encode(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		if json.Valid(t) {
			return json.RawMessage(t), nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
