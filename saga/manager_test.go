package saga

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/kbukum/sagakit/errors"
	"github.com/kbukum/sagakit/logger"
	"github.com/kbukum/sagakit/resilience"
)

// journal records step invocations across goroutines.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

func (j *journal) count(s string) int {
	n := 0
	for _, e := range j.list() {
		if e == s {
			n++
		}
	}
	return n
}

func (j *journal) undos() []string {
	var out []string
	for _, e := range j.list() {
		if strings.HasPrefix(e, "undo:") {
			out = append(out, e)
		}
	}
	return out
}

func testManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *resilience.Recorder) {
	t.Helper()
	rec := &resilience.Recorder{}
	retry := resilience.RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Multiplier:  2,
	}
	reg := resilience.NewRegistry(resilience.Policy{Retry: &retry, Timeout: time.Second}, resilience.WithEventSink(rec))
	p := resilience.NewPipeline(reg, resilience.WithLogger(logger.Nop()))
	if cfg.CompensationTimeout == 0 {
		cfg.CompensationTimeout = time.Second
	}
	all := append([]Option{WithPipeline(p), WithLogger(logger.Nop())}, opts...)
	return NewManager(cfg, all...), rec
}

// okStep records its forward and undo calls and returns its name as result.
func okStep(j *journal, name string) Step {
	return Step{
		Name: name,
		Execute: func(ctx context.Context, sc *StepContext) (any, error) {
			j.add(name)
			return map[string]string{"step": name}, nil
		},
		Compensate: func(ctx context.Context, sc *StepContext) error {
			j.add("undo:" + name)
			return nil
		},
	}
}

func failStep(j *journal, name string) Step {
	s := okStep(j, name)
	s.Execute = func(ctx context.Context, sc *StepContext) (any, error) {
		j.add(name)
		return nil, fmt.Errorf("%s failed", name)
	}
	return s
}

func orderSaga(j *journal, failShipping bool) *Definition {
	ship := okStep(j, "ship_order")
	if failShipping {
		ship = failStep(j, "ship_order")
	}
	return NewDefinition("order",
		okStep(j, "reserve_inventory"),
		okStep(j, "charge_payment"),
		ship,
	)
}

func TestManager_Execute_Completes(t *testing.T) {
	m, rec := testManager(t, Config{})
	j := &journal{}

	res, err := m.Execute(context.Background(), orderSaga(j, false), ExecuteOptions{SagaID: "order-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusCompleted || !res.Succeeded() {
		t.Fatalf("expected COMPLETED, got %s", res.Status)
	}
	if res.Err() != nil {
		t.Errorf("expected nil Err for completed saga, got %v", res.Err())
	}
	want := []string{"reserve_inventory", "charge_payment", "ship_order"}
	if got := j.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	for _, s := range res.Steps {
		if s.Status != StepCompleted || s.Attempts != 1 {
			t.Errorf("step %s: expected COMPLETED after 1 attempt, got %s/%d", s.Name, s.Status, s.Attempts)
		}
	}

	var out map[string]string
	if err := res.DecodeStep("charge_payment", &out); err != nil || out["step"] != "charge_payment" {
		t.Errorf("expected decoded step result, got %v (%v)", out, err)
	}

	snap, err := m.Store().Load(context.Background(), "order-1")
	if err != nil || snap == nil {
		t.Fatalf("expected stored snapshot, got %v (%v)", snap, err)
	}
	if snap.Status != StatusCompleted {
		t.Errorf("expected stored status COMPLETED, got %s", snap.Status)
	}
	if rec.Count(EventSagaStarted) != 1 || rec.Count(EventSagaCompleted) != 1 || rec.Count(EventStepCompleted) != 3 {
		t.Errorf("unexpected saga events: %+v", rec.Events())
	}
}

func TestManager_Execute_CompensatesInReverseOrder(t *testing.T) {
	m, rec := testManager(t, Config{})
	j := &journal{}

	res, err := m.Execute(context.Background(), orderSaga(j, true), ExecuteOptions{SagaID: "order-2"})
	if err != nil {
		t.Fatalf("compensated saga should not return an error, got %v", err)
	}
	if res.Status != StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", res.Status)
	}
	if res.FailedStep != "ship_order" {
		t.Errorf("expected failed step ship_order, got %q", res.FailedStep)
	}

	want := []string{"undo:charge_payment", "undo:reserve_inventory"}
	if got := j.undos(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected compensations %v, got %v", want, got)
	}
	if j.count("undo:ship_order") != 0 {
		t.Error("failed step must not be compensated")
	}

	statuses := map[string]StepStatus{}
	for _, s := range res.Steps {
		statuses[s.Name] = s.Status
	}
	if statuses["reserve_inventory"] != StepCompensated || statuses["charge_payment"] != StepCompensated {
		t.Errorf("expected completed steps COMPENSATED, got %v", statuses)
	}
	if statuses["ship_order"] != StepFailed {
		t.Errorf("expected ship_order FAILED, got %s", statuses["ship_order"])
	}
	if res.Err() == nil {
		t.Error("expected Err to describe the compensated outcome")
	}
	if rec.Count(EventStepCompensated) != 2 || rec.Count(EventSagaCompensated) != 1 {
		t.Errorf("unexpected compensation events: %+v", rec.Events())
	}
}

func TestManager_Execute_IsIdempotentForTerminalSaga(t *testing.T) {
	m, _ := testManager(t, Config{})
	j := &journal{}
	def := orderSaga(j, false)

	if _, err := m.Execute(context.Background(), def, ExecuteOptions{SagaID: "order-3"}); err != nil {
		t.Fatalf("first execution: %v", err)
	}
	res, err := m.Execute(context.Background(), def, ExecuteOptions{SagaID: "order-3"})
	if err != nil {
		t.Fatalf("second execution: %v", err)
	}
	if !res.Replayed || res.Status != StatusCompleted {
		t.Errorf("expected replayed COMPLETED result, got replayed=%v status=%s", res.Replayed, res.Status)
	}
	for _, name := range []string{"reserve_inventory", "charge_payment", "ship_order"} {
		if n := j.count(name); n != 1 {
			t.Errorf("step %s invoked %d times, want 1", name, n)
		}
	}
}

func TestManager_Execute_CompensatedSagaIsNotRerun(t *testing.T) {
	m, _ := testManager(t, Config{})
	j := &journal{}
	def := orderSaga(j, true)

	if _, err := m.Execute(context.Background(), def, ExecuteOptions{SagaID: "order-4"}); err != nil {
		t.Fatal(err)
	}
	res, err := m.Execute(context.Background(), def, ExecuteOptions{SagaID: "order-4"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Replayed || res.Status != StatusCompensated {
		t.Errorf("expected replayed COMPENSATED, got %+v", res)
	}
	if j.count("undo:charge_payment") != 1 || j.count("undo:reserve_inventory") != 1 {
		t.Errorf("compensations must run exactly once, got %v", j.list())
	}
}

func TestManager_Execute_PassesResultsAndInput(t *testing.T) {
	m, _ := testManager(t, Config{})

	type order struct {
		ID     string `json:"id"`
		Amount int    `json:"amount"`
	}
	type reservation struct {
		ReservationID string `json:"reservation_id"`
	}

	var seenReservation, undoReservation string
	var seenAmount int
	def := NewDefinition("order",
		Step{
			Name: "reserve_inventory",
			Execute: func(ctx context.Context, sc *StepContext) (any, error) {
				var o order
				if err := sc.Input(&o); err != nil {
					return nil, err
				}
				return reservation{ReservationID: "res-" + o.ID}, nil
			},
			Compensate: func(ctx context.Context, sc *StepContext) error {
				var r reservation
				if err := sc.DecodeResult(sc.StepName, &r); err != nil {
					return err
				}
				undoReservation = r.ReservationID
				return nil
			},
		},
		Step{
			Name: "charge_payment",
			Execute: func(ctx context.Context, sc *StepContext) (any, error) {
				var r reservation
				if err := sc.DecodeResult("reserve_inventory", &r); err != nil {
					return nil, err
				}
				var o order
				_ = sc.Input(&o)
				seenReservation, seenAmount = r.ReservationID, o.Amount
				return nil, errors.New("card declined")
			},
		},
	)

	res, err := m.Execute(context.Background(), def, ExecuteOptions{
		Input: order{ID: "42", Amount: 1999},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.SagaID == "" {
		t.Error("expected a generated saga ID")
	}
	if seenReservation != "res-42" || seenAmount != 1999 {
		t.Errorf("expected step to see res-42/1999, got %q/%d", seenReservation, seenAmount)
	}
	if undoReservation != "res-42" {
		t.Errorf("expected compensation to see its own result, got %q", undoReservation)
	}
}

func TestManager_ParallelGroup_CompensatesInReverseCompletion(t *testing.T) {
	m, _ := testManager(t, Config{})
	j := &journal{}

	slow := okStep(j, "b")
	slow.Execute = func(ctx context.Context, sc *StepContext) (any, error) {
		time.Sleep(30 * time.Millisecond)
		j.add("b")
		return nil, nil
	}
	def := NewDefinition("fulfilment",
		okStep(j, "a"),
		withGroup(slow, "fanout"),
		withGroup(failStep(j, "c"), "fanout"),
		withGroup(okStep(j, "d"), "fanout"),
		okStep(j, "e"),
	)

	res, err := m.Execute(context.Background(), def, ExecuteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompensated || res.FailedStep != "c" {
		t.Fatalf("expected COMPENSATED after c, got %s after %q", res.Status, res.FailedStep)
	}
	// b finished after d, so it is undone first.
	want := []string{"undo:b", "undo:d", "undo:a"}
	if got := j.undos(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if j.count("e") != 0 {
		t.Error("steps after a failed group must not run")
	}
}

func TestManager_ParallelGroup_FirstFailureByDeclaration(t *testing.T) {
	m, _ := testManager(t, Config{})
	j := &journal{}

	slow := failStep(j, "first")
	slow.Execute = func(ctx context.Context, sc *StepContext) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, errors.New("first failed")
	}
	def := NewDefinition("fanout",
		withGroup(slow, "g"),
		withGroup(failStep(j, "second"), "g"),
	)

	res, err := m.Execute(context.Background(), def, ExecuteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.FailedStep != "first" {
		t.Errorf("expected failed step first, got %q", res.FailedStep)
	}
}

func TestManager_ParallelGroup_RespectsMaxParallel(t *testing.T) {
	m, _ := testManager(t, Config{MaxParallel: 2})

	var cur, peak int32
	step := func(name string) Step {
		return Step{Name: name, Group: "g", Execute: func(ctx context.Context, sc *StepContext) (any, error) {
			n := atomic.AddInt32(&cur, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&cur, -1)
			return nil, nil
		}}
	}
	def := NewDefinition("bounded", step("s1"), step("s2"), step("s3"), step("s4"), step("s5"))

	res, err := m.Execute(context.Background(), def, ExecuteOptions{})
	if err != nil || res.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %v (%v)", res, err)
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("expected at most 2 concurrent steps, got %d", p)
	}
}

func withGroup(s Step, group string) Step {
	s.Group = group
	return s
}

func TestManager_CompensationFailureDoesNotHaltOthers(t *testing.T) {
	m, rec := testManager(t, Config{MaxCompensationRetries: 2})
	j := &journal{}

	var refundCalls int32
	charge := okStep(j, "charge_payment")
	charge.Compensate = func(ctx context.Context, sc *StepContext) error {
		atomic.AddInt32(&refundCalls, 1)
		return errors.New("refund service down")
	}
	def := NewDefinition("order",
		okStep(j, "reserve_inventory"),
		charge,
		failStep(j, "ship_order"),
	)

	res, err := m.Execute(context.Background(), def, ExecuteOptions{SagaID: "order-5"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", res.Status)
	}
	if n := atomic.LoadInt32(&refundCalls); n != 2 {
		t.Errorf("expected 2 refund attempts, got %d", n)
	}
	if j.count("undo:reserve_inventory") != 1 {
		t.Error("expected reserve_inventory compensation to run after the refund failed")
	}
	if len(res.CompensationFailures) != 1 || res.CompensationFailures[0].Step != "charge_payment" {
		t.Fatalf("expected one compensation failure for charge_payment, got %+v", res.CompensationFailures)
	}
	step, _ := res.Step("charge_payment")
	if step.Status != StepCompensating || step.CompensationError == "" {
		t.Errorf("expected charge_payment COMPENSATING with error, got %s %q", step.Status, step.CompensationError)
	}
	if !apperrors.HasCode(res.Err(), apperrors.ErrCodeCompensationFailed) {
		t.Errorf("expected COMPENSATION_FAILED from Err, got %v", res.Err())
	}
	if rec.Count(EventCompensationFailed) != 1 {
		t.Errorf("expected one compensation_failed event, got %d", rec.Count(EventCompensationFailed))
	}
}

func TestManager_Execute_LockContention(t *testing.T) {
	locker := NewMemoryLocker()
	m, _ := testManager(t, Config{}, WithLocker(locker))

	lease, err := locker.Acquire(context.Background(), "order-6", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	j := &journal{}
	_, err = m.Execute(context.Background(), orderSaga(j, false), ExecuteOptions{SagaID: "order-6"})
	if !apperrors.HasCode(err, apperrors.ErrCodeSagaLocked) {
		t.Fatalf("expected SAGA_LOCKED, got %v", err)
	}
	if !errors.Is(err, ErrSagaLocked) {
		t.Error("expected error to wrap ErrSagaLocked")
	}
	if len(j.list()) != 0 {
		t.Error("no step may run without the lock")
	}
}

func TestManager_Abort(t *testing.T) {
	m, rec := testManager(t, Config{})
	j := &journal{}

	started := make(chan struct{})
	wait := Step{
		Name: "await_approval",
		Execute: func(ctx context.Context, sc *StepContext) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	def := NewDefinition("order", okStep(j, "reserve_inventory"), wait, okStep(j, "ship_order"))

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := m.Execute(context.Background(), def, ExecuteOptions{SagaID: "order-7"})
		done <- outcome{res, err}
	}()

	<-started
	if err := m.Abort("order-7"); err != nil {
		t.Fatalf("abort: %v", err)
	}

	var out outcome
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not stop after abort")
	}
	if out.err != nil {
		t.Fatalf("unexpected error: %v", out.err)
	}
	if out.res.Status != StatusCompensated || out.res.FailedStep != "await_approval" {
		t.Fatalf("expected COMPENSATED after await_approval, got %s after %q", out.res.Status, out.res.FailedStep)
	}
	if !strings.Contains(out.res.Error, string(apperrors.ErrCodeSagaAborted)) {
		t.Errorf("expected abort in error, got %q", out.res.Error)
	}
	if j.count("undo:reserve_inventory") != 1 || j.count("ship_order") != 0 {
		t.Errorf("unexpected journal %v", j.list())
	}
	if len(m.Running()) != 0 {
		t.Error("expected no running sagas")
	}
	if rec.Count(EventSagaCompensated) != 1 {
		t.Error("expected saga_compensated event")
	}

	if err := m.Abort("order-7"); !apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND for finished saga, got %v", err)
	}
}

func TestManager_CallerCancellationStillCompensates(t *testing.T) {
	m, _ := testManager(t, Config{})
	j := &journal{}

	ctx, cancel := context.WithCancel(context.Background())
	block := Step{
		Name: "charge_payment",
		Execute: func(ctx context.Context, sc *StepContext) (any, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	def := NewDefinition("order", okStep(j, "reserve_inventory"), block)

	res, err := m.Execute(ctx, def, ExecuteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompensated {
		t.Errorf("expected COMPENSATED, got %s", res.Status)
	}
	if j.count("undo:reserve_inventory") != 1 {
		t.Error("expected compensation on a detached context")
	}
}

// flakyStore fails writes once any step is compensating.
type flakyStore struct {
	*MemoryStore
	failCompensation atomic.Bool
}

func (f *flakyStore) Save(ctx context.Context, s *Snapshot, ttl time.Duration) error {
	if f.failCompensation.Load() {
		for _, st := range s.Steps {
			if st.Status == StepCompensating {
				return errors.New("disk full")
			}
		}
	}
	return f.MemoryStore.Save(ctx, s, ttl)
}

func TestManager_SnapshotFailureDuringCompensationFailsSaga(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failCompensation.Store(true)
	m, rec := testManager(t, Config{}, WithStore(store))
	j := &journal{}

	res, err := m.Execute(context.Background(), orderSaga(j, true), ExecuteOptions{SagaID: "order-8"})
	if !apperrors.HasCode(err, apperrors.ErrCodeSnapshotError) {
		t.Fatalf("expected SNAPSHOT_ERROR, got %v", err)
	}
	if res == nil || res.Status != StatusFailed {
		t.Fatalf("expected FAILED result, got %+v", res)
	}
	if len(j.undos()) != 0 {
		t.Errorf("no compensation may run without a recorded snapshot, got %v", j.undos())
	}
	if rec.Count(EventSagaFailed) != 1 {
		t.Error("expected saga_failed event")
	}
}

func TestManager_Recover_ResumesRunningSaga(t *testing.T) {
	store := NewMemoryStore()
	defs := NewDefinitionRegistry()
	m, _ := testManager(t, Config{}, WithStore(store), WithDefinitions(defs))
	j := &journal{}

	def := orderSaga(j, false)
	if err := defs.Register(def); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash while charge_payment was running.
	snap := newSnapshot("order-9", def, nil, "")
	snap.Steps[0].Status = StepCompleted
	snap.Steps[0].CompletedBatch = 1
	snap.Steps[1].Status = StepRunning
	snap.Batch = 2
	if err := store.Save(context.Background(), snap, 0); err != nil {
		t.Fatal(err)
	}

	results, err := m.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(results) != 1 || results[0].Status != StatusCompleted {
		t.Fatalf("expected one COMPLETED result, got %+v", results)
	}
	want := []string{"charge_payment", "ship_order"}
	if got := j.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected only remaining steps %v, got %v", want, got)
	}
}

func TestManager_Recover_ContinuesCompensation(t *testing.T) {
	store := NewMemoryStore()
	defs := NewDefinitionRegistry()
	m, _ := testManager(t, Config{}, WithStore(store), WithDefinitions(defs))
	j := &journal{}

	def := orderSaga(j, true)
	if err := defs.Register(def); err != nil {
		t.Fatal(err)
	}

	snap := newSnapshot("order-10", def, nil, "")
	snap.Status = StatusCompensating
	snap.FailedStep = "ship_order"
	snap.Steps[0].Status = StepCompleted
	snap.Steps[0].CompletedBatch = 1
	snap.Steps[1].Status = StepCompensated
	snap.Steps[1].CompletedBatch = 2
	snap.Steps[2].Status = StepFailed
	if err := store.Save(context.Background(), snap, 0); err != nil {
		t.Fatal(err)
	}

	res, err := m.Resume(context.Background(), "order-10")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Status != StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", res.Status)
	}
	if got := j.undos(); !reflect.DeepEqual(got, []string{"undo:reserve_inventory"}) {
		t.Errorf("expected only reserve_inventory compensated, got %v", got)
	}
}

func TestManager_Recover_SkipsUnknownDefinitions(t *testing.T) {
	store := NewMemoryStore()
	m, _ := testManager(t, Config{}, WithStore(store))

	snap := newSnapshot("orphan", NewDefinition("retired", Step{Name: "x"}), nil, "")
	if err := store.Save(context.Background(), snap, 0); err != nil {
		t.Fatal(err)
	}

	results, err := m.Recover(context.Background())
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
	if !apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND in joined error, got %v", err)
	}
}

func TestManager_Resume_NotFound(t *testing.T) {
	m, _ := testManager(t, Config{})
	_, err := m.Resume(context.Background(), "missing")
	if !apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestManager_Execute_RejectsForeignSnapshot(t *testing.T) {
	m, _ := testManager(t, Config{})
	j := &journal{}
	if _, err := m.Execute(context.Background(), orderSaga(j, false), ExecuteOptions{SagaID: "shared"}); err != nil {
		t.Fatal(err)
	}
	other := NewDefinition("refund", okStep(j, "refund"))
	_, err := m.Execute(context.Background(), other, ExecuteOptions{SagaID: "shared"})
	if !apperrors.HasCode(err, apperrors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

func TestManager_Execute_InvalidDefinition(t *testing.T) {
	m, _ := testManager(t, Config{})
	_, err := m.Execute(context.Background(), NewDefinition("empty"), ExecuteOptions{})
	if !apperrors.HasCode(err, apperrors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

func TestManager_StepPanicIsCompensated(t *testing.T) {
	m, _ := testManager(t, Config{})
	j := &journal{}

	boom := Step{Name: "boom", Execute: func(ctx context.Context, sc *StepContext) (any, error) {
		panic("nil map")
	}}
	res, err := m.Execute(context.Background(), NewDefinition("p", okStep(j, "a"), boom), ExecuteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompensated || !strings.Contains(res.Error, "panicked") {
		t.Errorf("expected COMPENSATED after panic, got %s %q", res.Status, res.Error)
	}
}

func TestManager_StepRetriesAreCounted(t *testing.T) {
	m, _ := testManager(t, Config{})

	var calls int32
	flaky := Step{
		Name:        "flaky",
		MaxAttempts: 3,
		Execute: func(ctx context.Context, sc *StepContext) (any, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		},
	}
	res, err := m.Execute(context.Background(), NewDefinition("retry", flaky), ExecuteOptions{})
	if err != nil || res.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %v (%v)", res, err)
	}
	if s, _ := res.Step("flaky"); s.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", s.Attempts)
	}
}

func TestManager_TerminalSnapshotUsesTTL(t *testing.T) {
	store := NewMemoryStore()
	m, _ := testManager(t, Config{SnapshotTTL: 20 * time.Millisecond}, WithStore(store))
	j := &journal{}

	if _, err := m.Execute(context.Background(), orderSaga(j, false), ExecuteOptions{SagaID: "ttl"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)
	snap, err := store.Load(context.Background(), "ttl")
	if err != nil || snap != nil {
		t.Errorf("expected terminal snapshot to expire, got %v (%v)", snap, err)
	}
}

func TestManager_ShipmentExhaustsRetriesThenCompensates(t *testing.T) {
	m, rec := testManager(t, Config{})
	j := &journal{}
	def := orderSaga(j, true)
	def.Steps[2].MaxAttempts = 3

	res, err := m.Execute(context.Background(), def, ExecuteOptions{SagaID: "order-12"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompensated || res.FailedStep != "ship_order" {
		t.Fatalf("expected COMPENSATED after ship_order, got %s after %q", res.Status, res.FailedStep)
	}
	if n := j.count("ship_order"); n != 3 {
		t.Errorf("expected 3 shipping attempts, got %d", n)
	}
	if s, _ := res.Step("ship_order"); s.Attempts != 3 {
		t.Errorf("expected 3 recorded attempts, got %d", s.Attempts)
	}
	if !strings.Contains(res.Error, string(apperrors.ErrCodeMaxRetriesExceeded)) {
		t.Errorf("expected retries exhausted, got %q", res.Error)
	}
	if rec.Count(resilience.EventRetryScheduled) != 2 {
		t.Errorf("expected 2 scheduled retries, got %d", rec.Count(resilience.EventRetryScheduled))
	}
	want := []string{"undo:charge_payment", "undo:reserve_inventory"}
	if got := j.undos(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected compensations %v, got %v", want, got)
	}
}

func TestManager_LockIsRenewedWhileStepRuns(t *testing.T) {
	m, _ := testManager(t, Config{LockTTL: 50 * time.Millisecond})

	var calls, inFlight, maxInFlight atomic.Int32
	slow := Step{
		Name: "settle",
		Execute: func(ctx context.Context, sc *StepContext) (any, error) {
			calls.Add(1)
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				cur := maxInFlight.Load()
				if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(200 * time.Millisecond)
			return nil, nil
		},
	}
	def := NewDefinition("settlement", slow)

	first := make(chan error, 1)
	go func() {
		_, err := m.Execute(context.Background(), def, ExecuteOptions{SagaID: "settle-1"})
		first <- err
	}()

	time.Sleep(100 * time.Millisecond)
	_, err := m.Execute(context.Background(), def, ExecuteOptions{SagaID: "settle-1"})
	if !apperrors.HasCode(err, apperrors.ErrCodeSagaLocked) {
		t.Errorf("second execution past LockTTL: expected SAGA_LOCKED, got %v", err)
	}

	if err := <-first; err != nil {
		t.Fatalf("first execution: %v", err)
	}
	if calls.Load() != 1 || maxInFlight.Load() != 1 {
		t.Errorf("step ran %d times, %d at once", calls.Load(), maxInFlight.Load())
	}
}

// lossyLocker hands out leases that can never be renewed.
type lossyLocker struct{ *MemoryLocker }

type lossyLease struct{ Lease }

func (l lossyLocker) Acquire(ctx context.Context, sagaID string, ttl time.Duration) (Lease, error) {
	lease, err := l.MemoryLocker.Acquire(ctx, sagaID, ttl)
	if err != nil {
		return nil, err
	}
	return lossyLease{lease}, nil
}

func (lossyLease) Renew(context.Context, time.Duration) error {
	return errors.New("connection reset")
}

func TestManager_LostLockCompensates(t *testing.T) {
	m, _ := testManager(t, Config{LockTTL: 90 * time.Millisecond}, WithLocker(lossyLocker{NewMemoryLocker()}))
	j := &journal{}

	blocked := okStep(j, "capture")
	blocked.Execute = func(ctx context.Context, sc *StepContext) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	def := NewDefinition("capture", okStep(j, "authorize"), blocked)

	res, err := m.Execute(context.Background(), def, ExecuteOptions{SagaID: "cap-1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCompensated || res.FailedStep != "capture" {
		t.Fatalf("expected COMPENSATED after capture, got %s after %q", res.Status, res.FailedStep)
	}
	if !strings.Contains(res.Error, ErrLeaseLost.Error()) {
		t.Errorf("expected lost lock in error, got %q", res.Error)
	}
	if j.count("undo:authorize") != 1 {
		t.Errorf("expected authorize compensated, got %v", j.undos())
	}
}

// panickyStore panics on every write after the first.
type panickyStore struct {
	*MemoryStore
	saves atomic.Int32
}

func (p *panickyStore) Save(ctx context.Context, s *Snapshot, ttl time.Duration) error {
	if p.saves.Add(1) > 1 {
		panic("store corrupted")
	}
	return p.MemoryStore.Save(ctx, s, ttl)
}

func TestManager_PanickingStoreDoesNotHang(t *testing.T) {
	locker := NewMemoryLocker()
	m, _ := testManager(t, Config{}, WithStore(&panickyStore{MemoryStore: NewMemoryStore()}), WithLocker(locker))
	j := &journal{}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := m.Execute(context.Background(), orderSaga(j, false), ExecuteOptions{SagaID: "order-13"})
		done <- outcome{res, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return")
	}
	if !apperrors.HasCode(out.err, apperrors.ErrCodeSnapshotError) || !strings.Contains(out.err.Error(), "panicked") {
		t.Errorf("expected SNAPSHOT_ERROR from the panic, got %v", out.err)
	}
	if len(j.list()) != 0 {
		t.Errorf("no step may run without a recorded start, got %v", j.list())
	}
	if len(m.Running()) != 0 {
		t.Errorf("expected no running executions, got %v", m.Running())
	}
	lease, err := locker.Acquire(context.Background(), "order-13", time.Minute)
	if err != nil {
		t.Fatalf("expected lock released, got %v", err)
	}
	lease.Release()
}

func TestManager_Lifecycle(t *testing.T) {
	store := NewMemoryStore()
	defs := NewDefinitionRegistry()
	m, _ := testManager(t, Config{}, WithStore(store), WithDefinitions(defs))
	j := &journal{}
	def := orderSaga(j, false)
	_ = defs.Register(def)
	_ = store.Save(context.Background(), newSnapshot("pending", def, nil, ""), 0)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if j.count("ship_order") != 1 {
		t.Error("expected Start to recover pending sagas")
	}
	h := m.Health(context.Background())
	if h.Name != "saga-manager" || !strings.Contains(h.Message, "0 running") {
		t.Errorf("unexpected health %+v", h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Errorf("stop: %v", err)
	}
}

func TestManager_StartWithRecoveryDisabled(t *testing.T) {
	store := NewMemoryStore()
	defs := NewDefinitionRegistry()
	m, _ := testManager(t, Config{DisableRecovery: true}, WithStore(store), WithDefinitions(defs))
	j := &journal{}
	def := orderSaga(j, false)
	_ = defs.Register(def)
	_ = store.Save(context.Background(), newSnapshot("pending", def, nil, ""), 0)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(j.list()); n != 0 {
		t.Errorf("expected no steps to run, got %d", n)
	}
	snap, _ := store.Load(context.Background(), "pending")
	if snap == nil || snap.Status != StatusRunning {
		t.Errorf("expected snapshot left untouched, got %+v", snap)
	}
}
