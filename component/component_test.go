package component

import (
	"context"
	"errors"
	"testing"
)

type fakeComponent struct {
	name     string
	startErr error
	stopErr  error
	health   Health
	desc     *Description
	events   *[]string
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Start(context.Context) error {
	if f.events != nil {
		*f.events = append(*f.events, "start:"+f.name)
	}
	return f.startErr
}

func (f *fakeComponent) Stop(context.Context) error {
	if f.events != nil {
		*f.events = append(*f.events, "stop:"+f.name)
	}
	return f.stopErr
}

func (f *fakeComponent) Health(context.Context) Health { return f.health }

type describedComponent struct{ fakeComponent }

func (d *describedComponent) Describe() Description { return *d.desc }

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeComponent{name: "redis"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&fakeComponent{name: "redis"}); err == nil {
		t.Error("expected error for duplicate name")
	}
	if got := r.Get("redis"); got == nil || got.Name() != "redis" {
		t.Errorf("Get(redis) = %v", got)
	}
	if got := r.Get("kafka"); got != nil {
		t.Errorf("Get(kafka) = %v, want nil", got)
	}
	if n := len(r.All()); n != 1 {
		t.Errorf("All() has %d components, want 1", n)
	}
}

func TestRegistry_StartStopOrder(t *testing.T) {
	r := NewRegistry()
	var events []string
	for _, name := range []string{"database", "kafka", "saga-manager"} {
		r.Register(&fakeComponent{name: name, events: &events})
	}

	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := r.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	want := []string{
		"start:database", "start:kafka", "start:saga-manager",
		"stop:saga-manager", "stop:kafka", "stop:database",
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestRegistry_StartFailureStopsOnlyStarted(t *testing.T) {
	r := NewRegistry()
	var events []string
	r.Register(&fakeComponent{name: "database", events: &events})
	r.Register(&fakeComponent{name: "kafka", events: &events, startErr: errors.New("dial tcp: refused")})
	r.Register(&fakeComponent{name: "saga-manager", events: &events})

	if err := r.StartAll(context.Background()); err == nil {
		t.Fatal("expected StartAll error")
	}
	events = events[:0]
	if err := r.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if len(events) != 1 || events[0] != "stop:database" {
		t.Errorf("events = %v, want [stop:database]", events)
	}
}

func TestRegistry_StopAllJoinsErrors(t *testing.T) {
	errA := errors.New("flush failed")
	errB := errors.New("close failed")
	r := NewRegistry()
	r.Register(&fakeComponent{name: "kafka", stopErr: errA})
	r.Register(&fakeComponent{name: "redis", stopErr: errB})
	r.StartAll(context.Background())

	err := r.StopAll(context.Background())
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("StopAll error = %v, want both stop errors", err)
	}
}

func TestRegistry_HealthAndOverall(t *testing.T) {
	tests := []struct {
		name   string
		health []HealthStatus
		want   HealthStatus
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []HealthStatus{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []HealthStatus{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []HealthStatus{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for i, st := range tt.health {
				name := string(rune('a' + i))
				r.Register(&fakeComponent{name: name, health: Health{Name: name, Status: st}})
			}
			hs := r.HealthAll(context.Background())
			if len(hs) != len(tt.health) {
				t.Fatalf("HealthAll returned %d entries, want %d", len(hs), len(tt.health))
			}
			if got := Overall(hs); got != tt.want {
				t.Errorf("Overall = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRegistry_Describe(t *testing.T) {
	r := NewRegistry()
	r.Register(&describedComponent{fakeComponent{
		name: "redis",
		desc: &Description{Name: "Redis", Type: "redis", Details: "localhost:6379 db=0"},
	}})
	r.Register(&describedComponent{fakeComponent{
		name: "badger",
		desc: &Description{Type: "badger"},
	}})
	r.Register(&fakeComponent{name: "saga-manager"})

	got := r.Describe()
	if len(got) != 3 {
		t.Fatalf("Describe returned %d entries, want 3", len(got))
	}
	if got[0].Name != "Redis" || got[0].Details != "localhost:6379 db=0" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].Name != "badger" {
		t.Errorf("empty Name should fall back to component name, got %q", got[1].Name)
	}
	if got[2].Name != "saga-manager" || got[2].Type != "" {
		t.Errorf("got[2] = %+v", got[2])
	}
}
