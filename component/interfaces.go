package component

import "context"

// HealthStatus is a component's health, ordered healthy < degraded < unhealthy.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// worse reports whether s is more severe than other.
func (s HealthStatus) worse(other HealthStatus) bool {
	return s.rank() > other.rank()
}

func (s HealthStatus) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Health is one component's health report. Message is free text such as
// "active=3" or "2 running".
type Health struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// Component is a piece of infrastructure with a lifecycle: snapshot stores,
// lockers, event publishers and the saga manager itself.
type Component interface {
	// Name is unique within a Registry.
	Name() string
	Start(ctx context.Context) error
	// Stop releases resources. It must be safe on a component that never started.
	Stop(ctx context.Context) error
	Health(ctx context.Context) Health
}

// Description is what a component reports about its configuration for the
// startup summary and sagactl status.
type Description struct {
	// Name is the display name; the component name is used when empty.
	Name string `json:"name"`
	// Type groups components: "redis", "badger", "database", "kafka", "saga".
	Type string `json:"type,omitempty"`
	// Details is a one-line summary, e.g. "localhost:6379 db=0 prefix=saga".
	Details string `json:"details,omitempty"`
}

// Describable is implemented by components that can describe themselves.
type Describable interface {
	Describe() Description
}
