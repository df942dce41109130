package observability

import (
	"context"

	"github.com/kbukum/sagakit/component"
)

// ServiceHealth is the health report of a service and its components.
type ServiceHealth struct {
	Service    string                 `json:"service" yaml:"service"`
	Status     component.HealthStatus `json:"status" yaml:"status"`
	Version    string                 `json:"version,omitempty" yaml:"version,omitempty"`
	Components []component.Health     `json:"components,omitempty" yaml:"components,omitempty"`
}

// NewServiceHealth creates a healthy ServiceHealth.
func NewServiceHealth(service, version string) *ServiceHealth {
	return &ServiceHealth{
		Service: service,
		Status:  component.StatusHealthy,
		Version: version,
	}
}

// AddComponent adds a component health result and degrades overall status if needed.
func (sh *ServiceHealth) AddComponent(ch component.Health) {
	sh.Components = append(sh.Components, ch)
	sh.Status = component.Overall(sh.Components)
}

// CheckRegistry builds a report from every component in r.
func CheckRegistry(ctx context.Context, service, version string, r *component.Registry) *ServiceHealth {
	sh := NewServiceHealth(service, version)
	for _, h := range r.HealthAll(ctx) {
		sh.AddComponent(h)
	}
	return sh
}
