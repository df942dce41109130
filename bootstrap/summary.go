package bootstrap

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kbukum/sagakit/component"
)

// Summary renders the startup report: infrastructure, registered saga
// definitions and live component health.
type Summary struct {
	serviceName     string
	version         string
	startupDuration time.Duration
	definitions     []string
}

// NewSummary creates a new bootstrap summary tracker.
func NewSummary(serviceName, version string) *Summary {
	return &Summary{
		serviceName: serviceName,
		version:     version,
	}
}

// SetStartupDuration records the total startup time.
func (s *Summary) SetStartupDuration(d time.Duration) {
	s.startupDuration = d
}

// SetDefinitions records the saga definitions available for resume.
func (s *Summary) SetDefinitions(names []string) {
	s.definitions = names
}

// Write renders the summary to w, querying registry for descriptions and
// live health.
func (s *Summary) Write(ctx context.Context, w io.Writer, registry *component.Registry) {
	fmt.Fprintf(w, "\n%s v%s started in %.2fs\n\n", s.serviceName, s.version, s.startupDuration.Seconds())

	var infra []component.Description
	var health []component.Health
	if registry != nil {
		infra = registry.Describe()
		health = registry.HealthAll(ctx)
	}

	if len(infra) > 0 {
		fmt.Fprintf(w, "Infrastructure\n")
		for i, d := range infra {
			details := d.Details
			if details == "" {
				fmt.Fprintf(w, "   %s %s\n", treePrefix(i, len(infra)), d.Name)
				continue
			}
			fmt.Fprintf(w, "   %s %s: %s\n", treePrefix(i, len(infra)), d.Name, details)
		}
		fmt.Fprintf(w, "\n")
	} else {
		fmt.Fprintf(w, "   └── No components registered\n\n")
	}

	fmt.Fprintf(w, "Saga definitions (%d)\n", len(s.definitions))
	for i, name := range s.definitions {
		fmt.Fprintf(w, "   %s %s\n", treePrefix(i, len(s.definitions)), name)
	}
	fmt.Fprintf(w, "\n")

	if len(health) > 0 {
		fmt.Fprintf(w, "Health\n")
		healthy := 0
		for i, h := range health {
			msg := ""
			if h.Message != "" {
				msg = " (" + h.Message + ")"
			}
			fmt.Fprintf(w, "   %s %s %s: %s%s\n", treePrefix(i, len(health)), healthStatusIcon(h.Status), h.Name, strings.ToLower(string(h.Status)), msg)
			if h.Status == component.StatusHealthy {
				healthy++
			}
		}
		if healthy == len(health) {
			fmt.Fprintf(w, "\nAll components healthy (%d/%d)\n", healthy, len(health))
		} else {
			fmt.Fprintf(w, "\nSome components have issues (%d/%d healthy)\n", healthy, len(health))
		}
	}
	fmt.Fprintf(w, "\n")
}

func treePrefix(i, n int) string {
	if i == n-1 {
		return "└──"
	}
	return "├──"
}

func healthStatusIcon(status component.HealthStatus) string {
	switch status {
	case component.StatusHealthy:
		return "✅"
	case component.StatusDegraded:
		return "⚠️"
	case component.StatusUnhealthy:
		return "❌"
	default:
		return "❓"
	}
}
