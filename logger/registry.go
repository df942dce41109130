package logger

import (
	"sort"
	"sync"
)

// Named loggers. An explicit Register wins; otherwise Get derives a logger
// from the global one tagged with the name, and re-derives it after Init or
// SetGlobalLogger swaps the global logger.
var named = struct {
	mu       sync.RWMutex
	explicit map[string]*Logger
	derived  map[string]*Logger
}{
	explicit: make(map[string]*Logger),
	derived:  make(map[string]*Logger),
}

// Register pins the logger returned by Get(name).
func Register(name string, l *Logger) {
	named.mu.Lock()
	defer named.mu.Unlock()
	named.explicit[name] = l
}

// Get returns the logger for name.
func Get(name string) *Logger {
	named.mu.RLock()
	l, ok := named.explicit[name]
	if !ok {
		l, ok = named.derived[name]
	}
	named.mu.RUnlock()
	if ok {
		return l
	}

	l = GetGlobalLogger().WithComponent(name)
	named.mu.Lock()
	named.derived[name] = l
	named.mu.Unlock()
	return l
}

// Names lists every logger handed out or registered so far.
func Names() []string {
	named.mu.RLock()
	defer named.mu.RUnlock()
	seen := make(map[string]struct{}, len(named.explicit)+len(named.derived))
	for n := range named.explicit {
		seen[n] = struct{}{}
	}
	for n := range named.derived {
		seen[n] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func resetDerived() {
	named.mu.Lock()
	named.derived = make(map[string]*Logger)
	named.mu.Unlock()
}
