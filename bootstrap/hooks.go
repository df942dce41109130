package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/kbukum/sagakit/logger"
)

// Hook is a lifecycle callback. OnStart and OnReady hooks may execute sagas;
// OnStop hooks run while the manager still accepts them.
type Hook func(ctx context.Context) error

type phase string

const (
	phaseStart phase = "start"
	phaseReady phase = "ready"
	phaseStop  phase = "stop"
)

// OnStart registers hooks that run once every component, the saga manager
// included, has started and recovery is done.
func (a *App) OnStart(hooks ...Hook) {
	a.onStart = append(a.onStart, hooks...)
}

// OnReady registers hooks that run after the ready check.
func (a *App) OnReady(hooks ...Hook) {
	a.onReady = append(a.onReady, hooks...)
}

// OnStop registers hooks that run at shutdown before any component stops.
func (a *App) OnStop(hooks ...Hook) {
	a.onStop = append(a.onStop, hooks...)
}

// runHooks runs hooks in registration order and stops at the first error.
// Start and ready hooks are skipped once ctx is done; stop hooks always run.
func (a *App) runHooks(ctx context.Context, p phase, hooks []Hook) error {
	for i, h := range hooks {
		if p != phaseStop && ctx.Err() != nil {
			return fmt.Errorf("%s hook %d: %w", p, i, ctx.Err())
		}
		begin := time.Now()
		if err := h(ctx); err != nil {
			return fmt.Errorf("%s hook %d: %w", p, i, err)
		}
		a.Logger.Debug("Lifecycle hook finished", logger.Fields("phase", string(p), "index", i, "duration", time.Since(begin).String()))
	}
	return nil
}
