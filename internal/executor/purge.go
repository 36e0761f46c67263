package executor

import (
	"context"
	"time"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/recipe"
)

// defaultPurgeDuration stands in when a purge step has no usable duration.
// Purges are waits, not actuations, so a missing value is recoverable.
const defaultPurgeDuration = time.Second

// runPurge holds the recipe for the purge duration. The wait unblocks
// immediately on a stop request or shutdown.
func (e *Executor) runPurge(ctx context.Context, r *run, step recipe.Step) error {
	duration := defaultPurgeDuration
	if cfg := step.Purge; cfg != nil && cfg.Duration > 0 {
		duration = cfg.Duration
	} else {
		r.log.Warn().
			Str("step", step.Name).
			Dur("default", defaultPurgeDuration).
			Msg("purge step has no duration, using default")
	}

	durationMS := int(duration / time.Millisecond)
	if err := e.state.SetPurgeState(ctx, r.pid, step.Name, durationMS); err != nil {
		r.log.Warn().Err(err).Msg("purge state update failed")
	}
	if e.interrupted(ctx, r.pid) {
		return errStopped
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return errStopped
	case <-e.registry.Done(r.pid):
		return errStopped
	}
	r.log.Debug().Int("duration_ms", durationMS).Msg("purge complete")
	return nil
}
