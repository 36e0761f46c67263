package executor

import (
	"context"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/recipe"
)

// runLoop repeats its children for the configured iteration count,
// bumping completed_cycles after each full pass. Stop requests land at
// iteration and child boundaries.
func (e *Executor) runLoop(ctx context.Context, r *run, step recipe.Step) error {
	cfg := step.Loop
	if cfg == nil {
		return &StepConfigError{Step: step.Name, Type: step.Type, Reason: "no loop configuration"}
	}
	if cfg.Iterations <= 0 {
		return &StepConfigError{Step: step.Name, Type: step.Type, Reason: "iteration count must be positive"}
	}

	children := r.compiled.ChildrenOf[step.ID]
	if err := e.state.SetLoopState(ctx, r.pid, step.Name, cfg.Iterations); err != nil {
		r.log.Warn().Err(err).Msg("loop state update failed")
	}

	for i := 1; i <= cfg.Iterations; i++ {
		if e.interrupted(ctx, r.pid) {
			return errStopped
		}
		if err := e.state.SetLoopIteration(ctx, r.pid, i); err != nil {
			r.log.Warn().Err(err).Msg("loop iteration update failed")
		}
		for _, child := range children {
			if e.interrupted(ctx, r.pid) {
				return errStopped
			}
			if err := e.dispatch(ctx, r, child); err != nil {
				return err
			}
		}
		if err := e.state.IncrementCycles(ctx, r.pid); err != nil {
			r.log.Warn().Err(err).Msg("cycle progress update failed")
		}
	}
	r.log.Debug().
		Str("loop", step.Name).
		Int("iterations", cfg.Iterations).
		Msg("loop complete")
	return nil
}
