package executor

import (
	"context"
	"fmt"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/recipe"
)

// runSetParameter writes one validated setpoint through the parameter
// pipeline. Range violations and bus failures fail the run.
func (e *Executor) runSetParameter(ctx context.Context, r *run, step recipe.Step) error {
	cfg := step.Param
	if cfg == nil || cfg.ParameterID == "" {
		return &StepConfigError{Step: step.Name, Type: step.Type, Reason: "no parameter target"}
	}

	if err := e.state.SetParameterState(ctx, r.pid, step.Name, cfg.ParameterID, cfg.Value); err != nil {
		r.log.Warn().Err(err).Msg("parameter state update failed")
	}
	if e.interrupted(ctx, r.pid) {
		return errStopped
	}

	p, err := e.params.Write(ctx, cfg.ParameterID, cfg.Value)
	if err != nil {
		return fmt.Errorf("set parameter %s: %w", cfg.ParameterID, err)
	}
	r.log.Debug().
		Str("parameter", p.Name).
		Float64("value", cfg.Value).
		Msg("parameter set")
	return nil
}
