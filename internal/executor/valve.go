package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/recipe"
)

// runValve arms a timed valve pulse. The PLC times the pulse itself, so
// the handler returns as soon as the command is accepted and the next step
// starts while the valve is still open.
func (e *Executor) runValve(ctx context.Context, r *run, step recipe.Step) error {
	cfg := step.Valve
	if cfg == nil {
		return &StepConfigError{Step: step.Name, Type: step.Type, Reason: "no valve configuration"}
	}
	if cfg.Number <= 0 {
		return &StepConfigError{Step: step.Name, Type: step.Type, Reason: "valve number must be positive"}
	}
	if cfg.Duration <= 0 {
		return &StepConfigError{Step: step.Name, Type: step.Type, Reason: "pulse duration must be positive"}
	}

	durationMS := int(cfg.Duration / time.Millisecond)
	if err := e.state.SetValveState(ctx, r.pid, step.Name, cfg.Number, durationMS); err != nil {
		r.log.Warn().Err(err).Msg("valve state update failed")
	}
	if e.interrupted(ctx, r.pid) {
		return errStopped
	}

	if err := e.valves.ControlValve(ctx, cfg.Number, true, cfg.Duration); err != nil {
		return fmt.Errorf("pulse valve %d: %w", cfg.Number, err)
	}
	e.audit.Record(AuditRecord{
		ProcessID:   r.pid,
		StepID:      step.ID,
		ValveNumber: cfg.Number,
		DurationMS:  durationMS,
	})
	r.log.Debug().
		Int("valve", cfg.Number).
		Int("duration_ms", durationMS).
		Msg("valve pulsed")
	return nil
}
