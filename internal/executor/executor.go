// Package executor walks compiled recipes against the PLC and keeps the
// process execution rows current while it does so. One Executor runs one
// process at a time per machine; the Runner enforces that and owns the
// goroutine lifecycle.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/execution"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/params"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/recipe"
)

// Setpoint parameters the setup phase resolves by name from the recipe
// header.
const (
	chamberTemperatureName = "chamber_temperature"
	chamberPressureName    = "pressure"
)

// errStopped marks a run cut short by a stop request or shutdown rather
// than a fault.
var errStopped = errors.New("recipe stopped")

// StateStore is the slice of the execution store the walk writes through.
type StateStore interface {
	Touch(ctx context.Context, pid string) error
	Finish(ctx context.Context, pid, status string, errMsg *string) error
	SetStepPointer(ctx context.Context, pid string, index, overall int) error
	SetValveState(ctx context.Context, pid, name string, number, durationMS int) error
	SetPurgeState(ctx context.Context, pid, name string, durationMS int) error
	SetLoopState(ctx context.Context, pid, name string, count int) error
	SetLoopIteration(ctx context.Context, pid string, iteration int) error
	SetParameterState(ctx context.Context, pid, name, parameterID string, value float64) error
	SetSetupState(ctx context.Context, pid, name string) error
	SetTerminal(ctx context.Context, pid, stepType, name string) error
	IncrementSteps(ctx context.Context, pid string) error
	IncrementCycles(ctx context.Context, pid string) error
}

// Authority releases or faults the machine when a run reaches a terminal
// state.
type Authority interface {
	ToIdle(ctx context.Context, machineID string) error
	ToError(ctx context.Context, machineID, description string) error
}

// ParameterWriter applies setpoints through the parameter pipeline.
type ParameterWriter interface {
	Write(ctx context.Context, id string, value float64) (params.Parameter, error)
	WriteByName(ctx context.Context, name string, value float64) (params.Parameter, error)
}

// ValveController is the one driver operation the walk needs.
type ValveController interface {
	ControlValve(ctx context.Context, number int, open bool, duration time.Duration) error
}

// Recorder captures a full parameter snapshot after each top-level step.
type Recorder interface {
	LogProcessSnapshot(ctx context.Context, processID string) error
}

// Config carries the executor's collaborators.
type Config struct {
	MachineID string
	State     StateStore
	Authority Authority
	Registry  *execution.Registry
	Valves    ValveController
	Params    ParameterWriter
	Recorder  Recorder
	Audit     *AuditQueue
	Logger    zerolog.Logger
}

type Executor struct {
	machineID string
	state     StateStore
	authority Authority
	registry  *execution.Registry
	valves    ValveController
	params    ParameterWriter
	recorder  Recorder
	audit     *AuditQueue
	logger    zerolog.Logger
	tracer    trace.Tracer
}

func New(cfg Config) *Executor {
	return &Executor{
		machineID: cfg.MachineID,
		state:     cfg.State,
		authority: cfg.Authority,
		registry:  cfg.Registry,
		valves:    cfg.Valves,
		params:    cfg.Params,
		recorder:  cfg.Recorder,
		audit:     cfg.Audit,
		logger:    cfg.Logger.With().Str("component", "executor").Logger(),
		tracer:    otel.Tracer("executor"),
	}
}

// run carries the per-process walk state.
type run struct {
	pid       string
	compiled  *recipe.Compiled
	overrides map[string]float64
	overall   int
	log       zerolog.Logger
}

// Run executes one compiled recipe to a terminal state and blocks until it
// gets there. The process execution and state rows must already exist. On
// return the process row is completed, stopped, or failed, and the machine
// status has been updated to match.
func (e *Executor) Run(ctx context.Context, pid string, c *recipe.Compiled, overrides map[string]float64) error {
	r := &run{
		pid:       pid,
		compiled:  c,
		overrides: overrides,
		log: e.logger.With().
			Str("process_id", pid).
			Str("recipe", c.Recipe.Name).
			Logger(),
	}

	ctx, span := e.tracer.Start(ctx, "recipe.run",
		trace.WithAttributes(
			attribute.String("process.id", pid),
			attribute.String("recipe.name", c.Recipe.Name),
		))
	defer span.End()

	e.registry.Register(pid)
	defer e.registry.Clear(pid)

	r.log.Info().
		Int("total_steps", c.TotalSteps).
		Int("total_cycles", c.TotalCycles).
		Msg("recipe run starting")

	var runErr error
	defer func() {
		e.finish(r, runErr)
		if runErr != nil && !errors.Is(runErr, errStopped) {
			span.RecordError(runErr)
			span.SetStatus(codes.Error, runErr.Error())
		}
	}()

	if runErr = e.setup(ctx, r); runErr != nil {
		return runErr
	}

	for i, step := range c.TopLevel {
		if e.interrupted(ctx, pid) {
			runErr = errStopped
			return runErr
		}
		if err := e.state.Touch(ctx, pid); err != nil {
			r.log.Warn().Err(err).Msg("heartbeat update failed")
		}
		if err := e.state.SetStepPointer(ctx, pid, i+1, r.overall+1); err != nil {
			r.log.Warn().Err(err).Msg("step pointer update failed")
		}
		if runErr = e.dispatch(ctx, r, step); runErr != nil {
			return runErr
		}
		if err := e.recorder.LogProcessSnapshot(ctx, pid); err != nil {
			r.log.Warn().Err(err).Msg("process snapshot failed")
		}
	}
	return nil
}

// interrupted reports whether the run should stop at the next boundary,
// either from a stop command or runtime shutdown.
func (e *Executor) interrupted(ctx context.Context, pid string) bool {
	return ctx.Err() != nil || e.registry.Cancelled(pid)
}

// setup applies the recipe header setpoints and any operator overrides
// before the first step. Setpoints without a matching component parameter
// are skipped with a warning; write failures abort the run.
func (e *Executor) setup(ctx context.Context, r *run) error {
	if err := e.state.SetSetupState(ctx, r.pid, "Preparing chamber"); err != nil {
		r.log.Warn().Err(err).Msg("setup state update failed")
	}
	if v := r.compiled.Recipe.ChamberTemperatureSetPoint; v != nil {
		if err := e.applySetpoint(ctx, r, chamberTemperatureName, *v); err != nil {
			return err
		}
	}
	if v := r.compiled.Recipe.PressureSetPoint; v != nil {
		if err := e.applySetpoint(ctx, r, chamberPressureName, *v); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(r.overrides))
	for name := range r.overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.applySetpoint(ctx, r, name, r.overrides[name]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) applySetpoint(ctx context.Context, r *run, name string, value float64) error {
	_, err := e.params.WriteByName(ctx, name, value)
	if errors.Is(err, params.ErrNotFound) {
		r.log.Warn().Str("parameter", name).Msg("no component parameter for setpoint, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply setpoint %s: %w", name, err)
	}
	r.log.Info().Str("parameter", name).Float64("value", value).Msg("setpoint applied")
	return nil
}

// dispatch runs one step. Leaves advance the overall counter before their
// handler fires and the completed_steps counter after it succeeds; loops
// account for their children through their own handler.
func (e *Executor) dispatch(ctx context.Context, r *run, step recipe.Step) (err error) {
	ctx, span := e.tracer.Start(ctx, "step."+string(step.Type),
		trace.WithAttributes(attribute.String("step.name", step.Name)))
	defer func() {
		if err != nil && !errors.Is(err, errStopped) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if step.Type == recipe.StepLoop {
		err = e.runLoop(ctx, r, step)
		stepsTotal.WithLabelValues(string(step.Type), result(err)).Inc()
		return err
	}

	r.overall++
	switch step.Type {
	case recipe.StepValve:
		err = e.runValve(ctx, r, step)
	case recipe.StepPurge:
		err = e.runPurge(ctx, r, step)
	case recipe.StepSetParameter:
		err = e.runSetParameter(ctx, r, step)
	default:
		err = &StepConfigError{Step: step.Name, Type: step.Type, Reason: "unknown step type"}
	}
	stepsTotal.WithLabelValues(string(step.Type), result(err)).Inc()
	if err != nil {
		return err
	}
	if perr := e.state.IncrementSteps(ctx, r.pid); perr != nil {
		r.log.Warn().Err(perr).Msg("step progress update failed")
	}
	return nil
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errStopped):
		return "stopped"
	default:
		return "error"
	}
}

// finish closes the run out on the datastore and the machine rows. It runs
// on a background context so an interrupted run context cannot block the
// terminal writes.
func (e *Executor) finish(r *run, runErr error) {
	ctx := context.Background()

	switch {
	case runErr == nil:
		if err := e.state.SetTerminal(ctx, r.pid, execution.StateCompleted, "Recipe completed"); err != nil {
			r.log.Warn().Err(err).Msg("terminal state update failed")
		}
		if err := e.state.Finish(ctx, r.pid, execution.StatusCompleted, nil); err != nil {
			r.log.Error().Err(err).Msg("completion update failed")
		}
		if err := e.authority.ToIdle(ctx, e.machineID); err != nil {
			r.log.Error().Err(err).Msg("machine release failed")
		}
		runsTotal.WithLabelValues(execution.StatusCompleted).Inc()
		r.log.Info().Msg("recipe run completed")

	case errors.Is(runErr, errStopped):
		if err := e.state.Finish(ctx, r.pid, execution.StatusStopped, nil); err != nil {
			r.log.Error().Err(err).Msg("stop update failed")
		}
		if err := e.authority.ToIdle(ctx, e.machineID); err != nil {
			r.log.Error().Err(err).Msg("machine release failed")
		}
		runsTotal.WithLabelValues(execution.StatusStopped).Inc()
		r.log.Info().Msg("recipe run stopped")

	default:
		msg := runErr.Error()
		if err := e.state.SetTerminal(ctx, r.pid, execution.StateError, msg); err != nil {
			r.log.Warn().Err(err).Msg("terminal state update failed")
		}
		if err := e.state.Finish(ctx, r.pid, execution.StatusFailed, &msg); err != nil {
			r.log.Error().Err(err).Msg("failure update failed")
		}
		if err := e.authority.ToError(ctx, e.machineID, msg); err != nil {
			r.log.Error().Err(err).Msg("machine fault update failed")
		}
		runsTotal.WithLabelValues(execution.StatusFailed).Inc()
		r.log.Error().Err(runErr).Msg("recipe run failed")
	}
}
