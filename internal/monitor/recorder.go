package monitor

import (
	"context"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/execution"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/executor"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/machine"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/plc"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/recipe"
)

// StateRecorder wraps the execution store so every progress write the
// recipe walk makes is mirrored into the Collector. The mirror happens
// before the store write: the dashboard tracks where the walk is, not
// whether the row landed.
type StateRecorder struct {
	store     executor.StateStore
	collector *Collector
}

// NewStateRecorder wraps store with collector mirroring.
func NewStateRecorder(store executor.StateStore, c *Collector) *StateRecorder {
	return &StateRecorder{store: store, collector: c}
}

func (r *StateRecorder) Touch(ctx context.Context, pid string) error {
	return r.store.Touch(ctx, pid)
}

func (r *StateRecorder) Finish(ctx context.Context, pid, status string, errMsg *string) error {
	var msg string
	if errMsg != nil {
		msg = *errMsg
	}
	r.collector.ProcessFinished(pid, status, msg)
	return r.store.Finish(ctx, pid, status, errMsg)
}

func (r *StateRecorder) SetStepPointer(ctx context.Context, pid string, index, overall int) error {
	r.collector.SetStepPointer(pid, index, overall)
	return r.store.SetStepPointer(ctx, pid, index, overall)
}

func (r *StateRecorder) SetValveState(ctx context.Context, pid, name string, number, durationMS int) error {
	r.collector.SetStep(pid, execution.StateValve, name)
	return r.store.SetValveState(ctx, pid, name, number, durationMS)
}

func (r *StateRecorder) SetPurgeState(ctx context.Context, pid, name string, durationMS int) error {
	r.collector.SetStep(pid, execution.StatePurge, name)
	return r.store.SetPurgeState(ctx, pid, name, durationMS)
}

func (r *StateRecorder) SetLoopState(ctx context.Context, pid, name string, count int) error {
	r.collector.SetStep(pid, execution.StateLoop, name)
	return r.store.SetLoopState(ctx, pid, name, count)
}

func (r *StateRecorder) SetLoopIteration(ctx context.Context, pid string, iteration int) error {
	r.collector.SetLoopIteration(pid, iteration)
	return r.store.SetLoopIteration(ctx, pid, iteration)
}

func (r *StateRecorder) SetParameterState(ctx context.Context, pid, name, parameterID string, value float64) error {
	r.collector.SetStep(pid, execution.StateSetParameter, name)
	return r.store.SetParameterState(ctx, pid, name, parameterID, value)
}

func (r *StateRecorder) SetSetupState(ctx context.Context, pid, name string) error {
	r.collector.SetStep(pid, execution.StateSetup, name)
	return r.store.SetSetupState(ctx, pid, name)
}

func (r *StateRecorder) SetTerminal(ctx context.Context, pid, stepType, name string) error {
	r.collector.SetStep(pid, stepType, name)
	return r.store.SetTerminal(ctx, pid, stepType, name)
}

func (r *StateRecorder) IncrementSteps(ctx context.Context, pid string) error {
	r.collector.StepCompleted(pid)
	return r.store.IncrementSteps(ctx, pid)
}

func (r *StateRecorder) IncrementCycles(ctx context.Context, pid string) error {
	r.collector.CycleCompleted(pid)
	return r.store.IncrementCycles(ctx, pid)
}

var _ executor.StateStore = (*StateRecorder)(nil)

// Starter launches a compiled run. *executor.Runner satisfies it.
type Starter interface {
	Start(pid string, c *recipe.Compiled, overrides map[string]float64) error
}

// LaunchRecorder wraps the runner so the Collector learns about a run
// before its first state write arrives. A refused launch is mirrored as
// a failed run, matching the failure row the intake records.
type LaunchRecorder struct {
	next      Starter
	collector *Collector
}

// NewLaunchRecorder wraps next with collector mirroring.
func NewLaunchRecorder(next Starter, c *Collector) *LaunchRecorder {
	return &LaunchRecorder{next: next, collector: c}
}

func (lr *LaunchRecorder) Start(pid string, compiled *recipe.Compiled, overrides map[string]float64) error {
	lr.collector.ProcessStarted(pid, compiled.Recipe.Name, compiled.TotalSteps, compiled.TotalCycles)
	if err := lr.next.Start(pid, compiled, overrides); err != nil {
		lr.collector.ProcessFinished(pid, execution.StatusFailed, err.Error())
		return err
	}
	return nil
}

// CurrentWriter is the store-facing slice of the parameter pipeline the
// tee forwards to.
type CurrentWriter interface {
	UpdateCurrentValues(ctx context.Context, values map[string]float64) error
}

// CurrentTee forwards each cycle's bus readings to the parameter store
// while mirroring them into the Collector's live table. Wire it as the
// datalog loop's current-value writer.
type CurrentTee struct {
	Store     CurrentWriter
	Specs     func() []plc.Spec
	Collector *Collector
}

func (t *CurrentTee) UpdateCurrentValues(ctx context.Context, values map[string]float64) error {
	if t.Collector != nil {
		t.Collector.UpdateParameters(t.join(values))
	}
	if t.Store == nil {
		return nil
	}
	return t.Store.UpdateCurrentValues(ctx, values)
}

// join decorates raw id->value readings with the cached names and
// setpoints. Readings without a cached spec keep the id as their name.
func (t *CurrentTee) join(values map[string]float64) []ParameterValue {
	var specs []plc.Spec
	if t.Specs != nil {
		specs = t.Specs()
	}
	out := make([]ParameterValue, 0, len(values))
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		v, ok := values[s.ID]
		if !ok {
			continue
		}
		seen[s.ID] = true
		out = append(out, ParameterValue{ID: s.ID, Name: s.Name, Value: v, SetPoint: s.Setpoint})
	}
	for id, v := range values {
		if !seen[id] {
			out = append(out, ParameterValue{ID: id, Name: id, Value: v})
		}
	}
	return out
}

// MachineAuthority is the full transition surface of the machine authority.
type MachineAuthority interface {
	ToProcessing(ctx context.Context, machineID, processID string) error
	ToIdle(ctx context.Context, machineID string) error
	ToError(ctx context.Context, machineID, description string) error
	ToOffline(ctx context.Context, machineID string) error
}

// AuthorityRecorder wraps the machine authority so accepted transitions
// update the Collector's machine status. Unlike StateRecorder it mirrors
// after the call: a refused claim must not show as processing.
type AuthorityRecorder struct {
	next      MachineAuthority
	collector *Collector
}

// NewAuthorityRecorder wraps next with collector mirroring.
func NewAuthorityRecorder(next MachineAuthority, c *Collector) *AuthorityRecorder {
	return &AuthorityRecorder{next: next, collector: c}
}

func (ar *AuthorityRecorder) ToProcessing(ctx context.Context, machineID, processID string) error {
	if err := ar.next.ToProcessing(ctx, machineID, processID); err != nil {
		return err
	}
	ar.collector.SetMachineStatus(machine.StatusProcessing)
	return nil
}

func (ar *AuthorityRecorder) ToIdle(ctx context.Context, machineID string) error {
	if err := ar.next.ToIdle(ctx, machineID); err != nil {
		return err
	}
	ar.collector.SetMachineStatus(machine.StatusIdle)
	return nil
}

func (ar *AuthorityRecorder) ToError(ctx context.Context, machineID, description string) error {
	if err := ar.next.ToError(ctx, machineID, description); err != nil {
		return err
	}
	ar.collector.SetMachineStatus(machine.StatusError)
	return nil
}

func (ar *AuthorityRecorder) ToOffline(ctx context.Context, machineID string) error {
	if err := ar.next.ToOffline(ctx, machineID); err != nil {
		return err
	}
	ar.collector.SetMachineStatus(machine.StatusOffline)
	return nil
}

var _ MachineAuthority = (*AuthorityRecorder)(nil)
