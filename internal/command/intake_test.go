package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/execution"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/machine"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/params"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/plc"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/recipe"
)

const operatorUUID = "9c0de0d4-5a6b-4c7d-8e9f-0a1b2c3d4e5f"

type fakeQueue struct {
	mu       sync.Mutex
	commands map[string]*Command
	controls map[string]*ControlCommand
	ctlState map[string]string
	failMsgs map[string]string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		commands: map[string]*Command{},
		controls: map[string]*ControlCommand{},
		ctlState: map[string]string{},
		failMsgs: map[string]string{},
	}
}

func (q *fakeQueue) add(cmd Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := cmd
	q.commands[c.ID] = &c
}

func (q *fakeQueue) addControl(ctl ControlCommand) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := ctl
	q.controls[c.ID] = &c
	q.ctlState[c.ID] = StatusPending
}

func (q *fakeQueue) status(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.commands[id]; ok {
		return c.Status
	}
	return q.ctlState[id]
}

func (q *fakeQueue) failMsg(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failMsgs[id]
}

func (q *fakeQueue) FailInterrupted(_ context.Context, machineID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, c := range q.commands {
		if c.MachineID == machineID && c.Status == StatusProcessing {
			c.Status = StatusError
			q.failMsgs[c.ID] = "interrupted by controller restart"
			n++
		}
	}
	return n, nil
}

func (q *fakeQueue) Pending(_ context.Context, machineID string) ([]Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Command
	for _, c := range q.commands {
		if c.MachineID == machineID && c.Status == StatusPending {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (q *fakeQueue) Claim(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.commands[id]
	if !ok || c.Status != StatusPending {
		return false, nil
	}
	c.Status = StatusProcessing
	return true, nil
}

func (q *fakeQueue) Get(_ context.Context, id string) (Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.commands[id]
	if !ok {
		return Command{}, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	return *c, nil
}

func (q *fakeQueue) Complete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.commands[id]; ok {
		c.Status = StatusCompleted
	}
	return nil
}

func (q *fakeQueue) Fail(_ context.Context, id, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.commands[id]; ok {
		c.Status = StatusError
	}
	q.failMsgs[id] = message
	return nil
}

func (q *fakeQueue) PendingControls(_ context.Context, machineID string) ([]ControlCommand, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []ControlCommand
	for id, c := range q.controls {
		if c.MachineID == machineID && q.ctlState[id] == StatusPending {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (q *fakeQueue) ClaimControl(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctlState[id] != StatusPending {
		return false, nil
	}
	q.ctlState[id] = StatusProcessing
	return true, nil
}

func (q *fakeQueue) CompleteControl(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctlState[id] = StatusCompleted
	return nil
}

func (q *fakeQueue) FailControl(_ context.Context, id, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctlState[id] = StatusError
	q.failMsgs[id] = message
	return nil
}

type fakeExecs struct {
	mu        sync.Mutex
	rows      map[string]execution.Execution
	finished  map[string]string
	createErr error
}

func newFakeExecs() *fakeExecs {
	return &fakeExecs{rows: map[string]execution.Execution{}, finished: map[string]string{}}
}

func (f *fakeExecs) put(e execution.Execution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[e.ID] = e
}

func (f *fakeExecs) Create(_ context.Context, e execution.Execution, _ execution.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	e.Status = execution.StatusRunning
	f.rows[e.ID] = e
	return nil
}

func (f *fakeExecs) Get(_ context.Context, pid string) (execution.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[pid]
	if !ok {
		return execution.Execution{}, fmt.Errorf("process %s: %w", pid, execution.ErrNotFound)
	}
	return e, nil
}

func (f *fakeExecs) Finish(_ context.Context, pid, status string, _ *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[pid] = status
	return nil
}

func (f *fakeExecs) created() []execution.Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []execution.Execution
	for _, e := range f.rows {
		out = append(out, e)
	}
	return out
}

type intakeAuthority struct {
	mu         sync.Mutex
	busy       bool
	processing []string
	idles      int
}

func (a *intakeAuthority) ToProcessing(_ context.Context, machineID, processID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return fmt.Errorf("claim machine %s for process %s: %w", machineID, processID, machine.ErrMachineBusy)
	}
	a.processing = append(a.processing, processID)
	return nil
}

func (a *intakeAuthority) ToIdle(_ context.Context, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.idles++
	return nil
}

func (a *intakeAuthority) idleCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idles
}

type fakeLoader struct {
	compiled *recipe.Compiled
}

func (f *fakeLoader) Load(_ context.Context, id string) (*recipe.Compiled, error) {
	if f.compiled == nil || f.compiled.Recipe.ID != id {
		return nil, fmt.Errorf("recipe %s: %w", id, recipe.ErrNotFound)
	}
	return f.compiled, nil
}

type launchCall struct {
	pid       string
	overrides map[string]float64
}

type fakeLauncher struct {
	mu    sync.Mutex
	calls []launchCall
	err   error
}

func (f *fakeLauncher) Start(pid string, _ *recipe.Compiled, overrides map[string]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, launchCall{pid: pid, overrides: overrides})
	return nil
}

func (f *fakeLauncher) launched() []launchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]launchCall(nil), f.calls...)
}

type fakeMachines struct {
	operator *string
	err      error
}

func (f *fakeMachines) Operator(_ context.Context, _ string) (*string, error) {
	return f.operator, f.err
}

type writeCall struct {
	kind  string
	ref   string
	value float64
}

type intakeWriter struct {
	mu    sync.Mutex
	calls []writeCall
	err   error
}

func (w *intakeWriter) record(c writeCall) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.calls = append(w.calls, c)
	return nil
}

func (w *intakeWriter) Write(_ context.Context, id string, value float64) (params.Parameter, error) {
	return params.Parameter{ID: id}, w.record(writeCall{kind: "id", ref: id, value: value})
}

func (w *intakeWriter) WriteByName(_ context.Context, name string, value float64) (params.Parameter, error) {
	return params.Parameter{Name: name}, w.record(writeCall{kind: "name", ref: name, value: value})
}

func (w *intakeWriter) WriteByAddress(_ context.Context, addr uint16, value float64, _ plc.DataType) (*params.Parameter, error) {
	return nil, w.record(writeCall{kind: "addr", ref: strconv.Itoa(int(addr)), value: value})
}

func (w *intakeWriter) recorded() []writeCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]writeCall(nil), w.calls...)
}

type intakeHarness struct {
	queue    *fakeQueue
	execs    *fakeExecs
	auth     *intakeAuthority
	writer   *intakeWriter
	launcher *fakeLauncher
	machines *fakeMachines
	registry *execution.Registry
	in       *Intake
}

func newIntake(t *testing.T) *intakeHarness {
	t.Helper()
	steps := []recipe.Step{{
		ID: "s1", RecipeID: recipeUUID, Sequence: 1, Name: "tma pulse", Type: recipe.StepValve,
		Valve: &recipe.ValveConfig{Number: 1, Duration: 100 * time.Millisecond},
	}}
	compiled, err := recipe.Compile(recipe.Recipe{ID: recipeUUID, Name: "test recipe"}, steps, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	h := &intakeHarness{
		queue:    newFakeQueue(),
		execs:    newFakeExecs(),
		auth:     &intakeAuthority{},
		writer:   &intakeWriter{},
		launcher: &fakeLauncher{},
		machines: &fakeMachines{},
		registry: execution.NewRegistry(),
	}
	h.in = New(Config{
		MachineID:  "m-1",
		Store:      h.queue,
		Registry:   h.registry,
		Executions: h.execs,
		Recipes:    &fakeLoader{compiled: compiled},
		Authority:  h.auth,
		Machines:   h.machines,
		Writer:     h.writer,
		Launcher:   h.launcher,
		PollLive:   20 * time.Millisecond,
		PollDown:   10 * time.Millisecond,
		Logger:     zerolog.Nop(),
	})
	return h
}

func startCommand(id string) Command {
	return Command{
		ID:        id,
		MachineID: "m-1",
		Type:      TypeStartRecipe,
		Status:    StatusPending,
		Parameters: map[string]any{
			"recipe_id": recipeUUID,
		},
	}
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestStartRecipeLaunchesRun(t *testing.T) {
	h := newIntake(t)
	cmd := startCommand("cmd-1")
	cmd.Parameters["operator_id"] = operatorUUID
	cmd.Parameters["parameters_override"] = map[string]any{"carrier_flow": 30.0}
	h.queue.add(cmd)

	h.in.execute(context.Background(), cmd)

	launches := h.launcher.launched()
	if len(launches) != 1 {
		t.Fatalf("launches = %d, want 1", len(launches))
	}
	if launches[0].overrides["carrier_flow"] != 30.0 {
		t.Fatalf("overrides = %v", launches[0].overrides)
	}
	rows := h.execs.created()
	if len(rows) != 1 {
		t.Fatalf("executions = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.ID != launches[0].pid {
		t.Fatalf("execution %s does not match launched run %s", row.ID, launches[0].pid)
	}
	if row.SessionID == nil || *row.SessionID != "cmd-1" {
		t.Fatalf("session = %v, want cmd-1", row.SessionID)
	}
	if row.OperatorID == nil || *row.OperatorID != operatorUUID {
		t.Fatalf("operator = %v", row.OperatorID)
	}
	if row.RecipeID != recipeUUID || len(row.RecipeVersion) == 0 {
		t.Fatalf("recipe binding = %+v", row)
	}
	h.auth.mu.Lock()
	claimed := append([]string(nil), h.auth.processing...)
	h.auth.mu.Unlock()
	if len(claimed) != 1 || claimed[0] != launches[0].pid {
		t.Fatalf("machine claimed for %v, want %s", claimed, launches[0].pid)
	}
	if got := h.queue.status("cmd-1"); got != StatusCompleted {
		t.Fatalf("command status = %s, want completed", got)
	}
}

func TestStartRecipeFallsBackToMachineOperator(t *testing.T) {
	h := newIntake(t)
	op := operatorUUID
	h.machines.operator = &op
	cmd := startCommand("cmd-1")
	h.queue.add(cmd)

	h.in.execute(context.Background(), cmd)

	rows := h.execs.created()
	if len(rows) != 1 || rows[0].OperatorID == nil || *rows[0].OperatorID != operatorUUID {
		t.Fatalf("executions = %+v", rows)
	}
}

func TestStartRecipeRejectsBadOperator(t *testing.T) {
	h := newIntake(t)
	cmd := startCommand("cmd-1")
	cmd.Parameters["operator_id"] = "not-an-identity"
	h.queue.add(cmd)

	h.in.execute(context.Background(), cmd)

	if got := h.queue.status("cmd-1"); got != StatusError {
		t.Fatalf("command status = %s, want error", got)
	}
	if msg := h.queue.failMsg("cmd-1"); !strings.Contains(msg, "authenticate operator") {
		t.Fatalf("failure message = %q", msg)
	}
	if len(h.launcher.launched()) != 0 {
		t.Fatal("run launched despite rejected operator")
	}
}

func TestStartRecipeFailsWhenMachineBusy(t *testing.T) {
	h := newIntake(t)
	h.auth.busy = true
	cmd := startCommand("cmd-1")
	h.queue.add(cmd)

	h.in.execute(context.Background(), cmd)

	if got := h.queue.status("cmd-1"); got != StatusError {
		t.Fatalf("command status = %s, want error", got)
	}
	if msg := h.queue.failMsg("cmd-1"); !strings.Contains(msg, "machine is busy") {
		t.Fatalf("failure message = %q", msg)
	}
	if len(h.launcher.launched()) != 0 || len(h.execs.created()) != 0 {
		t.Fatal("work started on a busy machine")
	}
	if h.auth.idleCount() != 0 {
		t.Fatal("released a machine that was never claimed")
	}
}

func TestStartRecipeReleasesMachineOnCreateFailure(t *testing.T) {
	h := newIntake(t)
	h.execs.createErr = errors.New("insert failed")
	cmd := startCommand("cmd-1")
	h.queue.add(cmd)

	h.in.execute(context.Background(), cmd)

	if got := h.queue.status("cmd-1"); got != StatusError {
		t.Fatalf("command status = %s, want error", got)
	}
	if h.auth.idleCount() != 1 {
		t.Fatalf("idle transitions = %d, want 1", h.auth.idleCount())
	}
	if len(h.launcher.launched()) != 0 {
		t.Fatal("run launched despite create failure")
	}
}

func TestStartRecipeReleasesMachineOnLaunchFailure(t *testing.T) {
	h := newIntake(t)
	h.launcher.err = errors.New("machine is busy with process other")
	cmd := startCommand("cmd-1")
	h.queue.add(cmd)

	h.in.execute(context.Background(), cmd)

	if got := h.queue.status("cmd-1"); got != StatusError {
		t.Fatalf("command status = %s, want error", got)
	}
	if h.auth.idleCount() != 1 {
		t.Fatalf("idle transitions = %d, want 1", h.auth.idleCount())
	}
	h.execs.mu.Lock()
	finished := map[string]string{}
	for pid, status := range h.execs.finished {
		finished[pid] = status
	}
	h.execs.mu.Unlock()
	if len(finished) != 1 {
		t.Fatalf("finished = %v, want one failed execution", finished)
	}
	for _, status := range finished {
		if status != execution.StatusFailed {
			t.Fatalf("orphaned execution finished as %s, want failed", status)
		}
	}
}

func TestStopRecipeCancelsRunningProcess(t *testing.T) {
	h := newIntake(t)
	h.registry.Register(processUUID)
	h.execs.put(execution.Execution{ID: processUUID, Status: execution.StatusRunning})
	cmd := Command{
		ID: "cmd-2", MachineID: "m-1", Type: TypeStopRecipe, Status: StatusPending,
		Parameters: map[string]any{"process_id": processUUID, "reason": "operator abort"},
	}
	h.queue.add(cmd)

	h.in.execute(context.Background(), cmd)

	if !h.registry.Cancelled(processUUID) {
		t.Fatal("process not cancelled")
	}
	if got := h.queue.status("cmd-2"); got != StatusCompleted {
		t.Fatalf("command status = %s, want completed", got)
	}
}

// Stopping a process that already reached a terminal state succeeds and
// clears any leftover token instead of failing the command.
func TestStopRecipeIdempotentOnTerminalProcess(t *testing.T) {
	h := newIntake(t)
	h.registry.Cancel(processUUID)
	h.execs.put(execution.Execution{ID: processUUID, Status: execution.StatusCompleted})
	cmd := Command{
		ID: "cmd-2", MachineID: "m-1", Type: TypeStopRecipe, Status: StatusPending,
		Parameters: map[string]any{"process_id": processUUID},
	}
	h.queue.add(cmd)

	h.in.execute(context.Background(), cmd)

	if got := h.queue.status("cmd-2"); got != StatusCompleted {
		t.Fatalf("command status = %s, want completed", got)
	}
	if h.registry.Cancelled(processUUID) {
		t.Fatal("stale token survived a terminal stop")
	}
}

func TestStopRecipeUnknownProcessFails(t *testing.T) {
	h := newIntake(t)
	cmd := Command{
		ID: "cmd-2", MachineID: "m-1", Type: TypeStopRecipe, Status: StatusPending,
		Parameters: map[string]any{"process_id": processUUID},
	}
	h.queue.add(cmd)

	h.in.execute(context.Background(), cmd)

	if got := h.queue.status("cmd-2"); got != StatusError {
		t.Fatalf("command status = %s, want error", got)
	}
	if msg := h.queue.failMsg("cmd-2"); !strings.Contains(msg, "load process") {
		t.Fatalf("failure message = %q", msg)
	}
}

func TestSetParameterResolvesTarget(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]any
		want    writeCall
	}{
		{
			"by address",
			map[string]any{"write_modbus_address": float64(2100), "data_type": "float", "value": 3.3},
			writeCall{kind: "addr", ref: "2100", value: 3.3},
		},
		{
			"by identity",
			map[string]any{"component_parameter_id": paramUUID, "value": 1.5},
			writeCall{kind: "id", ref: paramUUID, value: 1.5},
		},
		{
			"by name",
			map[string]any{"parameter_name": "mfc_1_flow", "value": 12.0},
			writeCall{kind: "name", ref: "mfc_1_flow", value: 12.0},
		},
		{
			"address wins over identity",
			map[string]any{"write_modbus_address": float64(8), "component_parameter_id": paramUUID, "value": 2.0},
			writeCall{kind: "addr", ref: "8", value: 2.0},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newIntake(t)
			cmd := Command{
				ID: "cmd-3", MachineID: "m-1", Type: TypeSetParameter, Status: StatusPending,
				Parameters: tc.payload,
			}
			h.queue.add(cmd)

			h.in.execute(context.Background(), cmd)

			calls := h.writer.recorded()
			if len(calls) != 1 || calls[0] != tc.want {
				t.Fatalf("writes = %+v, want %+v", calls, tc.want)
			}
			if got := h.queue.status("cmd-3"); got != StatusCompleted {
				t.Fatalf("command status = %s, want completed", got)
			}
		})
	}
}

func TestSetParameterFailsOnWriteError(t *testing.T) {
	h := newIntake(t)
	h.writer.err = &params.RangeError{Name: "mfc_1_flow", Value: 900, Min: 0, Max: 100}
	cmd := Command{
		ID: "cmd-3", MachineID: "m-1", Type: TypeSetParameter, Status: StatusPending,
		Parameters: map[string]any{"parameter_name": "mfc_1_flow", "value": 900.0},
	}
	h.queue.add(cmd)

	h.in.execute(context.Background(), cmd)

	if got := h.queue.status("cmd-3"); got != StatusError {
		t.Fatalf("command status = %s, want error", got)
	}
}

func TestUnknownCommandTypeFails(t *testing.T) {
	h := newIntake(t)
	cmd := Command{ID: "cmd-9", MachineID: "m-1", Type: "reboot", Status: StatusPending}
	h.queue.add(cmd)

	h.in.execute(context.Background(), cmd)

	if got := h.queue.status("cmd-9"); got != StatusError {
		t.Fatalf("command status = %s, want error", got)
	}
	if msg := h.queue.failMsg("cmd-9"); !strings.Contains(msg, "unknown command type") {
		t.Fatalf("failure message = %q", msg)
	}
}

// Two deliveries of the same notification race on the claim; the loser must
// walk away without executing.
func TestDispatchSkipsLostClaim(t *testing.T) {
	h := newIntake(t)
	cmd := startCommand("cmd-1")
	cmd.Status = StatusProcessing
	h.queue.add(cmd)

	h.in.dispatchRow(context.Background(), cmd)

	if len(h.launcher.launched()) != 0 {
		t.Fatal("lost claim still executed")
	}
}

func TestControlSweepAppliesWrites(t *testing.T) {
	h := newIntake(t)
	name := "pump_speed"
	h.queue.addControl(ControlCommand{
		ID: "ctl-1", MachineID: "m-1", ParameterName: &name, TargetValue: 55,
	})

	h.in.sweepControls(context.Background())

	waitUntil(t, time.Second, func() bool { return h.queue.status("ctl-1") != StatusProcessing && h.queue.status("ctl-1") != StatusPending })
	if got := h.queue.status("ctl-1"); got != StatusCompleted {
		t.Fatalf("control status = %s, want completed", got)
	}
	calls := h.writer.recorded()
	if len(calls) != 1 || calls[0].kind != "name" || calls[0].ref != "pump_speed" || calls[0].value != 55 {
		t.Fatalf("writes = %+v", calls)
	}
}

func TestControlSweepFailsRowWithoutReference(t *testing.T) {
	h := newIntake(t)
	h.queue.addControl(ControlCommand{ID: "ctl-2", MachineID: "m-1", TargetValue: 1})

	h.in.sweepControls(context.Background())

	waitUntil(t, time.Second, func() bool { return h.queue.status("ctl-2") == StatusError })
	if msg := h.queue.failMsg("ctl-2"); !strings.Contains(msg, "no parameter reference") {
		t.Fatalf("failure message = %q", msg)
	}
}

// Run's startup pass fails commands a dead instance left in processing,
// then drains whatever is pending.
func TestRunSweepsOnStartup(t *testing.T) {
	h := newIntake(t)
	stale := startCommand("cmd-stale")
	stale.Status = StatusProcessing
	h.queue.add(stale)
	h.queue.add(startCommand("cmd-fresh"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.in.Run(ctx) }()

	waitUntil(t, time.Second, func() bool { return h.queue.status("cmd-fresh") == StatusCompleted })
	if got := h.queue.status("cmd-stale"); got != StatusError {
		t.Fatalf("stale command status = %s, want error", got)
	}
	if msg := h.queue.failMsg("cmd-stale"); !strings.Contains(msg, "interrupted") {
		t.Fatalf("stale failure message = %q", msg)
	}
	if len(h.launcher.launched()) != 1 {
		t.Fatalf("launches = %d, want 1", len(h.launcher.launched()))
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// A command arriving while Run is polling is picked up by the ticker sweep
// without any feed attached.
func TestRunPollsWithoutFeed(t *testing.T) {
	h := newIntake(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.in.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	h.queue.add(startCommand("cmd-late"))

	waitUntil(t, time.Second, func() bool { return h.queue.status("cmd-late") == StatusCompleted })
	cancel()
	<-done
}
