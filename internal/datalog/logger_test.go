package datalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/machine"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/params"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/plc"
)

type logMachines struct {
	mu     sync.Mutex
	status string
	pid    *string
	err    error
}

func (m *logMachines) Status(context.Context, string) (string, *string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.pid, m.err
}

type logBus struct {
	mu        sync.Mutex
	connected bool
	regs      map[uint16]uint16
	coils     map[uint16]bool
	values    map[string]float64
	bulkErr   error
}

func (b *logBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *logBus) ReadHoldingRegisters(_ context.Context, start, count uint16) ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bulkErr != nil {
		return nil, b.bulkErr
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = b.regs[start+uint16(i)]
	}
	return out, nil
}

func (b *logBus) ReadCoils(_ context.Context, start, count uint16) ([]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bulkErr != nil {
		return nil, b.bulkErr
	}
	out := make([]bool, count)
	for i := range out {
		out[i] = b.coils[start+uint16(i)]
	}
	return out, nil
}

func (b *logBus) ReadParameter(_ context.Context, id string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[id]
	if !ok {
		return 0, fmt.Errorf("no individual value for %s", id)
	}
	return v, nil
}

// loadRegisters encodes v at addr using the bus word order.
func (b *logBus) loadRegisters(t *testing.T, addr uint16, dt plc.DataType, v float64) {
	t.Helper()
	words, err := plc.EncodeRegisters(v, dt, plc.HighWordFirst)
	if err != nil {
		t.Fatalf("encode %v: %v", v, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range words {
		b.regs[addr+uint16(i)] = w
	}
}

type logCache struct {
	mu        sync.Mutex
	specs     []plc.Spec
	updates   map[string]float64
	updateErr error
}

func (c *logCache) Specs() []plc.Spec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]plc.Spec(nil), c.specs...)
}

func (c *logCache) ReadGroups() []plc.ReadGroup     { return plc.BuildReadGroups(c.Specs()) }
func (c *logCache) SetpointGroups() []plc.ReadGroup { return plc.BuildSetpointGroups(c.Specs()) }

func (c *logCache) UpdateSetValue(_ context.Context, id string, v float64) (params.Parameter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return params.Parameter{}, c.updateErr
	}
	c.updates[id] = v
	for i := range c.specs {
		if c.specs[i].ID == id {
			c.specs[i].Setpoint = v
		}
	}
	return params.Parameter{ID: id, SetValue: v}, nil
}

type logCurrent struct {
	mu   sync.Mutex
	last map[string]float64
	err  error
}

func (c *logCurrent) UpdateCurrentValues(_ context.Context, values map[string]float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.last = values
	return nil
}

type logSink struct {
	mu         sync.Mutex
	global     [][]Point
	process    map[string][][]Point
	globalErr  error
	processErr error
}

func newLogSink() *logSink {
	return &logSink{process: map[string][][]Point{}}
}

func (s *logSink) InsertGlobal(_ context.Context, points []Point) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.globalErr != nil {
		return 0, s.globalErr
	}
	s.global = append(s.global, append([]Point(nil), points...))
	return len(points), nil
}

func (s *logSink) InsertProcess(_ context.Context, processID string, points []Point) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processErr != nil {
		return 0, s.processErr
	}
	s.process[processID] = append(s.process[processID], append([]Point(nil), points...))
	return len(points), nil
}

func (s *logSink) globalBatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.global)
}

type loggerHarness struct {
	machines *logMachines
	bus      *logBus
	cache    *logCache
	current  *logCurrent
	sink     *logSink
	l        *Logger
}

// Three channels: a float and an int16 on one contiguous register run, a
// binary on a coil. Setpoints for the two numeric channels sit on their own
// register run and start out matching the cached rows.
func newLoggerHarness(t *testing.T) *loggerHarness {
	t.Helper()
	h := &loggerHarness{
		machines: &logMachines{status: machine.StatusIdle},
		bus: &logBus{
			connected: true,
			regs:      map[uint16]uint16{},
			coils:     map[uint16]bool{5: true},
			values:    map[string]float64{},
		},
		cache: &logCache{
			specs: []plc.Spec{
				{ID: "p-flow", Name: "carrier_flow", DataType: plc.TypeFloat,
					ReadAddress: plc.Addr(100), WriteAddress: plc.Addr(200), Setpoint: 42.5},
				{ID: "p-count", Name: "cycle_counter", DataType: plc.TypeInt16,
					ReadAddress: plc.Addr(102), WriteAddress: plc.Addr(202), Setpoint: 7},
				{ID: "p-gate", Name: "gate_open", DataType: plc.TypeBinary,
					ReadAddress: plc.Addr(5)},
			},
			updates: map[string]float64{},
		},
		current: &logCurrent{},
		sink:    newLogSink(),
	}
	h.bus.loadRegisters(t, 100, plc.TypeFloat, 42.5)
	h.bus.loadRegisters(t, 102, plc.TypeInt16, 7)
	h.bus.loadRegisters(t, 200, plc.TypeFloat, 42.5)
	h.bus.loadRegisters(t, 202, plc.TypeInt16, 7)

	h.l = New(Config{
		MachineID: "m-1",
		Machines:  h.machines,
		Bus:       h.bus,
		Cache:     h.cache,
		Params:    h.current,
		Sink:      h.sink,
		Interval:  10 * time.Millisecond,
		Logger:    zerolog.Nop(),
	})
	return h
}

func TestCycleWritesGlobalStreamWhenIdle(t *testing.T) {
	h := newLoggerHarness(t)

	stat, err := h.l.cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if stat.Mode != "idle" || stat.Parameters != 3 {
		t.Fatalf("stat = %+v", stat)
	}

	if len(h.sink.global) != 1 {
		t.Fatalf("global batches = %d, want 1", len(h.sink.global))
	}
	batch := h.sink.global[0]
	if len(batch) != 3 {
		t.Fatalf("batch rows = %d, want 3", len(batch))
	}
	wantOrder := []string{"p-count", "p-flow", "p-gate"}
	for i, p := range batch {
		if p.ParameterID != wantOrder[i] {
			t.Fatalf("row %d = %s, want %s", i, p.ParameterID, wantOrder[i])
		}
	}
	byID := map[string]Point{}
	for _, p := range batch {
		byID[p.ParameterID] = p
	}
	if byID["p-flow"].Value != 42.5 || byID["p-count"].Value != 7 || byID["p-gate"].Value != 1 {
		t.Fatalf("values = %+v", byID)
	}
	if byID["p-flow"].SetPoint == nil || *byID["p-flow"].SetPoint != 42.5 {
		t.Fatalf("p-flow set point = %v", byID["p-flow"].SetPoint)
	}

	if len(h.sink.process) != 0 {
		t.Fatalf("process stream written while idle: %v", h.sink.process)
	}
	if h.current.last["p-flow"] != 42.5 {
		t.Fatalf("current values = %v", h.current.last)
	}
}

func TestCycleWritesDualStreamDuringRun(t *testing.T) {
	h := newLoggerHarness(t)
	pid := "proc-1"
	h.machines.status = machine.StatusProcessing
	h.machines.pid = &pid

	stat, err := h.l.cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if stat.Mode != "process" {
		t.Fatalf("mode = %s, want process", stat.Mode)
	}
	if len(h.sink.global) != 1 || len(h.sink.process["proc-1"]) != 1 {
		t.Fatalf("batches: global %d, process %d", len(h.sink.global), len(h.sink.process["proc-1"]))
	}
	if len(h.sink.process["proc-1"][0]) != 3 {
		t.Fatalf("process rows = %d, want 3", len(h.sink.process["proc-1"][0]))
	}
}

func TestCycleFallsBackToIndividualReads(t *testing.T) {
	h := newLoggerHarness(t)
	h.bus.bulkErr = errors.New("bulk read unsupported")
	h.bus.values = map[string]float64{"p-flow": 41.0, "p-count": 6, "p-gate": 0}

	stat, err := h.l.cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if stat.Parameters != 3 {
		t.Fatalf("parameters = %d, want 3", stat.Parameters)
	}
	batch := h.sink.global[0]
	byID := map[string]float64{}
	for _, p := range batch {
		byID[p.ParameterID] = p.Value
	}
	if byID["p-flow"] != 41.0 || byID["p-count"] != 6 || byID["p-gate"] != 0 {
		t.Fatalf("values = %v", byID)
	}
}

func TestCycleSkipsWhenDisconnected(t *testing.T) {
	h := newLoggerHarness(t)
	h.bus.connected = false

	_, err := h.l.cycle(context.Background())
	if !errors.Is(err, plc.ErrDisconnected) {
		t.Fatalf("err = %v, want ErrDisconnected", err)
	}
	if len(h.sink.global) != 0 {
		t.Fatal("wrote telemetry while disconnected")
	}
}

func TestCycleFailsWhenAllReadsFail(t *testing.T) {
	h := newLoggerHarness(t)
	h.bus.bulkErr = errors.New("bus timeout")
	h.bus.values = nil

	_, err := h.l.cycle(context.Background())
	if err == nil || len(h.sink.global) != 0 {
		t.Fatalf("err = %v, global batches = %d", err, len(h.sink.global))
	}
}

func TestCycleDropsBatchOnInsertFailure(t *testing.T) {
	h := newLoggerHarness(t)
	pid := "proc-1"
	h.machines.status = machine.StatusProcessing
	h.machines.pid = &pid
	h.sink.globalErr = errors.New("insert failed")

	_, err := h.l.cycle(context.Background())
	if err == nil {
		t.Fatal("cycle succeeded despite insert failure")
	}
	if len(h.sink.process["proc-1"]) != 0 {
		t.Fatal("process stream written after global insert failed")
	}
}

func TestCycleReconcilesExternalSetpoint(t *testing.T) {
	h := newLoggerHarness(t)
	h.bus.loadRegisters(t, 200, plc.TypeFloat, 55.0)

	if _, err := h.l.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	h.cache.mu.Lock()
	updates := map[string]float64{}
	for k, v := range h.cache.updates {
		updates[k] = v
	}
	h.cache.mu.Unlock()
	if len(updates) != 1 || updates["p-flow"] != 55.0 {
		t.Fatalf("updates = %v, want p-flow reconciled to 55", updates)
	}
}

func TestCycleLeavesMatchingSetpointsAlone(t *testing.T) {
	h := newLoggerHarness(t)

	if _, err := h.l.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	h.cache.mu.Lock()
	n := len(h.cache.updates)
	h.cache.mu.Unlock()
	if n != 0 {
		t.Fatalf("updates = %v, want none", h.cache.updates)
	}
}

func TestLogProcessSnapshotWritesProcessStreamOnly(t *testing.T) {
	h := newLoggerHarness(t)

	if err := h.l.LogProcessSnapshot(context.Background(), "proc-9"); err != nil {
		t.Fatalf("LogProcessSnapshot: %v", err)
	}
	if len(h.sink.process["proc-9"]) != 1 || len(h.sink.process["proc-9"][0]) != 3 {
		t.Fatalf("process batches = %+v", h.sink.process)
	}
	if len(h.sink.global) != 0 {
		t.Fatal("snapshot leaked into the global stream")
	}
}

func TestRunSamplesOnCadence(t *testing.T) {
	h := newLoggerHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.l.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for h.sink.globalBatches() < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if h.sink.globalBatches() < 3 {
		t.Fatalf("global batches = %d, want at least 3", h.sink.globalBatches())
	}

	s := h.l.Window().Summary()
	if s.Cycles < 3 || s.Errors != 0 {
		t.Fatalf("window summary = %+v", s)
	}
}

func TestRunBacksOffAfterConsecutiveFailures(t *testing.T) {
	h := newLoggerHarness(t)
	h.machines.mu.Lock()
	h.machines.err = errors.New("datastore down")
	h.machines.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.l.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for h.l.Window().Summary().Errors < maxFailures && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got := h.l.Window().Summary().Errors; got < maxFailures {
		t.Fatalf("errors = %d, want %d", got, maxFailures)
	}

	// The loop is now in its long backoff; no further cycles should land.
	before := h.l.Window().Summary().Cycles
	time.Sleep(50 * time.Millisecond)
	if after := h.l.Window().Summary().Cycles; after != before {
		t.Fatalf("cycles advanced from %d to %d during backoff", before, after)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop during backoff")
	}
}
