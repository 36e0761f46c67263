package plc

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type staticMeta []Spec

func (m staticMeta) Spec(id string) (Spec, bool) {
	for _, s := range m {
		if s.ID == id {
			return s, true
		}
	}
	return Spec{}, false
}

func (m staticMeta) Specs() []Spec { return m }

func testMeta() staticMeta {
	return staticMeta{
		{ID: "temp", Name: "chamber_temperature", DataType: TypeFloat, ReadAddress: Addr(10), WriteAddress: Addr(110), Current: 150.0, Setpoint: 150.0},
		{ID: "pressure", Name: "pressure", DataType: TypeFloat, ReadAddress: Addr(12), WriteAddress: Addr(112), Current: 0.5, Setpoint: 0.5},
		{ID: "flow", Name: "n2_flow", DataType: TypeInt16, ReadAddress: Addr(14), Current: 20},
		{ID: "door", Name: "door_closed", DataType: TypeBinary, ReadAddress: Addr(1), Current: 1},
	}
}

func newTestSim(t *testing.T) *SimDriver {
	t.Helper()
	d := NewSim(testMeta(), HighWordFirst, 100, 200, zerolog.Nop())
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { d.Disconnect(context.Background()) })
	return d
}

func TestSimSeedsFromMetadata(t *testing.T) {
	d := newTestSim(t)
	ctx := context.Background()

	v, err := d.ReadParameter(ctx, "temp")
	if err != nil {
		t.Fatal(err)
	}
	if v != 150.0 {
		t.Errorf("temp = %v, want 150", v)
	}

	v, err = d.ReadParameter(ctx, "door")
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Errorf("door = %v, want 1", v)
	}
}

func TestSimWriteUpdatesReading(t *testing.T) {
	d := newTestSim(t)
	ctx := context.Background()

	if err := d.WriteParameter(ctx, "temp", 175.5); err != nil {
		t.Fatal(err)
	}

	v, err := d.ReadParameter(ctx, "temp")
	if err != nil {
		t.Fatal(err)
	}
	if v != 175.5 {
		t.Errorf("reading after write = %v, want 175.5", v)
	}
	sp, err := d.ReadSetpoint(ctx, "temp")
	if err != nil {
		t.Fatal(err)
	}
	if sp != 175.5 {
		t.Errorf("setpoint after write = %v, want 175.5", sp)
	}
}

func TestSimWriteUnmappedParameter(t *testing.T) {
	d := newTestSim(t)

	err := d.WriteParameter(context.Background(), "flow", 5)
	if err == nil {
		t.Fatal("expected error writing a read-only channel")
	}
}

func TestSimValvePulseAutoCloses(t *testing.T) {
	d := newTestSim(t)
	ctx := context.Background()

	if err := d.ControlValve(ctx, 1, true, 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	coils, err := d.ReadCoils(ctx, 100, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !coils[0] {
		t.Fatal("valve coil should be set right after the pulse is armed")
	}

	regs, err := d.ReadHoldingRegisters(ctx, 200, 1)
	if err != nil {
		t.Fatal(err)
	}
	if regs[0] != 20 {
		t.Errorf("duration register = %d, want 20", regs[0])
	}

	time.Sleep(60 * time.Millisecond)

	coils, err = d.ReadCoils(ctx, 100, 1)
	if err != nil {
		t.Fatal(err)
	}
	if coils[0] {
		t.Error("valve coil should auto-close after the pulse duration")
	}
}

func TestSimRejectsWhenDisconnected(t *testing.T) {
	d := newTestSim(t)
	ctx := context.Background()

	if err := d.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if d.Connected() {
		t.Fatal("driver still reports connected")
	}
	if _, err := d.ReadParameter(ctx, "temp"); err == nil {
		t.Error("read on a disconnected driver should fail")
	}
}

func TestSimBulkReadCoversUnseededAddresses(t *testing.T) {
	d := newTestSim(t)

	regs, err := d.ReadHoldingRegisters(context.Background(), 10, 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(regs) != 8 {
		t.Fatalf("got %d registers, want 8", len(regs))
	}
	// Addresses 10-11 hold the float seed; 16-17 were never seeded.
	if regs[6] != 0 || regs[7] != 0 {
		t.Error("unseeded registers should read zero")
	}
}

func TestProbeAgainstSim(t *testing.T) {
	meta := testMeta()
	d := NewSim(meta, HighWordFirst, 100, 200, zerolog.Nop())

	res := Probe(context.Background(), d, meta)
	if !res.Reachable {
		t.Fatalf("probe not reachable: %s", res.Error)
	}
	if res.Mapped != 4 {
		t.Errorf("mapped = %d, want 4", res.Mapped)
	}
	if res.Sampled != 4 {
		t.Errorf("sampled = %d, want 4", res.Sampled)
	}
}
