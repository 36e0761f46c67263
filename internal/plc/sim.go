package plc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SimDriver is an in-memory PLC. Register and coil maps are seeded from the
// parameter metadata on Initialize; values change only through writes. Valve
// pulses auto-close on a timer, mirroring the PLC-timed pulse of the real
// tool.
type SimDriver struct {
	meta              Metadata
	order             WordOrder
	valveCoilBase     uint16
	valveDurationBase uint16
	logger            zerolog.Logger

	mu        sync.Mutex
	registers map[uint16]uint16
	coils     map[uint16]bool
	timers    map[uint16]*time.Timer
	connected bool
}

func NewSim(meta Metadata, order WordOrder, valveCoilBase, valveDurationBase uint16, logger zerolog.Logger) *SimDriver {
	return &SimDriver{
		meta:              meta,
		order:             order,
		valveCoilBase:     valveCoilBase,
		valveDurationBase: valveDurationBase,
		logger:            logger.With().Str("component", "plc").Str("driver", "simulation").Logger(),
		registers:         make(map[uint16]uint16),
		coils:             make(map[uint16]bool),
		timers:            make(map[uint16]*time.Timer),
	}
}

func (d *SimDriver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return nil
	}
	for _, s := range d.meta.Specs() {
		if s.ReadAddress != nil {
			d.seedLocked(*s.ReadAddress, s.DataType, s.Current)
		}
		if s.WriteAddress != nil {
			d.seedLocked(*s.WriteAddress, s.DataType, s.Setpoint)
		}
	}
	d.connected = true
	d.logger.Info().Int("parameters", len(d.meta.Specs())).Msg("simulated plc ready")
	return nil
}

func (d *SimDriver) seedLocked(addr uint16, dt DataType, value float64) {
	if dt == TypeBinary {
		d.coils[addr] = value != 0
		return
	}
	regs, err := EncodeRegisters(value, dt, d.order)
	if err != nil {
		return
	}
	for i, r := range regs {
		d.registers[addr+uint16(i)] = r
	}
}

func (d *SimDriver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for coil, t := range d.timers {
		t.Stop()
		delete(d.timers, coil)
	}
	d.connected = false
	return nil
}

func (d *SimDriver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *SimDriver) guardLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.connected {
		return ErrDisconnected
	}
	return nil
}

func (d *SimDriver) ReadParameter(ctx context.Context, id string) (float64, error) {
	s, ok := d.meta.Spec(id)
	if !ok {
		return 0, fmt.Errorf("unknown parameter %s", id)
	}
	if !s.Readable() {
		return 0, fmt.Errorf("read parameter %s: %w", id, ErrUnmapped)
	}
	return d.readAt(ctx, *s.ReadAddress, s.DataType)
}

func (d *SimDriver) ReadSetpoint(ctx context.Context, id string) (float64, error) {
	s, ok := d.meta.Spec(id)
	if !ok {
		return 0, fmt.Errorf("unknown parameter %s", id)
	}
	if !s.Writable() {
		return 0, fmt.Errorf("read setpoint %s: %w", id, ErrUnmapped)
	}
	return d.readAt(ctx, *s.WriteAddress, s.DataType)
}

func (d *SimDriver) readAt(ctx context.Context, addr uint16, dt DataType) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.guardLocked(ctx); err != nil {
		return 0, err
	}

	if dt == TypeBinary {
		if d.coils[addr] {
			return 1, nil
		}
		return 0, nil
	}
	regs := make([]uint16, dt.RegisterCount())
	for i := range regs {
		regs[i] = d.registers[addr+uint16(i)]
	}
	return DecodeRegisters(regs, dt, d.order)
}

func (d *SimDriver) WriteParameter(ctx context.Context, id string, value float64) error {
	s, ok := d.meta.Spec(id)
	if !ok {
		return fmt.Errorf("unknown parameter %s", id)
	}
	if !s.Writable() {
		return fmt.Errorf("write parameter %s: %w", id, ErrUnmapped)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.guardLocked(ctx); err != nil {
		return err
	}

	d.seedLocked(*s.WriteAddress, s.DataType, value)
	// The simulator actuates instantly: the live reading follows the setpoint.
	if s.ReadAddress != nil {
		d.seedLocked(*s.ReadAddress, s.DataType, value)
	}
	return nil
}

func (d *SimDriver) ReadAllParameters(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, s := range d.meta.Specs() {
		if !s.Readable() {
			continue
		}
		v, err := d.readAt(ctx, *s.ReadAddress, s.DataType)
		if err != nil {
			return nil, fmt.Errorf("read parameter %s: %w", s.ID, err)
		}
		out[s.ID] = v
	}
	return out, nil
}

func (d *SimDriver) ReadAllSetpoints(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, s := range d.meta.Specs() {
		if !s.Writable() {
			continue
		}
		v, err := d.readAt(ctx, *s.WriteAddress, s.DataType)
		if err != nil {
			return nil, fmt.Errorf("read setpoint %s: %w", s.ID, err)
		}
		out[s.ID] = v
	}
	return out, nil
}

func (d *SimDriver) ControlValve(ctx context.Context, number int, open bool, duration time.Duration) error {
	if number < 1 {
		return fmt.Errorf("valve number must be positive, got %d", number)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.guardLocked(ctx); err != nil {
		return err
	}

	coil := d.valveCoilBase + uint16(number-1)

	if t, ok := d.timers[coil]; ok {
		t.Stop()
		delete(d.timers, coil)
	}

	if open && duration > 0 {
		d.registers[d.valveDurationBase+uint16(number-1)] = uint16(duration.Milliseconds())
		d.coils[coil] = true
		d.timers[coil] = time.AfterFunc(duration, func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.coils[coil] = false
			delete(d.timers, coil)
		})
		return nil
	}

	d.coils[coil] = open
	return nil
}

func (d *SimDriver) ReadHoldingRegisters(ctx context.Context, start, count uint16) ([]uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.guardLocked(ctx); err != nil {
		return nil, err
	}

	regs := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		regs[i] = d.registers[start+i]
	}
	return regs, nil
}

func (d *SimDriver) ReadCoils(ctx context.Context, start, count uint16) ([]bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.guardLocked(ctx); err != nil {
		return nil, err
	}

	coils := make([]bool, count)
	for i := uint16(0); i < count; i++ {
		coils[i] = d.coils[start+i]
	}
	return coils, nil
}

func (d *SimDriver) WriteHoldingRegister(ctx context.Context, addr, value uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.guardLocked(ctx); err != nil {
		return err
	}
	d.registers[addr] = value
	return nil
}

func (d *SimDriver) WriteCoil(ctx context.Context, addr uint16, value bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.guardLocked(ctx); err != nil {
		return err
	}
	d.coils[addr] = value
	return nil
}
