package plc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/simonvetter/modbus"
)

// ModbusConfig carries the TCP endpoint and the register layout of the tool.
type ModbusConfig struct {
	Address           string
	UnitID            uint8
	ByteOrder         string // big | little
	WordOrder         WordOrder
	Timeout           time.Duration
	ValveCoilBase     uint16
	ValveDurationBase uint16
}

// ModbusDriver drives the PLC over Modbus TCP. All bus access is serialized
// on an internal mutex; the PLC side sees one request at a time.
type ModbusDriver struct {
	cfg    ModbusConfig
	meta   Metadata
	logger zerolog.Logger

	mu        sync.Mutex
	client    *modbus.ModbusClient
	connected atomic.Bool
}

func NewModbus(cfg ModbusConfig, meta Metadata, logger zerolog.Logger) *ModbusDriver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &ModbusDriver{
		cfg:    cfg,
		meta:   meta,
		logger: logger.With().Str("component", "plc").Str("driver", "modbus").Logger(),
	}
}

func (d *ModbusDriver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected.Load() {
		return nil
	}

	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     "tcp://" + d.cfg.Address,
		Timeout: d.cfg.Timeout,
	})
	if err != nil {
		return fmt.Errorf("configure modbus client: %w", err)
	}

	endianness := modbus.BIG_ENDIAN
	if d.cfg.ByteOrder == "little" {
		endianness = modbus.LITTLE_ENDIAN
	}
	wordOrder := modbus.HIGH_WORD_FIRST
	if d.cfg.WordOrder == LowWordFirst {
		wordOrder = modbus.LOW_WORD_FIRST
	}
	if err := client.SetEncoding(endianness, wordOrder); err != nil {
		return fmt.Errorf("set modbus encoding: %w", err)
	}

	if err := client.Open(); err != nil {
		return fmt.Errorf("open modbus connection %s: %w", d.cfg.Address, err)
	}
	if err := client.SetUnitId(d.cfg.UnitID); err != nil {
		client.Close()
		return fmt.Errorf("set modbus unit id: %w", err)
	}

	d.client = client
	d.connected.Store(true)
	d.logger.Info().Str("address", d.cfg.Address).Uint8("unit_id", d.cfg.UnitID).Msg("plc connected")
	return nil
}

func (d *ModbusDriver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	d.connected.Store(false)
	if err != nil {
		return fmt.Errorf("close modbus connection: %w", err)
	}
	return nil
}

func (d *ModbusDriver) Connected() bool { return d.connected.Load() }

// noteIOError downgrades the connected flag when the error indicates the TCP
// link itself dropped, as opposed to a Modbus exception from a live PLC.
func (d *ModbusDriver) noteIOError(err error) {
	var netErr net.Error
	if errors.Is(err, io.EOF) || errors.As(err, &netErr) {
		d.connected.Store(false)
	}
}

func (d *ModbusDriver) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.connected.Load() {
		return ErrDisconnected
	}
	return nil
}

func (d *ModbusDriver) spec(id string) (Spec, error) {
	s, ok := d.meta.Spec(id)
	if !ok {
		return Spec{}, fmt.Errorf("unknown parameter %s", id)
	}
	return s, nil
}

func (d *ModbusDriver) ReadParameter(ctx context.Context, id string) (float64, error) {
	s, err := d.spec(id)
	if err != nil {
		return 0, err
	}
	if !s.Readable() {
		return 0, fmt.Errorf("read parameter %s: %w", id, ErrUnmapped)
	}
	return d.readAt(ctx, *s.ReadAddress, s.DataType)
}

func (d *ModbusDriver) ReadSetpoint(ctx context.Context, id string) (float64, error) {
	s, err := d.spec(id)
	if err != nil {
		return 0, err
	}
	if !s.Writable() {
		return 0, fmt.Errorf("read setpoint %s: %w", id, ErrUnmapped)
	}
	return d.readAt(ctx, *s.WriteAddress, s.DataType)
}

func (d *ModbusDriver) readAt(ctx context.Context, addr uint16, dt DataType) (float64, error) {
	if err := d.guard(ctx); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if dt == TypeBinary {
		v, err := d.client.ReadCoil(addr)
		if err != nil {
			d.noteIOError(err)
			return 0, fmt.Errorf("read coil %d: %w", addr, err)
		}
		if v {
			return 1, nil
		}
		return 0, nil
	}

	regs, err := d.client.ReadRegisters(addr, dt.RegisterCount(), modbus.HOLDING_REGISTER)
	if err != nil {
		d.noteIOError(err)
		return 0, fmt.Errorf("read registers %d: %w", addr, err)
	}
	return DecodeRegisters(regs, dt, d.cfg.WordOrder)
}

func (d *ModbusDriver) WriteParameter(ctx context.Context, id string, value float64) error {
	s, err := d.spec(id)
	if err != nil {
		return err
	}
	if !s.Writable() {
		return fmt.Errorf("write parameter %s: %w", id, ErrUnmapped)
	}
	if err := d.guard(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	addr := *s.WriteAddress
	if s.DataType == TypeBinary {
		if err := d.client.WriteCoil(addr, value != 0); err != nil {
			d.noteIOError(err)
			return fmt.Errorf("write coil %d: %w", addr, err)
		}
		return nil
	}

	regs, err := EncodeRegisters(value, s.DataType, d.cfg.WordOrder)
	if err != nil {
		return fmt.Errorf("write parameter %s: %w", id, err)
	}
	if len(regs) == 1 {
		err = d.client.WriteRegister(addr, regs[0])
	} else {
		err = d.client.WriteRegisters(addr, regs)
	}
	if err != nil {
		d.noteIOError(err)
		return fmt.Errorf("write registers %d: %w", addr, err)
	}
	return nil
}

func (d *ModbusDriver) ReadAllParameters(ctx context.Context) (map[string]float64, error) {
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

func (d *ModbusDriver) ReadAllSetpoints(ctx context.Context) (map[string]float64, error) {
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

func (d *ModbusDriver) ControlValve(ctx context.Context, number int, open bool, duration time.Duration) error {
	if number < 1 {
		return fmt.Errorf("valve number must be positive, got %d", number)
	}
	if err := d.guard(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	coil := d.cfg.ValveCoilBase + uint16(number-1)

	if open && duration > 0 {
		ms := duration.Milliseconds()
		if ms > 65535 {
			return fmt.Errorf("valve pulse %s exceeds the 16-bit duration register", duration)
		}
		durReg := d.cfg.ValveDurationBase + uint16(number-1)
		if err := d.client.WriteRegister(durReg, uint16(ms)); err != nil {
			d.noteIOError(err)
			return fmt.Errorf("write valve %d duration: %w", number, err)
		}
	}

	if err := d.client.WriteCoil(coil, open); err != nil {
		d.noteIOError(err)
		return fmt.Errorf("write valve %d coil: %w", number, err)
	}
	return nil
}

func (d *ModbusDriver) ReadHoldingRegisters(ctx context.Context, start, count uint16) ([]uint16, error) {
	if err := d.guard(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	regs, err := d.client.ReadRegisters(start, count, modbus.HOLDING_REGISTER)
	if err != nil {
		d.noteIOError(err)
		return nil, fmt.Errorf("bulk read registers %d+%d: %w", start, count, err)
	}
	return regs, nil
}

func (d *ModbusDriver) ReadCoils(ctx context.Context, start, count uint16) ([]bool, error) {
	if err := d.guard(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	coils, err := d.client.ReadCoils(start, count)
	if err != nil {
		d.noteIOError(err)
		return nil, fmt.Errorf("bulk read coils %d+%d: %w", start, count, err)
	}
	return coils, nil
}

func (d *ModbusDriver) WriteHoldingRegister(ctx context.Context, addr, value uint16) error {
	if err := d.guard(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.client.WriteRegister(addr, value); err != nil {
		d.noteIOError(err)
		return fmt.Errorf("write register %d: %w", addr, err)
	}
	return nil
}

func (d *ModbusDriver) WriteCoil(ctx context.Context, addr uint16, value bool) error {
	if err := d.guard(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.client.WriteCoil(addr, value); err != nil {
		d.noteIOError(err)
		return fmt.Errorf("write coil %d: %w", addr, err)
	}
	return nil
}
