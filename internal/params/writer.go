package params

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/plc"
)

// Writer applies setpoint changes in the only safe order: validate against
// the row's bounds, drive the bus, then persist the new set_value. A bus
// failure therefore never leaves the datastore claiming a setpoint the
// hardware never saw.
type Writer struct {
	cache  *Cache
	driver plc.Driver
	order  plc.WordOrder
	logger zerolog.Logger
}

// NewWriter builds a writer over the cache and driver. order is the bus word
// order used when encoding writes to unmapped addresses; mapped writes encode
// inside the driver.
func NewWriter(cache *Cache, driver plc.Driver, order plc.WordOrder, logger zerolog.Logger) *Writer {
	return &Writer{
		cache:  cache,
		driver: driver,
		order:  order,
		logger: logger.With().Str("component", "paramwriter").Logger(),
	}
}

// Write sets the parameter with the given id to value.
func (w *Writer) Write(ctx context.Context, id string, value float64) (Parameter, error) {
	p, err := w.cache.Get(ctx, id)
	if err != nil {
		return Parameter{}, fmt.Errorf("load parameter %s: %w", id, err)
	}
	return w.writeRow(ctx, p, value)
}

// WriteByAddress sets whatever listens on a raw write address. When a
// parameter row claims the address the write goes through the validated row
// path; otherwise the value is pushed straight to the bus using the declared
// data type and no datastore row is touched.
func (w *Writer) WriteByAddress(ctx context.Context, addr uint16, value float64, dataType plc.DataType) (*Parameter, error) {
	p, err := w.cache.ByWriteAddress(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("resolve write address %d: %w", addr, err)
	}
	if p != nil {
		row, err := w.writeRow(ctx, *p, value)
		if err != nil {
			return nil, err
		}
		return &row, nil
	}

	if !dataType.Valid() {
		dataType = plc.TypeFloat
	}
	w.logger.Info().
		Uint16("address", addr).
		Float64("value", value).
		Str("data_type", string(dataType)).
		Msg("writing unmapped bus address")
	if err := w.writeRaw(ctx, addr, value, dataType); err != nil {
		return nil, err
	}
	return nil, nil
}

// WriteByName resolves the parameter by name and writes it. Names are not
// unique; multiple matches are logged and the first by (name, id) ordering
// wins.
func (w *Writer) WriteByName(ctx context.Context, name string, value float64) (Parameter, error) {
	matches, err := w.cache.ByName(ctx, name)
	if err != nil {
		return Parameter{}, fmt.Errorf("resolve parameter %q: %w", name, err)
	}
	if len(matches) == 0 {
		return Parameter{}, fmt.Errorf("parameter %q: %w", name, ErrNotFound)
	}
	if len(matches) > 1 {
		w.logger.Warn().
			Str("parameter", name).
			Int("matches", len(matches)).
			Str("chosen", matches[0].ID).
			Msg("parameter name is ambiguous, using first match")
	}
	return w.writeRow(ctx, matches[0], value)
}

func (w *Writer) writeRow(ctx context.Context, p Parameter, value float64) (Parameter, error) {
	if value < p.MinValue || value > p.MaxValue {
		return Parameter{}, &RangeError{
			Parameter: p.ID,
			Name:      p.Name,
			Value:     value,
			Min:       p.MinValue,
			Max:       p.MaxValue,
		}
	}

	if p.WriteAddress != nil {
		if err := w.driver.WriteParameter(ctx, p.ID, value); err != nil {
			return Parameter{}, fmt.Errorf("write parameter %s to plc: %w", p.Name, err)
		}
	} else {
		w.logger.Debug().Str("parameter", p.Name).Msg("parameter has no write address, updating setpoint only")
	}

	updated, err := w.cache.UpdateSetValue(ctx, p.ID, value)
	if err != nil {
		return Parameter{}, fmt.Errorf("persist setpoint for %s: %w", p.Name, err)
	}

	w.logger.Info().
		Str("parameter", updated.Name).
		Float64("value", value).
		Msg("setpoint written")
	return updated, nil
}

func (w *Writer) writeRaw(ctx context.Context, addr uint16, value float64, dataType plc.DataType) error {
	if dataType == plc.TypeBinary {
		if err := w.driver.WriteCoil(ctx, addr, value != 0); err != nil {
			return fmt.Errorf("write coil %d: %w", addr, err)
		}
		return nil
	}

	regs, err := plc.EncodeRegisters(value, dataType, w.order)
	if err != nil {
		return fmt.Errorf("encode value for address %d: %w", addr, err)
	}
	for i, reg := range regs {
		if err := w.driver.WriteHoldingRegister(ctx, addr+uint16(i), reg); err != nil {
			return fmt.Errorf("write register %d: %w", addr+uint16(i), err)
		}
	}
	return nil
}
