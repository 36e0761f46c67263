// Package params owns the component-parameter rows: loading, the short-TTL
// metadata cache shared by the parameter-write path and the continuous
// logger, and the validated write service.
package params

import (
	"fmt"
	"time"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/plc"
)

// Parameter mirrors one component_parameters row.
type Parameter struct {
	ID           string
	ComponentID  *string
	Name         string
	Unit         *string
	DataType     plc.DataType
	MinValue     float64
	MaxValue     float64
	CurrentValue float64
	SetValue     float64
	ReadAddress  *uint16
	WriteAddress *uint16
	UpdatedAt    time.Time
}

// Spec maps the row onto its bus-level description.
func (p Parameter) Spec() plc.Spec {
	return plc.Spec{
		ID:           p.ID,
		Name:         p.Name,
		DataType:     p.DataType,
		ReadAddress:  p.ReadAddress,
		WriteAddress: p.WriteAddress,
		Current:      p.CurrentValue,
		Setpoint:     p.SetValue,
	}
}

// NormalizeDataType maps raw data_type column values onto the wire types.
// Unknown or empty strings fall back to float, the dominant channel type.
func NormalizeDataType(s string) plc.DataType {
	dt := plc.DataType(s)
	if dt.Valid() {
		return dt
	}
	return plc.TypeFloat
}

// RangeError reports a parameter write outside the configured bounds.
type RangeError struct {
	Parameter string
	Name      string
	Value     float64
	Min       float64
	Max       float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("value %g for parameter %s outside range [%g, %g]",
		e.Value, e.Name, e.Min, e.Max)
}
