// Package plc abstracts the fieldbus link to the tool's programmable logic
// controller. The runtime talks to one Driver; production uses the Modbus TCP
// implementation, development and tests use the in-memory simulator.
package plc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DataType is the wire representation of a parameter channel.
type DataType string

const (
	TypeFloat  DataType = "float"
	TypeInt16  DataType = "int16"
	TypeInt32  DataType = "int32"
	TypeBinary DataType = "binary"
)

// RegisterCount returns how many holding registers the type occupies.
// Binary channels live on coils and occupy none.
func (t DataType) RegisterCount() uint16 {
	switch t {
	case TypeFloat, TypeInt32:
		return 2
	case TypeInt16:
		return 1
	default:
		return 0
	}
}

func (t DataType) Valid() bool {
	switch t {
	case TypeFloat, TypeInt16, TypeInt32, TypeBinary:
		return true
	}
	return false
}

// ParseDataType normalizes a stored data-type label.
func ParseDataType(s string) (DataType, error) {
	t := DataType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown data type %q", s)
	}
	return t, nil
}

// Spec is the bus-level description of one parameter channel. Read and write
// addresses are optional: parameters not exposed on the bus carry neither.
type Spec struct {
	ID           string
	Name         string
	DataType     DataType
	ReadAddress  *uint16
	WriteAddress *uint16
	Current      float64
	Setpoint     float64
}

// Readable reports whether the channel can be sampled from the bus.
func (s Spec) Readable() bool { return s.ReadAddress != nil }

// Writable reports whether the channel accepts setpoint writes.
func (s Spec) Writable() bool { return s.WriteAddress != nil }

// Metadata resolves parameter channels to their bus specs. Implemented by the
// parameter metadata cache.
type Metadata interface {
	Spec(id string) (Spec, bool)
	Specs() []Spec
}

var (
	// ErrDisconnected is the root of every error produced while the bus link
	// is down.
	ErrDisconnected = errors.New("plc disconnected")

	// ErrUnmapped marks operations on parameters without a bus address.
	ErrUnmapped = errors.New("parameter has no bus address")
)

// Driver is the capability surface the runtime consumes. Implementations
// serialize bus access internally; callers treat each call as atomic.
type Driver interface {
	Initialize(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool

	ReadParameter(ctx context.Context, id string) (float64, error)
	WriteParameter(ctx context.Context, id string, value float64) error
	ReadAllParameters(ctx context.Context) (map[string]float64, error)

	ReadSetpoint(ctx context.Context, id string) (float64, error)
	ReadAllSetpoints(ctx context.Context) (map[string]float64, error)

	// ControlValve drives valve `number`. With a positive duration the PLC
	// times the pulse and auto-closes; the call returns as soon as the pulse
	// is armed.
	ControlValve(ctx context.Context, number int, open bool, duration time.Duration) error

	ReadHoldingRegisters(ctx context.Context, start, count uint16) ([]uint16, error)
	ReadCoils(ctx context.Context, start, count uint16) ([]bool, error)
	WriteHoldingRegister(ctx context.Context, addr, value uint16) error
	WriteCoil(ctx context.Context, addr uint16, value bool) error
}

// Addr is a convenience for building optional addresses in literals.
func Addr(a uint16) *uint16 { return &a }
