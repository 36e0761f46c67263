package plc

import (
	"fmt"
	"math"
)

// WordOrder is the placement of the high 16-bit word within 32-bit values
// that span two holding registers.
type WordOrder int

const (
	HighWordFirst WordOrder = iota
	LowWordFirst
)

func ParseWordOrder(s string) (WordOrder, error) {
	switch s {
	case "high", "":
		return HighWordFirst, nil
	case "low":
		return LowWordFirst, nil
	}
	return HighWordFirst, fmt.Errorf("unknown word order %q", s)
}

func compose32(regs []uint16, order WordOrder) uint32 {
	hi, lo := regs[0], regs[1]
	if order == LowWordFirst {
		hi, lo = lo, hi
	}
	return uint32(hi)<<16 | uint32(lo)
}

func split32(v uint32, order WordOrder) []uint16 {
	hi, lo := uint16(v>>16), uint16(v&0xffff)
	if order == LowWordFirst {
		hi, lo = lo, hi
	}
	return []uint16{hi, lo}
}

// DecodeRegisters turns raw holding-register words into a parameter value.
// The register slice must be exactly RegisterCount() long for the type.
func DecodeRegisters(regs []uint16, dt DataType, order WordOrder) (float64, error) {
	want := dt.RegisterCount()
	if want == 0 {
		return 0, fmt.Errorf("decode %s: type lives on coils, not registers", dt)
	}
	if uint16(len(regs)) != want {
		return 0, fmt.Errorf("decode %s: got %d registers, want %d", dt, len(regs), want)
	}

	switch dt {
	case TypeFloat:
		f := math.Float32frombits(compose32(regs, order))
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return 0, fmt.Errorf("decode float: non-finite value")
		}
		return float64(f), nil
	case TypeInt32:
		return float64(int32(compose32(regs, order))), nil
	case TypeInt16:
		return float64(int16(regs[0])), nil
	}
	return 0, fmt.Errorf("decode: unknown data type %q", dt)
}

// EncodeRegisters turns a parameter value into holding-register words.
func EncodeRegisters(value float64, dt DataType, order WordOrder) ([]uint16, error) {
	switch dt {
	case TypeFloat:
		return split32(math.Float32bits(float32(value)), order), nil
	case TypeInt32:
		if value > math.MaxInt32 || value < math.MinInt32 {
			return nil, fmt.Errorf("encode int32: %g out of range", value)
		}
		return split32(uint32(int32(math.Round(value))), order), nil
	case TypeInt16:
		if value > math.MaxInt16 || value < math.MinInt16 {
			return nil, fmt.Errorf("encode int16: %g out of range", value)
		}
		return []uint16{uint16(int16(math.Round(value)))}, nil
	case TypeBinary:
		return nil, fmt.Errorf("encode %s: type lives on coils, not registers", dt)
	}
	return nil, fmt.Errorf("encode: unknown data type %q", dt)
}
