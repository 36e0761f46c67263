package plc

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

func TestDecodeFloatWordOrders(t *testing.T) {
	bits := math.Float32bits(123.5)
	hi, lo := uint16(bits>>16), uint16(bits&0xffff)

	got, err := DecodeRegisters([]uint16{hi, lo}, TypeFloat, HighWordFirst)
	if err != nil {
		t.Fatal(err)
	}
	if got != 123.5 {
		t.Errorf("high-first decode = %v, want 123.5", got)
	}

	got, err = DecodeRegisters([]uint16{lo, hi}, TypeFloat, LowWordFirst)
	if err != nil {
		t.Fatal(err)
	}
	if got != 123.5 {
		t.Errorf("low-first decode = %v, want 123.5", got)
	}
}

func TestDecodeInt16Negative(t *testing.T) {
	got, err := DecodeRegisters([]uint16{0xFFFE}, TypeInt16, HighWordFirst)
	if err != nil {
		t.Fatal(err)
	}
	if got != -2 {
		t.Errorf("decode = %v, want -2", got)
	}
}

func TestDecodeRegisterCountMismatch(t *testing.T) {
	if _, err := DecodeRegisters([]uint16{1}, TypeFloat, HighWordFirst); err == nil {
		t.Error("one register for a float should fail")
	}
	if _, err := DecodeRegisters([]uint16{1, 2}, TypeInt16, HighWordFirst); err == nil {
		t.Error("two registers for an int16 should fail")
	}
}

func TestBinaryHasNoRegisterForm(t *testing.T) {
	if _, err := DecodeRegisters([]uint16{1}, TypeBinary, HighWordFirst); err == nil {
		t.Error("binary decode from registers should fail")
	}
	if _, err := EncodeRegisters(1, TypeBinary, HighWordFirst); err == nil {
		t.Error("binary encode to registers should fail")
	}
}

func TestEncodeRangeChecks(t *testing.T) {
	if _, err := EncodeRegisters(40000, TypeInt16, HighWordFirst); err == nil {
		t.Error("40000 does not fit int16")
	}
	if _, err := EncodeRegisters(3e9, TypeInt32, HighWordFirst); err == nil {
		t.Error("3e9 does not fit int32")
	}
}

func TestCodecRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		order := HighWordFirst
		if rapid.Bool().Draw(t, "lowFirst") {
			order = LowWordFirst
		}

		switch rapid.IntRange(0, 2).Draw(t, "type") {
		case 0:
			v := rapid.Float64Range(-1e6, 1e6).Draw(t, "float")
			regs, err := EncodeRegisters(v, TypeFloat, order)
			if err != nil {
				t.Fatal(err)
			}
			got, err := DecodeRegisters(regs, TypeFloat, order)
			if err != nil {
				t.Fatal(err)
			}
			if want := float64(float32(v)); got != want {
				t.Fatalf("float round trip: got %v, want %v", got, want)
			}
		case 1:
			v := rapid.IntRange(math.MinInt16, math.MaxInt16).Draw(t, "int16")
			regs, err := EncodeRegisters(float64(v), TypeInt16, order)
			if err != nil {
				t.Fatal(err)
			}
			got, err := DecodeRegisters(regs, TypeInt16, order)
			if err != nil {
				t.Fatal(err)
			}
			if got != float64(v) {
				t.Fatalf("int16 round trip: got %v, want %d", got, v)
			}
		case 2:
			v := rapid.IntRange(math.MinInt32, math.MaxInt32).Draw(t, "int32")
			regs, err := EncodeRegisters(float64(v), TypeInt32, order)
			if err != nil {
				t.Fatal(err)
			}
			got, err := DecodeRegisters(regs, TypeInt32, order)
			if err != nil {
				t.Fatal(err)
			}
			if got != float64(v) {
				t.Fatalf("int32 round trip: got %v, want %d", got, v)
			}
		}
	})
}
