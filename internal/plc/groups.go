package plc

import (
	"fmt"
	"sort"
)

// Modbus read limits per request.
const (
	MaxRegisterRun = 125
	MaxCoilRun     = 2000
)

type GroupKind int

const (
	GroupHolding GroupKind = iota
	GroupCoil
)

// Member locates one parameter inside a bulk-read run.
type Member struct {
	ParameterID string
	DataType    DataType
	Offset      uint16
}

// ReadGroup is one contiguous run of bus addresses covering one or more
// parameters, readable with a single request.
type ReadGroup struct {
	Kind    GroupKind
	Start   uint16
	Count   uint16
	Members []Member
}

// BuildReadGroups derives bulk-read runs from the read addresses of the given
// specs. Numeric types group on holding registers, binary on coils; runs break
// on address gaps and on the per-request Modbus limits.
func BuildReadGroups(specs []Spec) []ReadGroup {
	return buildGroups(specs, func(s Spec) *uint16 { return s.ReadAddress })
}

// BuildSetpointGroups derives bulk-read runs over write addresses, used to
// detect setpoints changed from outside the runtime.
func BuildSetpointGroups(specs []Spec) []ReadGroup {
	return buildGroups(specs, func(s Spec) *uint16 { return s.WriteAddress })
}

func buildGroups(specs []Spec, addrOf func(Spec) *uint16) []ReadGroup {
	type slot struct {
		id    string
		dt    DataType
		addr  uint16
		width uint16
	}

	var coils, regs []slot
	for _, s := range specs {
		a := addrOf(s)
		if a == nil || !s.DataType.Valid() {
			continue
		}
		if s.DataType == TypeBinary {
			coils = append(coils, slot{id: s.ID, dt: s.DataType, addr: *a, width: 1})
		} else {
			regs = append(regs, slot{id: s.ID, dt: s.DataType, addr: *a, width: s.DataType.RegisterCount()})
		}
	}

	sortSlots := func(ss []slot) {
		sort.Slice(ss, func(i, j int) bool {
			if ss[i].addr != ss[j].addr {
				return ss[i].addr < ss[j].addr
			}
			return ss[i].id < ss[j].id
		})
	}
	sortSlots(coils)
	sortSlots(regs)

	var groups []ReadGroup

	coalesce := func(ss []slot, kind GroupKind, maxRun uint16) {
		var cur *ReadGroup
		for _, s := range ss {
			fits := cur != nil &&
				s.addr == cur.Start+cur.Count &&
				cur.Count+s.width <= maxRun
			if !fits {
				groups = append(groups, ReadGroup{Kind: kind, Start: s.addr})
				cur = &groups[len(groups)-1]
			}
			cur.Members = append(cur.Members, Member{
				ParameterID: s.id,
				DataType:    s.dt,
				Offset:      s.addr - cur.Start,
			})
			cur.Count = s.addr - cur.Start + s.width
		}
	}

	coalesce(regs, GroupHolding, MaxRegisterRun)
	coalesce(coils, GroupCoil, MaxCoilRun)

	return groups
}

// DecodeRegisterRun decodes a holding-register group from its raw words.
// Any undecodable member fails the whole group; the caller falls back to
// individual reads.
func (g ReadGroup) DecodeRegisterRun(regs []uint16, order WordOrder) (map[string]float64, error) {
	if g.Kind != GroupHolding {
		return nil, fmt.Errorf("decode register run: group is not a register group")
	}
	if uint16(len(regs)) != g.Count {
		return nil, fmt.Errorf("decode register run: got %d words, want %d", len(regs), g.Count)
	}

	out := make(map[string]float64, len(g.Members))
	for _, m := range g.Members {
		w := m.DataType.RegisterCount()
		v, err := DecodeRegisters(regs[m.Offset:m.Offset+w], m.DataType, order)
		if err != nil {
			return nil, fmt.Errorf("decode member %s: %w", m.ParameterID, err)
		}
		out[m.ParameterID] = v
	}
	return out, nil
}

// DecodeCoilRun decodes a coil group from its raw bits.
func (g ReadGroup) DecodeCoilRun(bits []bool) (map[string]float64, error) {
	if g.Kind != GroupCoil {
		return nil, fmt.Errorf("decode coil run: group is not a coil group")
	}
	if uint16(len(bits)) != g.Count {
		return nil, fmt.Errorf("decode coil run: got %d bits, want %d", len(bits), g.Count)
	}

	out := make(map[string]float64, len(g.Members))
	for _, m := range g.Members {
		if bits[m.Offset] {
			out[m.ParameterID] = 1
		} else {
			out[m.ParameterID] = 0
		}
	}
	return out, nil
}
