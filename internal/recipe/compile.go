package recipe

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Compiled is the executable form of a recipe: ordered top-level steps, loop
// children, pre-computed progress totals, and the JSON snapshot persisted as
// recipe_version on the process execution.
type Compiled struct {
	Recipe     Recipe
	TopLevel   []Step
	ChildrenOf map[string][]Step
	Parameters []Parameter

	TotalSteps  int
	TotalCycles int
	Snapshot    []byte
}

// Compile builds the step tree and totals. The tree must be well formed:
// every parent reference resolves, only loops have children, and every step
// is reachable from the top level.
func Compile(r Recipe, steps []Step, params []Parameter) (*Compiled, error) {
	types := make(map[string]StepType, len(steps))
	for _, s := range steps {
		if !s.Type.Valid() {
			return nil, fmt.Errorf("recipe %s: step %q has unknown type %q", r.ID, s.Name, s.Type)
		}
		if _, dup := types[s.ID]; dup {
			return nil, fmt.Errorf("recipe %s: duplicate step id %s", r.ID, s.ID)
		}
		types[s.ID] = s.Type
	}

	var top []Step
	children := make(map[string][]Step)
	for _, s := range steps {
		if s.ParentID == nil {
			top = append(top, s)
			continue
		}
		pt, ok := types[*s.ParentID]
		if !ok {
			return nil, fmt.Errorf("recipe %s: step %q references missing parent %s", r.ID, s.Name, *s.ParentID)
		}
		if pt != StepLoop {
			return nil, fmt.Errorf("recipe %s: step %q nested under non-loop parent", r.ID, s.Name)
		}
		children[*s.ParentID] = append(children[*s.ParentID], s)
	}

	sort.SliceStable(top, func(i, j int) bool { return top[i].Sequence < top[j].Sequence })
	for id := range children {
		cs := children[id]
		sort.SliceStable(cs, func(i, j int) bool { return cs[i].Sequence < cs[j].Sequence })
		children[id] = cs
	}

	if n := countReachable(top, children); n != len(steps) {
		return nil, fmt.Errorf("recipe %s: %d of %d steps unreachable from top level", r.ID, len(steps)-n, len(steps))
	}

	c := &Compiled{
		Recipe:     r,
		TopLevel:   top,
		ChildrenOf: children,
		Parameters: params,
	}
	for _, s := range top {
		c.TotalSteps += c.expand(s)
		c.TotalCycles += c.cycles(s)
	}

	snap, err := buildSnapshot(r, steps, params)
	if err != nil {
		return nil, fmt.Errorf("recipe %s: snapshot: %w", r.ID, err)
	}
	c.Snapshot = snap
	return c, nil
}

// expand counts the leaf executions one pass over the step produces. A loop
// contributes its children times the iteration count and is not itself
// counted.
func (c *Compiled) expand(s Step) int {
	if s.Type != StepLoop {
		return 1
	}
	if s.Loop == nil || s.Loop.Iterations <= 0 {
		return 0
	}
	sum := 0
	for _, child := range c.ChildrenOf[s.ID] {
		sum += c.expand(child)
	}
	return s.Loop.Iterations * sum
}

// cycles counts loop iterations, nested loops counted once per entry.
func (c *Compiled) cycles(s Step) int {
	if s.Type != StepLoop {
		return 0
	}
	if s.Loop == nil || s.Loop.Iterations <= 0 {
		return 0
	}
	inner := 0
	for _, child := range c.ChildrenOf[s.ID] {
		inner += c.cycles(child)
	}
	return s.Loop.Iterations + s.Loop.Iterations*inner
}

func countReachable(top []Step, children map[string][]Step) int {
	n := 0
	var walk func(steps []Step)
	walk = func(steps []Step) {
		for _, s := range steps {
			n++
			if s.Type == StepLoop {
				walk(children[s.ID])
			}
		}
	}
	walk(top)
	return n
}

type snapshotRecipe struct {
	ID                         string   `json:"id"`
	Name                       string   `json:"name"`
	Version                    int      `json:"version"`
	Description                *string  `json:"description,omitempty"`
	ChamberTemperatureSetPoint *float64 `json:"chamber_temperature_set_point,omitempty"`
	PressureSetPoint           *float64 `json:"pressure_set_point,omitempty"`
}

type snapshotStep struct {
	ID       string         `json:"id"`
	ParentID *string        `json:"parent_step_id,omitempty"`
	Sequence int            `json:"sequence_number"`
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Config   map[string]any `json:"config,omitempty"`
}

type snapshotParameter struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  *string `json:"unit,omitempty"`
}

// buildSnapshot renders the stable record of what is about to run. Resolved
// configs win over the inline step parameters they were derived from.
func buildSnapshot(r Recipe, steps []Step, params []Parameter) ([]byte, error) {
	env := struct {
		Recipe     snapshotRecipe      `json:"recipe"`
		Steps      []snapshotStep      `json:"steps"`
		Parameters []snapshotParameter `json:"parameters"`
	}{
		Recipe: snapshotRecipe{
			ID:                         r.ID,
			Name:                       r.Name,
			Version:                    r.Version,
			Description:                r.Description,
			ChamberTemperatureSetPoint: r.ChamberTemperatureSetPoint,
			PressureSetPoint:           r.PressureSetPoint,
		},
		Steps:      make([]snapshotStep, 0, len(steps)),
		Parameters: make([]snapshotParameter, 0, len(params)),
	}

	for _, s := range steps {
		env.Steps = append(env.Steps, snapshotStep{
			ID:       s.ID,
			ParentID: s.ParentID,
			Sequence: s.Sequence,
			Name:     s.Name,
			Type:     string(s.Type),
			Config:   snapshotConfig(s),
		})
	}
	for _, p := range params {
		env.Parameters = append(env.Parameters, snapshotParameter{
			Name:  p.Name,
			Value: p.Value,
			Unit:  p.Unit,
		})
	}
	return json.Marshal(env)
}

func snapshotConfig(s Step) map[string]any {
	switch {
	case s.Valve != nil:
		return map[string]any{
			"valve_number": s.Valve.Number,
			"duration_ms":  int(s.Valve.Duration / time.Millisecond),
		}
	case s.Purge != nil:
		cfg := map[string]any{
			"duration_ms": int(s.Purge.Duration / time.Millisecond),
		}
		if s.Purge.GasType != "" {
			cfg["gas_type"] = s.Purge.GasType
		}
		if s.Purge.FlowRate != 0 {
			cfg["flow_rate"] = s.Purge.FlowRate
		}
		return cfg
	case s.Loop != nil:
		return map[string]any{"iteration_count": s.Loop.Iterations}
	case s.Param != nil:
		return map[string]any{
			"parameter_id": s.Param.ParameterID,
			"value":        s.Param.Value,
		}
	case len(s.Raw) > 0:
		return s.Raw
	}
	return nil
}
