// Package recipe loads recipe definitions from the datastore and compiles
// them into the step tree the executor walks.
package recipe

import (
	"strconv"
	"strings"
	"time"
)

type StepType string

const (
	StepValve        StepType = "valve"
	StepPurge        StepType = "purge"
	StepLoop         StepType = "loop"
	StepSetParameter StepType = "set_parameter"
)

// NormalizeStepType folds the legacy spellings seen in older recipe rows into
// the canonical type names. "set parameter" is the known alias.
func NormalizeStepType(s string) StepType {
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "set parameter" {
		t = "set_parameter"
	}
	return StepType(t)
}

func (t StepType) Valid() bool {
	switch t {
	case StepValve, StepPurge, StepLoop, StepSetParameter:
		return true
	}
	return false
}

// Recipe mirrors one recipes row.
type Recipe struct {
	ID                         string
	Name                       string
	Version                    int
	Description                *string
	ChamberTemperatureSetPoint *float64
	PressureSetPoint           *float64
}

// Step is one recipe step with its resolved configuration. Exactly one of
// Valve, Purge, Loop, Param is set once the loader has resolved the sibling
// table or the inline fallback; all stay nil when neither source had values.
type Step struct {
	ID       string
	RecipeID string
	ParentID *string
	Sequence int
	Name     string
	Type     StepType

	// Raw holds the inline parameters from the step row, kept for the
	// recipe_version snapshot.
	Raw map[string]any

	Valve *ValveConfig
	Purge *PurgeConfig
	Loop  *LoopConfig
	Param *ParamConfig
}

type ValveConfig struct {
	Number   int
	Duration time.Duration
}

type PurgeConfig struct {
	Duration time.Duration
	GasType  string
	FlowRate float64
}

type LoopConfig struct {
	Iterations int
}

type ParamConfig struct {
	ParameterID string
	Value       float64
}

// Parameter mirrors one recipe_parameters row: a named default the operator
// can override at start.
type Parameter struct {
	ID    string
	Name  string
	Value float64
	Min   *float64
	Max   *float64
	Unit  *string
}

// intFrom coerces the value shapes JSONB hands back for integers. Legacy
// recipe rows sometimes store numbers as strings.
func intFrom(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case string:
		out, err := strconv.Atoi(strings.TrimSpace(n))
		return out, err == nil
	}
	return 0, false
}

func floatFrom(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		out, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return out, err == nil
	}
	return 0, false
}

func stringFrom(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
