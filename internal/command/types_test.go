package command

import (
	"errors"
	"testing"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/plc"
)

const (
	recipeUUID  = "3f8e9f1a-0c2b-4d5e-8f6a-1b2c3d4e5f60"
	processUUID = "7a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9"
	paramUUID   = "11111111-2222-4333-8444-555555555555"
)

func TestParseStartRecipe(t *testing.T) {
	p, err := parseStartRecipe(map[string]any{
		"recipe_id":   recipeUUID,
		"operator_id": processUUID,
		"parameters_override": map[string]any{
			"carrier_flow": 30.5,
			"line_temp":    "185",
		},
	})
	if err != nil {
		t.Fatalf("parseStartRecipe: %v", err)
	}
	if p.RecipeID != recipeUUID || p.OperatorID != processUUID {
		t.Fatalf("parsed = %+v", p)
	}
	if p.Overrides["carrier_flow"] != 30.5 || p.Overrides["line_temp"] != 185 {
		t.Fatalf("overrides = %v", p.Overrides)
	}
}

func TestParseStartRecipeRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]any
		field   string
	}{
		{"missing recipe", map[string]any{}, "recipe_id"},
		{"empty recipe", map[string]any{"recipe_id": ""}, "recipe_id"},
		{"malformed recipe", map[string]any{"recipe_id": "not-an-id"}, "recipe_id"},
		{"override not object", map[string]any{
			"recipe_id":           recipeUUID,
			"parameters_override": []any{1, 2},
		}, "parameters_override"},
		{"override not numeric", map[string]any{
			"recipe_id":           recipeUUID,
			"parameters_override": map[string]any{"flow": "fast"},
		}, "parameters_override.flow"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseStartRecipe(tc.payload)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field = %q, want %q", verr.Field, tc.field)
			}
		})
	}
}

func TestParseStopRecipe(t *testing.T) {
	p, err := parseStopRecipe(map[string]any{
		"process_id": processUUID,
		"reason":     "operator abort",
	})
	if err != nil {
		t.Fatalf("parseStopRecipe: %v", err)
	}
	if p.ProcessID != processUUID || p.Reason != "operator abort" {
		t.Fatalf("parsed = %+v", p)
	}

	if _, err := parseStopRecipe(map[string]any{}); err == nil {
		t.Fatal("missing process_id accepted")
	}
	if _, err := parseStopRecipe(map[string]any{"process_id": "nope"}); err == nil {
		t.Fatal("malformed process_id accepted")
	}
}

func TestParseSetParameterByAddress(t *testing.T) {
	p, err := parseSetParameter(map[string]any{
		"write_modbus_address": float64(2100),
		"data_type":            "int16",
		"value":                float64(7),
	})
	if err != nil {
		t.Fatalf("parseSetParameter: %v", err)
	}
	if p.WriteAddress == nil || *p.WriteAddress != 2100 {
		t.Fatalf("address = %v", p.WriteAddress)
	}
	if p.DataType != plc.TypeInt16 || p.Value != 7 {
		t.Fatalf("parsed = %+v", p)
	}
}

func TestParseSetParameterByIdentity(t *testing.T) {
	p, err := parseSetParameter(map[string]any{
		"component_parameter_id": paramUUID,
		"value":                  1.5,
	})
	if err != nil {
		t.Fatalf("parseSetParameter: %v", err)
	}
	if p.ParameterID != paramUUID || p.Name != "" || p.WriteAddress != nil {
		t.Fatalf("parsed = %+v", p)
	}
}

func TestParseSetParameterComponentIDWinsOverParameterID(t *testing.T) {
	p, err := parseSetParameter(map[string]any{
		"component_parameter_id": paramUUID,
		"parameter_id":           processUUID,
		"value":                  1.5,
	})
	if err != nil {
		t.Fatalf("parseSetParameter: %v", err)
	}
	if p.ParameterID != paramUUID {
		t.Fatalf("parameter id = %s, want %s", p.ParameterID, paramUUID)
	}
}

// Older tool UIs wrote the parameter name into parameter_id. The parser
// keeps those rows working by treating a non-identity value as a name.
func TestParseSetParameterLegacyNameInIDSlot(t *testing.T) {
	p, err := parseSetParameter(map[string]any{
		"parameter_id": "chamber_pressure",
		"value":        0.8,
	})
	if err != nil {
		t.Fatalf("parseSetParameter: %v", err)
	}
	if p.ParameterID != "" || p.Name != "chamber_pressure" {
		t.Fatalf("parsed = %+v", p)
	}
}

func TestParseSetParameterNameOverridesLegacySlot(t *testing.T) {
	p, err := parseSetParameter(map[string]any{
		"parameter_id":   "old_name",
		"parameter_name": "mfc_1_flow",
		"value":          12.0,
	})
	if err != nil {
		t.Fatalf("parseSetParameter: %v", err)
	}
	if p.Name != "mfc_1_flow" {
		t.Fatalf("name = %q, want mfc_1_flow", p.Name)
	}
}

func TestParseSetParameterRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]any
	}{
		{"missing value", map[string]any{"parameter_id": paramUUID}},
		{"value not numeric", map[string]any{"parameter_id": paramUUID, "value": "high"}},
		{"no reference", map[string]any{"value": 1.0}},
		{"address out of range", map[string]any{"write_modbus_address": float64(70000), "value": 1.0}},
		{"address fractional", map[string]any{"write_modbus_address": 10.5, "value": 1.0}},
		{"unknown data type", map[string]any{"write_modbus_address": float64(10), "data_type": "float128", "value": 1.0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseSetParameter(tc.payload); err == nil {
				t.Fatal("bad payload accepted")
			}
		})
	}
}

func TestNumberFieldForms(t *testing.T) {
	for _, v := range []any{float64(3), int(3), int64(3), "3"} {
		n, ok := numberField(v)
		if !ok || n != 3 {
			t.Fatalf("numberField(%T %v) = %v, %v", v, v, n, ok)
		}
	}
	if _, ok := numberField([]any{}); ok {
		t.Fatal("slice accepted as number")
	}
	if _, ok := numberField("12x"); ok {
		t.Fatal("junk string accepted as number")
	}
}
