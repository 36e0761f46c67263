// Package command accepts operator commands from the datastore and drives
// them to a terminal row state. New rows arrive over a logical-replication
// feed with a polling sweep as the safety net; execution is idempotent, so
// seeing a command twice is harmless.
package command

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/plc"
)

const (
	TypeStartRecipe  = "start_recipe"
	TypeStopRecipe   = "stop_recipe"
	TypeSetParameter = "set_parameter"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// Command mirrors one recipe_commands row.
type Command struct {
	ID           string
	MachineID    string
	Type         string
	Parameters   map[string]any
	Status       string
	ErrorMessage *string
	ExecutedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ControlCommand mirrors one parameter_control_commands row: a flattened
// set_parameter issued through the dedicated table instead of the generic
// command payload.
type ControlCommand struct {
	ID            string
	MachineID     string
	ParameterID   *string
	ParameterName *string
	WriteAddress  *int32
	DataType      *string
	TargetValue   float64
}

// ValidationError reports a command payload the intake cannot act on. The
// row is failed with this message; nothing is retried.
type ValidationError struct {
	Command string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Command, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

// StartRecipe is the parsed start_recipe payload.
type StartRecipe struct {
	RecipeID   string
	OperatorID string
	Overrides  map[string]float64
}

// StopRecipe is the parsed stop_recipe payload.
type StopRecipe struct {
	ProcessID string
	Reason    string
}

// SetParameter is the parsed set_parameter payload. Exactly how the target
// resolves depends on which references are present; see Intake.
type SetParameter struct {
	WriteAddress *uint16
	DataType     plc.DataType
	ParameterID  string
	Name         string
	Value        float64
}

func parseStartRecipe(p map[string]any) (StartRecipe, error) {
	var out StartRecipe
	id, ok := stringField(p, "recipe_id")
	if !ok || id == "" {
		return out, &ValidationError{Command: TypeStartRecipe, Field: "recipe_id", Message: "required"}
	}
	if _, err := uuid.Parse(id); err != nil {
		return out, &ValidationError{Command: TypeStartRecipe, Field: "recipe_id", Message: "not a valid identity"}
	}
	out.RecipeID = id

	if op, ok := stringField(p, "operator_id"); ok && op != "" {
		out.OperatorID = op
	}

	if raw, ok := p["parameters_override"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return out, &ValidationError{Command: TypeStartRecipe, Field: "parameters_override", Message: "must be an object of name to number"}
		}
		out.Overrides = make(map[string]float64, len(m))
		for name, v := range m {
			n, ok := numberField(v)
			if !ok {
				return out, &ValidationError{
					Command: TypeStartRecipe,
					Field:   "parameters_override." + name,
					Message: "must be numeric",
				}
			}
			out.Overrides[name] = n
		}
	}
	return out, nil
}

func parseStopRecipe(p map[string]any) (StopRecipe, error) {
	var out StopRecipe
	id, ok := stringField(p, "process_id")
	if !ok || id == "" {
		return out, &ValidationError{Command: TypeStopRecipe, Field: "process_id", Message: "required"}
	}
	if _, err := uuid.Parse(id); err != nil {
		return out, &ValidationError{Command: TypeStopRecipe, Field: "process_id", Message: "not a valid identity"}
	}
	out.ProcessID = id
	if reason, ok := stringField(p, "reason"); ok {
		out.Reason = reason
	}
	return out, nil
}

// parseSetParameter accepts the three payload generations seen in command
// rows: an explicit bus address, a component parameter identity, or a bare
// name. A parameter_id that is not an identity is treated as a name.
func parseSetParameter(p map[string]any) (SetParameter, error) {
	var out SetParameter

	raw, ok := p["value"]
	if !ok {
		return out, &ValidationError{Command: TypeSetParameter, Field: "value", Message: "required"}
	}
	value, ok := numberField(raw)
	if !ok {
		return out, &ValidationError{Command: TypeSetParameter, Field: "value", Message: "must be numeric"}
	}
	out.Value = value

	if raw, ok := p["write_modbus_address"]; ok && raw != nil {
		n, ok := numberField(raw)
		if !ok || n < 0 || n > 65535 || n != float64(uint16(n)) {
			return out, &ValidationError{Command: TypeSetParameter, Field: "write_modbus_address", Message: "must be a register address"}
		}
		addr := uint16(n)
		out.WriteAddress = &addr
	}
	if dt, ok := stringField(p, "data_type"); ok && dt != "" {
		parsed, err := plc.ParseDataType(dt)
		if err != nil {
			return out, &ValidationError{Command: TypeSetParameter, Field: "data_type", Message: err.Error()}
		}
		out.DataType = parsed
	}

	for _, key := range []string{"component_parameter_id", "parameter_id"} {
		if id, ok := stringField(p, key); ok && id != "" {
			if _, err := uuid.Parse(id); err == nil {
				if out.ParameterID == "" {
					out.ParameterID = id
				}
			} else if out.Name == "" {
				out.Name = id
			}
		}
	}
	if name, ok := stringField(p, "parameter_name"); ok && name != "" {
		out.Name = name
	}

	if out.WriteAddress == nil && out.ParameterID == "" && out.Name == "" {
		return out, &ValidationError{Command: TypeSetParameter, Message: "no parameter reference in payload"}
	}
	return out, nil
}

func stringField(p map[string]any, key string) (string, bool) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

func numberField(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
