package recipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("recipe not found")

type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.With().Str("component", "recipe").Logger(),
	}
}

// Load reads the recipe, its steps, sibling configs, and parameter defaults,
// and compiles them. Sibling-table configs win; inline step parameters are
// the fallback for legacy rows.
func (s *Store) Load(ctx context.Context, recipeID string) (*Compiled, error) {
	r, err := s.loadRecipe(ctx, recipeID)
	if err != nil {
		return nil, err
	}
	steps, err := s.loadSteps(ctx, recipeID)
	if err != nil {
		return nil, err
	}
	if err := s.loadConfigs(ctx, steps); err != nil {
		return nil, err
	}
	params, err := s.loadParameters(ctx, recipeID)
	if err != nil {
		return nil, err
	}
	return Compile(r, steps, params)
}

func (s *Store) loadRecipe(ctx context.Context, id string) (Recipe, error) {
	var r Recipe
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, version, description, chamber_temperature_set_point, pressure_set_point
		FROM recipes
		WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Version, &r.Description, &r.ChamberTemperatureSetPoint, &r.PressureSetPoint)
	if errors.Is(err, pgx.ErrNoRows) {
		return Recipe{}, fmt.Errorf("recipe %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Recipe{}, fmt.Errorf("load recipe %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) loadSteps(ctx context.Context, recipeID string) ([]Step, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, recipe_id, parent_step_id, sequence_number, name, type, parameters
		FROM recipe_steps
		WHERE recipe_id = $1
		ORDER BY sequence_number, id`, recipeID)
	if err != nil {
		return nil, fmt.Errorf("load steps for recipe %s: %w", recipeID, err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var typ string
		var raw []byte
		if err := rows.Scan(&st.ID, &st.RecipeID, &st.ParentID, &st.Sequence, &st.Name, &typ, &raw); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Type = NormalizeStepType(typ)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &st.Raw); err != nil {
				s.logger.Warn().Err(err).Str("step_id", st.ID).Msg("unparseable inline step parameters")
			}
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load steps for recipe %s: %w", recipeID, err)
	}
	return steps, nil
}

// loadConfigs resolves each step's configuration in place.
func (s *Store) loadConfigs(ctx context.Context, steps []Step) error {
	idsByType := map[StepType][]string{}
	for _, st := range steps {
		idsByType[st.Type] = append(idsByType[st.Type], st.ID)
	}

	valves, err := s.valveConfigs(ctx, idsByType[StepValve])
	if err != nil {
		return err
	}
	purges, err := s.purgeConfigs(ctx, idsByType[StepPurge])
	if err != nil {
		return err
	}
	loops, err := s.loopConfigs(ctx, idsByType[StepLoop])
	if err != nil {
		return err
	}

	for i := range steps {
		st := &steps[i]
		switch st.Type {
		case StepValve:
			if cfg, ok := valves[st.ID]; ok {
				st.Valve = &cfg
			} else {
				st.Valve = inlineValve(st.Raw)
			}
		case StepPurge:
			if cfg, ok := purges[st.ID]; ok {
				st.Purge = &cfg
			} else {
				st.Purge = inlinePurge(st.Raw)
			}
		case StepLoop:
			if cfg, ok := loops[st.ID]; ok {
				st.Loop = &cfg
			} else {
				st.Loop = inlineLoop(st.Raw)
			}
		case StepSetParameter:
			st.Param = inlineParam(st.Raw)
		}
	}
	return nil
}

func (s *Store) valveConfigs(ctx context.Context, ids []string) (map[string]ValveConfig, error) {
	out := map[string]ValveConfig{}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT step_id, valve_number, duration_ms
		FROM valve_step_config
		WHERE step_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("load valve configs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var number, durMS int
		if err := rows.Scan(&id, &number, &durMS); err != nil {
			return nil, fmt.Errorf("scan valve config: %w", err)
		}
		out[id] = ValveConfig{Number: number, Duration: time.Duration(durMS) * time.Millisecond}
	}
	return out, rows.Err()
}

func (s *Store) purgeConfigs(ctx context.Context, ids []string) (map[string]PurgeConfig, error) {
	out := map[string]PurgeConfig{}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT step_id, duration_ms, gas_type, flow_rate
		FROM purge_step_config
		WHERE step_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("load purge configs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var durMS *int
		var gas *string
		var flow *float64
		if err := rows.Scan(&id, &durMS, &gas, &flow); err != nil {
			return nil, fmt.Errorf("scan purge config: %w", err)
		}
		cfg := PurgeConfig{}
		if durMS != nil {
			cfg.Duration = time.Duration(*durMS) * time.Millisecond
		}
		if gas != nil {
			cfg.GasType = *gas
		}
		if flow != nil {
			cfg.FlowRate = *flow
		}
		out[id] = cfg
	}
	return out, rows.Err()
}

func (s *Store) loopConfigs(ctx context.Context, ids []string) (map[string]LoopConfig, error) {
	out := map[string]LoopConfig{}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT step_id, iteration_count
		FROM loop_step_config
		WHERE step_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("load loop configs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("scan loop config: %w", err)
		}
		out[id] = LoopConfig{Iterations: count}
	}
	return out, rows.Err()
}

func (s *Store) loadParameters(ctx context.Context, recipeID string) ([]Parameter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, parameter_name, parameter_value, min_value, max_value, unit
		FROM recipe_parameters
		WHERE recipe_id = $1
		ORDER BY parameter_name`, recipeID)
	if err != nil {
		return nil, fmt.Errorf("load recipe parameters: %w", err)
	}
	defer rows.Close()

	var params []Parameter
	for rows.Next() {
		var p Parameter
		if err := rows.Scan(&p.ID, &p.Name, &p.Value, &p.Min, &p.Max, &p.Unit); err != nil {
			return nil, fmt.Errorf("scan recipe parameter: %w", err)
		}
		params = append(params, p)
	}
	return params, rows.Err()
}

func inlineValve(raw map[string]any) *ValveConfig {
	number, okN := intFrom(raw["valve_number"])
	durMS, okD := intFrom(raw["duration_ms"])
	if !okN && !okD {
		return nil
	}
	return &ValveConfig{Number: number, Duration: time.Duration(durMS) * time.Millisecond}
}

func inlinePurge(raw map[string]any) *PurgeConfig {
	durMS, okD := intFrom(raw["duration_ms"])
	gas, _ := stringFrom(raw["gas_type"])
	flow, _ := floatFrom(raw["flow_rate"])
	if !okD && gas == "" && flow == 0 {
		return nil
	}
	return &PurgeConfig{Duration: time.Duration(durMS) * time.Millisecond, GasType: gas, FlowRate: flow}
}

func inlineLoop(raw map[string]any) *LoopConfig {
	count, ok := intFrom(raw["iteration_count"])
	if !ok {
		return nil
	}
	return &LoopConfig{Iterations: count}
}

func inlineParam(raw map[string]any) *ParamConfig {
	id, okID := stringFrom(raw["parameter_id"])
	value, okV := floatFrom(raw["value"])
	if !okID || !okV {
		return nil
	}
	return &ParamConfig{ParameterID: id, Value: value}
}
