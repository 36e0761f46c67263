package execution

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

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// Step-type markers written to process_execution_state. The first four match
// the recipe step types; the rest mark phases of the run itself.
const (
	StateValve        = "valve"
	StatePurge        = "purge"
	StateLoop         = "loop"
	StateSetParameter = "set_parameter"
	StateSetup        = "setup"
	StateCompleted    = "completed"
	StateError        = "error"
)

// maxStateMessage bounds the step name stored on the state row; the full
// error text stays on the process row.
const maxStateMessage = 100

var ErrNotFound = errors.New("process execution not found")

// Progress is the JSON progress blob on the state row.
type Progress struct {
	TotalSteps      int `json:"total_steps"`
	CompletedSteps  int `json:"completed_steps"`
	TotalCycles     int `json:"total_cycles"`
	CompletedCycles int `json:"completed_cycles"`
}

// Execution mirrors one process_executions row.
type Execution struct {
	ID            string
	MachineID     string
	RecipeID      string
	RecipeVersion []byte
	SessionID     *string
	OperatorID    *string
	Parameters    map[string]float64
	Status        string
	StartTime     time.Time
	EndTime       *time.Time
	ErrorMessage  *string
}

// StateRow mirrors the process_execution_state sibling.
type StateRow struct {
	ExecutionID           string
	CurrentStepIndex      int
	CurrentOverallStep    int
	TotalOverallSteps     int
	CurrentStepType       *string
	CurrentStepName       *string
	CurrentValveNumber    *int
	CurrentValveDuration  *int
	CurrentPurgeDuration  *int
	CurrentLoopCount      *int
	CurrentLoopIteration  *int
	CurrentParameterID    *string
	CurrentParameterValue *float64
	Progress              Progress
	LastUpdated           time.Time
}

type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.With().Str("component", "execution").Logger(),
	}
}

// Create inserts the execution row and its state sibling with the compiled
// totals. Some deployments auto-create the state row from a trigger, so the
// sibling insert upserts.
func (s *Store) Create(ctx context.Context, e Execution, totals Progress) error {
	params, err := json.Marshal(e.Parameters)
	if err != nil {
		return fmt.Errorf("marshal execution parameters: %w", err)
	}
	progress, err := json.Marshal(totals)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create execution: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO process_executions
			(id, machine_id, recipe_id, recipe_version, session_id, operator_id, parameters, status, start_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'running', now())`,
		e.ID, e.MachineID, e.RecipeID, e.RecipeVersion, e.SessionID, e.OperatorID, params)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", e.ID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO process_execution_state (execution_id, total_overall_steps, progress)
		VALUES ($1, $2, $3)
		ON CONFLICT (execution_id) DO UPDATE
		SET total_overall_steps = EXCLUDED.total_overall_steps,
		    progress = EXCLUDED.progress,
		    last_updated = now()`,
		e.ID, totals.TotalSteps, progress)
	if err != nil {
		return fmt.Errorf("insert execution state %s: %w", e.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create execution: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, pid string) (Execution, error) {
	var e Execution
	var params []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, machine_id, recipe_id, recipe_version, session_id, operator_id,
		       parameters, status, start_time, end_time, error_message
		FROM process_executions
		WHERE id = $1`, pid).
		Scan(&e.ID, &e.MachineID, &e.RecipeID, &e.RecipeVersion, &e.SessionID, &e.OperatorID,
			&params, &e.Status, &e.StartTime, &e.EndTime, &e.ErrorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return Execution{}, fmt.Errorf("execution %s: %w", pid, ErrNotFound)
	}
	if err != nil {
		return Execution{}, fmt.Errorf("load execution %s: %w", pid, err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &e.Parameters); err != nil {
			s.logger.Warn().Err(err).Str("process_id", pid).Msg("unparseable execution parameters")
		}
	}
	return e, nil
}

func (s *Store) GetState(ctx context.Context, pid string) (StateRow, error) {
	var st StateRow
	var progress []byte
	err := s.pool.QueryRow(ctx, `
		SELECT execution_id, current_step_index, current_overall_step, total_overall_steps,
		       current_step_type, current_step_name,
		       current_valve_number, current_valve_duration_ms, current_purge_duration_ms,
		       current_loop_count, current_loop_iteration,
		       current_parameter_id, current_parameter_value,
		       progress, last_updated
		FROM process_execution_state
		WHERE execution_id = $1`, pid).
		Scan(&st.ExecutionID, &st.CurrentStepIndex, &st.CurrentOverallStep, &st.TotalOverallSteps,
			&st.CurrentStepType, &st.CurrentStepName,
			&st.CurrentValveNumber, &st.CurrentValveDuration, &st.CurrentPurgeDuration,
			&st.CurrentLoopCount, &st.CurrentLoopIteration,
			&st.CurrentParameterID, &st.CurrentParameterValue,
			&progress, &st.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return StateRow{}, fmt.Errorf("execution state %s: %w", pid, ErrNotFound)
	}
	if err != nil {
		return StateRow{}, fmt.Errorf("load execution state %s: %w", pid, err)
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &st.Progress); err != nil {
			s.logger.Warn().Err(err).Str("process_id", pid).Msg("unparseable progress")
		}
	}
	return st, nil
}

// Touch keeps updated_at live while the walk is between steps.
func (s *Store) Touch(ctx context.Context, pid string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE process_executions SET updated_at = now() WHERE id = $1`, pid)
	if err != nil {
		return fmt.Errorf("touch execution %s: %w", pid, err)
	}
	return nil
}

// Finish writes the terminal status. The full error message lands here; the
// state row gets the truncated form via SetTerminal.
func (s *Store) Finish(ctx context.Context, pid, status string, errMsg *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE process_executions
		SET status = $2, error_message = $3, end_time = now(), updated_at = now()
		WHERE id = $1`, pid, status, errMsg)
	if err != nil {
		return fmt.Errorf("finish execution %s: %w", pid, err)
	}
	return nil
}

// SetStepPointer publishes the executor's "entering step" marker.
func (s *Store) SetStepPointer(ctx context.Context, pid string, index, overall int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE process_execution_state
		SET current_step_index = $2, current_overall_step = $3, last_updated = now()
		WHERE execution_id = $1`, pid, index, overall)
	if err != nil {
		return fmt.Errorf("set step pointer for %s: %w", pid, err)
	}
	return nil
}

// setStepState writes one type-discriminated preamble, clearing the fields
// of the other types so observers never see a stale mix.
func (s *Store) setStepState(ctx context.Context, pid, stepType, stepName string,
	valveNumber, valveMS, purgeMS, loopCount, loopIteration *int,
	parameterID *string, parameterValue *float64) error {

	_, err := s.pool.Exec(ctx, `
		UPDATE process_execution_state
		SET current_step_type = $2,
		    current_step_name = $3,
		    current_valve_number = $4,
		    current_valve_duration_ms = $5,
		    current_purge_duration_ms = $6,
		    current_loop_count = $7,
		    current_loop_iteration = $8,
		    current_parameter_id = $9,
		    current_parameter_value = $10,
		    last_updated = now()
		WHERE execution_id = $1`,
		pid, stepType, truncate(stepName, maxStateMessage),
		valveNumber, valveMS, purgeMS, loopCount, loopIteration, parameterID, parameterValue)
	if err != nil {
		return fmt.Errorf("set %s state for %s: %w", stepType, pid, err)
	}
	return nil
}

func (s *Store) SetValveState(ctx context.Context, pid, name string, number, durationMS int) error {
	return s.setStepState(ctx, pid, StateValve, name, &number, &durationMS, nil, nil, nil, nil, nil)
}

func (s *Store) SetPurgeState(ctx context.Context, pid, name string, durationMS int) error {
	return s.setStepState(ctx, pid, StatePurge, name, nil, nil, &durationMS, nil, nil, nil, nil)
}

func (s *Store) SetLoopState(ctx context.Context, pid, name string, count int) error {
	return s.setStepState(ctx, pid, StateLoop, name, nil, nil, nil, &count, nil, nil, nil)
}

// SetLoopIteration bumps only the iteration counter between passes.
func (s *Store) SetLoopIteration(ctx context.Context, pid string, iteration int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE process_execution_state
		SET current_loop_iteration = $2, last_updated = now()
		WHERE execution_id = $1`, pid, iteration)
	if err != nil {
		return fmt.Errorf("set loop iteration for %s: %w", pid, err)
	}
	return nil
}

func (s *Store) SetParameterState(ctx context.Context, pid, name, parameterID string, value float64) error {
	return s.setStepState(ctx, pid, StateSetParameter, name, nil, nil, nil, nil, nil, &parameterID, &value)
}

func (s *Store) SetSetupState(ctx context.Context, pid, name string) error {
	return s.setStepState(ctx, pid, StateSetup, name, nil, nil, nil, nil, nil, nil, nil)
}

// SetTerminal marks the state row completed or errored.
func (s *Store) SetTerminal(ctx context.Context, pid, stepType, name string) error {
	return s.setStepState(ctx, pid, stepType, name, nil, nil, nil, nil, nil, nil, nil)
}

// IncrementSteps advances progress.completed_steps by one. The executor is
// the single writer of this row, so the read-modify-write inside the UPDATE
// is safe.
func (s *Store) IncrementSteps(ctx context.Context, pid string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE process_execution_state
		SET progress = jsonb_set(progress, '{completed_steps}',
			to_jsonb(COALESCE((progress->>'completed_steps')::int, 0) + 1)),
		    last_updated = now()
		WHERE execution_id = $1`, pid)
	if err != nil {
		return fmt.Errorf("increment steps for %s: %w", pid, err)
	}
	return nil
}

// IncrementCycles advances progress.completed_cycles by one.
func (s *Store) IncrementCycles(ctx context.Context, pid string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE process_execution_state
		SET progress = jsonb_set(progress, '{completed_cycles}',
			to_jsonb(COALESCE((progress->>'completed_cycles')::int, 0) + 1)),
		    last_updated = now()
		WHERE execution_id = $1`, pid)
	if err != nil {
		return fmt.Errorf("increment cycles for %s: %w", pid, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
