// Package machine owns the tool's status rows. The Authority is the only
// component that writes machines and machine_state; everything else reads.
package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	StatusOffline    = "offline"
	StatusIdle       = "idle"
	StatusProcessing = "processing"
	StatusError      = "error"
)

var ErrNotFound = errors.New("machine not found")

// Machine mirrors one machines row.
type Machine struct {
	ID                string
	Name              string
	SerialNumber      *string
	Status            string
	CurrentProcessID  *string
	CurrentOperatorID *string
	UpdatedAt         time.Time
}

// State mirrors the machine_state sibling row.
type State struct {
	MachineID          string
	CurrentState       string
	ProcessID          *string
	IsFailureMode      bool
	FailureDescription *string
	StateSince         time.Time
	UpdatedAt          time.Time
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Get(ctx context.Context, id string) (Machine, error) {
	var m Machine
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, serial_number, status, current_process_id, current_operator_id, updated_at
		FROM machines
		WHERE id = $1`, id).
		Scan(&m.ID, &m.Name, &m.SerialNumber, &m.Status, &m.CurrentProcessID, &m.CurrentOperatorID, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Machine{}, fmt.Errorf("machine %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Machine{}, fmt.Errorf("load machine %s: %w", id, err)
	}
	return m, nil
}

func (s *Store) GetState(ctx context.Context, machineID string) (State, error) {
	var st State
	err := s.pool.QueryRow(ctx, `
		SELECT machine_id, current_state, process_id, is_failure_mode, failure_description, state_since, updated_at
		FROM machine_state
		WHERE machine_id = $1`, machineID).
		Scan(&st.MachineID, &st.CurrentState, &st.ProcessID, &st.IsFailureMode,
			&st.FailureDescription, &st.StateSince, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return State{}, fmt.Errorf("machine state %s: %w", machineID, ErrNotFound)
	}
	if err != nil {
		return State{}, fmt.Errorf("load machine state %s: %w", machineID, err)
	}
	return st, nil
}

// Status returns the fields the continuous logger polls every tick.
func (s *Store) Status(ctx context.Context, id string) (string, *string, error) {
	var status string
	var processID *string
	err := s.pool.QueryRow(ctx,
		`SELECT status, current_process_id FROM machines WHERE id = $1`, id).
		Scan(&status, &processID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, fmt.Errorf("machine %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("load machine status %s: %w", id, err)
	}
	return status, processID, nil
}

// Operator returns the operator currently bound to the machine, if any.
func (s *Store) Operator(ctx context.Context, id string) (*string, error) {
	var operatorID *string
	err := s.pool.QueryRow(ctx,
		`SELECT current_operator_id FROM machines WHERE id = $1`, id).
		Scan(&operatorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("machine %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load machine operator %s: %w", id, err)
	}
	return operatorID, nil
}
