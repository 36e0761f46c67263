package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned for command lookups that match no row.
var ErrNotFound = errors.New("command not found")

type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.With().Str("component", "command").Logger(),
	}
}

const commandColumns = `id, machine_id, type, parameters, status, error_message,
	executed_at, created_at, updated_at`

// Submit inserts a pending command for machineID and returns its id. The
// operator CLI goes through here; UIs write the same rows directly.
func (s *Store) Submit(ctx context.Context, machineID, cmdType string, payload map[string]any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode command payload: %w", err)
	}
	var id string
	err = s.pool.QueryRow(ctx, `
		INSERT INTO recipe_commands (machine_id, type, parameters)
		VALUES ($1, $2, $3)
		RETURNING id`, machineID, cmdType, raw).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("submit %s command: %w", cmdType, err)
	}
	return id, nil
}

// Claim attempts the pending to processing transition. Exactly one caller
// wins a given row; the rest see false and drop the command.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipe_commands
		SET status = 'processing', updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("claim command %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Get(ctx context.Context, id string) (Command, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM recipe_commands WHERE id = $1`, id)
	c, err := s.scanCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Command{}, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	return c, err
}

// Pending returns this machine's unclaimed commands, oldest first.
func (s *Store) Pending(ctx context.Context, machineID string) ([]Command, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+commandColumns+` FROM recipe_commands
		WHERE machine_id = $1 AND status = 'pending'
		ORDER BY created_at, id`, machineID)
	if err != nil {
		return nil, fmt.Errorf("pending commands: %w", err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		c, err := s.scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Complete finalizes a successful command and stamps executed_at.
func (s *Store) Complete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE recipe_commands
		SET status = 'completed', error_message = NULL, executed_at = now(), updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("complete command %s: %w", id, err)
	}
	return nil
}

// Fail finalizes a command with its failure message.
func (s *Store) Fail(ctx context.Context, id, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE recipe_commands
		SET status = 'error', error_message = $2, updated_at = now()
		WHERE id = $1`, id, message)
	if err != nil {
		return fmt.Errorf("fail command %s: %w", id, err)
	}
	return nil
}

// FailInterrupted errors out rows stuck in processing. Only one runtime
// serves a machine, so at boot any processing row belongs to a previous
// instance that died mid-command.
func (s *Store) FailInterrupted(ctx context.Context, machineID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipe_commands
		SET status = 'error', error_message = 'interrupted by controller restart', updated_at = now()
		WHERE machine_id = $1 AND status = 'processing'`, machineID)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted commands: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) scanCommand(row pgx.Row) (Command, error) {
	var (
		c   Command
		raw []byte
	)
	err := row.Scan(&c.ID, &c.MachineID, &c.Type, &raw, &c.Status,
		&c.ErrorMessage, &c.ExecutedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Command{}, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c.Parameters); err != nil {
			s.logger.Warn().Err(err).Str("command_id", c.ID).Msg("unparseable command payload")
			c.Parameters = nil
		}
	}
	return c, nil
}

// PendingControls returns this machine's unclaimed parameter control rows.
func (s *Store) PendingControls(ctx context.Context, machineID string) ([]ControlCommand, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, machine_id, parameter_id, parameter_name, write_modbus_address, data_type, target_value
		FROM parameter_control_commands
		WHERE machine_id = $1 AND status = 'pending'
		ORDER BY created_at, id`, machineID)
	if err != nil {
		return nil, fmt.Errorf("pending control commands: %w", err)
	}
	defer rows.Close()

	var out []ControlCommand
	for rows.Next() {
		var c ControlCommand
		err := rows.Scan(&c.ID, &c.MachineID, &c.ParameterID, &c.ParameterName,
			&c.WriteAddress, &c.DataType, &c.TargetValue)
		if err != nil {
			return nil, fmt.Errorf("scan control command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimControl is Claim for the parameter_control_commands table.
func (s *Store) ClaimControl(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE parameter_control_commands
		SET status = 'processing', updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("claim control command %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) CompleteControl(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE parameter_control_commands
		SET status = 'completed', error_message = NULL, executed_at = now(), updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("complete control command %s: %w", id, err)
	}
	return nil
}

func (s *Store) FailControl(ctx context.Context, id, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE parameter_control_commands
		SET status = 'error', error_message = $2, updated_at = now()
		WHERE id = $1`, id, message)
	if err != nil {
		return fmt.Errorf("fail control command %s: %w", id, err)
	}
	return nil
}
