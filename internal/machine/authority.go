package machine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ErrMachineBusy is returned when a processing claim is rejected because the
// machine is already bound to a process or in a non-startable status.
var ErrMachineBusy = errors.New("machine is busy")

const restartNote = "interrupted by controller restart"

// Authority serializes every write to machines and machine_state through the
// datastore's atomic transition functions. Claim checks happen inside the
// functions under a row lock, so two controllers racing for the same tool
// cannot both win.
type Authority struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewAuthority(pool *pgxpool.Pool, logger zerolog.Logger) *Authority {
	return &Authority{
		pool:   pool,
		logger: logger.With().Str("component", "machine").Logger(),
	}
}

// ToProcessing binds the machine to processID. Returns ErrMachineBusy when
// the machine is not startable.
func (a *Authority) ToProcessing(ctx context.Context, machineID, processID string) error {
	var ok bool
	err := a.pool.QueryRow(ctx,
		`SELECT atomic_processing_machine_state($1, $2)`, machineID, processID).Scan(&ok)
	if err != nil {
		return fmt.Errorf("transition machine %s to processing: %w", machineID, err)
	}
	if !ok {
		return fmt.Errorf("claim machine %s for process %s: %w", machineID, processID, ErrMachineBusy)
	}
	a.logger.Info().Str("machine_id", machineID).Str("process_id", processID).
		Msg("machine transitioned to processing")
	return nil
}

// ToIdle releases the machine back to idle and clears any failure flags.
func (a *Authority) ToIdle(ctx context.Context, machineID string) error {
	var ok bool
	err := a.pool.QueryRow(ctx,
		`SELECT atomic_complete_machine_state($1)`, machineID).Scan(&ok)
	if err != nil {
		return fmt.Errorf("transition machine %s to idle: %w", machineID, err)
	}
	if !ok {
		return fmt.Errorf("transition machine %s to idle: %w", machineID, ErrNotFound)
	}
	a.logger.Info().Str("machine_id", machineID).Msg("machine transitioned to idle")
	return nil
}

// ToError marks the machine failed with a description. The machine stays in
// error until an operator transitions it.
func (a *Authority) ToError(ctx context.Context, machineID, description string) error {
	var ok bool
	err := a.pool.QueryRow(ctx,
		`SELECT atomic_error_machine_state($1, $2)`, machineID, description).Scan(&ok)
	if err != nil {
		return fmt.Errorf("transition machine %s to error: %w", machineID, err)
	}
	if !ok {
		return fmt.Errorf("transition machine %s to error: %w", machineID, ErrNotFound)
	}
	a.logger.Warn().Str("machine_id", machineID).Str("description", description).
		Msg("machine transitioned to error")
	return nil
}

// ToOffline marks an idle machine offline on clean shutdown. Processing and
// error statuses are left alone: a run in flight is closed out by the
// executor before this is called, and error is operator-owned.
func (a *Authority) ToOffline(ctx context.Context, machineID string) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin offline transition: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE machines
		SET status = 'offline', current_process_id = NULL, updated_at = now()
		WHERE id = $1 AND status = 'idle'`, machineID)
	if err != nil {
		return fmt.Errorf("transition machine %s to offline: %w", machineID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO machine_state (machine_id, current_state, process_id, is_failure_mode, failure_description, state_since, updated_at)
		VALUES ($1, 'offline', NULL, FALSE, NULL, now(), now())
		ON CONFLICT (machine_id) DO UPDATE
		SET current_state = 'offline', process_id = NULL, is_failure_mode = FALSE,
		    failure_description = NULL, state_since = now(), updated_at = now()`, machineID)
	if err != nil {
		return fmt.Errorf("transition machine state %s to offline: %w", machineID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit offline transition: %w", err)
	}
	a.logger.Info().Str("machine_id", machineID).Msg("machine transitioned to offline")
	return nil
}

// Reconcile repairs stale status rows left behind by an unclean stop. Partial
// runs are never resumed: running executions are failed with a note, then the
// machine pair is forced back to a consistent startable state.
func (a *Authority) Reconcile(ctx context.Context, machineID string) error {
	orphans, err := a.failOrphanedRuns(ctx, machineID)
	if err != nil {
		return err
	}
	for _, id := range orphans {
		a.logger.Warn().Str("process_id", id).Msg("orphaned run marked failed")
	}

	store := NewStore(a.pool)
	m, err := store.Get(ctx, machineID)
	if err != nil {
		return err
	}

	st, err := store.GetState(ctx, machineID)
	if errors.Is(err, ErrNotFound) {
		// No sibling row yet. Seed the pair through the idle transition.
		a.logger.Warn().Str("machine_id", machineID).Msg("machine_state row missing, seeding")
		return a.ToIdle(ctx, machineID)
	}
	if err != nil {
		return err
	}

	disagree := m.Status != st.CurrentState || !samePointer(m.CurrentProcessID, st.ProcessID)
	switch {
	case disagree:
		a.logger.Warn().
			Str("machine_id", machineID).
			Str("status", m.Status).
			Str("state", st.CurrentState).
			Msg("machine rows disagree, forcing idle")
		return a.ToIdle(ctx, machineID)
	case m.Status == StatusProcessing:
		// All running executions were just failed, so a processing status has
		// nothing backing it.
		a.logger.Warn().Str("machine_id", machineID).Msg("machine stuck processing, forcing idle")
		return a.ToIdle(ctx, machineID)
	case m.Status == StatusOffline:
		a.logger.Info().Str("machine_id", machineID).Msg("machine online")
		return a.ToIdle(ctx, machineID)
	case m.Status == StatusError:
		a.logger.Warn().Str("machine_id", machineID).Msg("machine in error state, leaving for operator")
		return nil
	default:
		return nil
	}
}

// failOrphanedRuns closes out every running execution for the machine and
// marks their state rows as errored. Returns the failed process ids.
func (a *Authority) failOrphanedRuns(ctx context.Context, machineID string) ([]string, error) {
	rows, err := a.pool.Query(ctx, `
		UPDATE process_executions
		SET status = 'failed', error_message = $2, end_time = now(), updated_at = now()
		WHERE machine_id = $1 AND status = 'running'
		RETURNING id`, machineID, restartNote)
	if err != nil {
		return nil, fmt.Errorf("fail orphaned runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan orphaned run: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fail orphaned runs: %w", err)
	}

	if len(ids) > 0 {
		_, err = a.pool.Exec(ctx, `
			UPDATE process_execution_state
			SET current_step_type = 'error', current_step_name = $2, last_updated = now()
			WHERE execution_id = ANY($1)`, ids, restartNote)
		if err != nil {
			return nil, fmt.Errorf("mark orphaned state rows: %w", err)
		}
	}
	return ids, nil
}

func samePointer(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
