package params

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned for lookups that match no parameter row.
var ErrNotFound = errors.New("parameter not found")

// Source is the row access the cache and writer need. Satisfied by Store;
// tests substitute in-memory fakes.
type Source interface {
	List(ctx context.Context) ([]Parameter, error)
	Get(ctx context.Context, id string) (Parameter, error)
	ByName(ctx context.Context, name string) ([]Parameter, error)
	ByWriteAddress(ctx context.Context, addr uint16) (*Parameter, error)
	UpdateSetValue(ctx context.Context, id string, value float64) (Parameter, error)
	UpdateCurrentValues(ctx context.Context, values map[string]float64) error
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const parameterColumns = `id, component_id, name, unit, data_type, min_value, max_value,
	current_value, set_value, read_modbus_address, write_modbus_address, updated_at`

func (s *Store) List(ctx context.Context) ([]Parameter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+parameterColumns+` FROM component_parameters ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list parameters: %w", err)
	}
	defer rows.Close()

	var out []Parameter
	for rows.Next() {
		p, err := scanParameter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (Parameter, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+parameterColumns+` FROM component_parameters WHERE id = $1`, id)
	p, err := scanParameter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Parameter{}, fmt.Errorf("parameter %s: %w", id, ErrNotFound)
	}
	return p, err
}

// ByName returns every parameter with the given name, ordered (name, id) so
// the first match is stable when names collide across components.
func (s *Store) ByName(ctx context.Context, name string) ([]Parameter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+parameterColumns+` FROM component_parameters WHERE name = $1 ORDER BY name, id`, name)
	if err != nil {
		return nil, fmt.Errorf("parameters by name %s: %w", name, err)
	}
	defer rows.Close()

	var out []Parameter
	for rows.Next() {
		p, err := scanParameter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ByWriteAddress returns the parameter mapped to the given write address, or
// nil when no row claims it.
func (s *Store) ByWriteAddress(ctx context.Context, addr uint16) (*Parameter, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+parameterColumns+` FROM component_parameters
		 WHERE write_modbus_address = $1 ORDER BY name, id LIMIT 1`, int32(addr))
	p, err := scanParameter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateSetValue persists a new setpoint and returns the post-update row.
func (s *Store) UpdateSetValue(ctx context.Context, id string, value float64) (Parameter, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE component_parameters
		SET set_value = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+parameterColumns, id, value)
	p, err := scanParameter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Parameter{}, fmt.Errorf("parameter %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Parameter{}, fmt.Errorf("update set value %s: %w", id, err)
	}
	return p, nil
}

// UpdateCurrentValues refreshes current_value for many parameters in one
// statement.
func (s *Store) UpdateCurrentValues(ctx context.Context, values map[string]float64) error {
	if len(values) == 0 {
		return nil
	}

	var b strings.Builder
	args := make([]any, 0, len(values)*2)
	i := 0
	for id, v := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "($%d::uuid, $%d::float8)", i*2+1, i*2+2)
		args = append(args, id, v)
		i++
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE component_parameters AS p
		SET current_value = v.value, updated_at = now()
		FROM (VALUES `+b.String()+`) AS v(id, value)
		WHERE p.id = v.id`, args...)
	if err != nil {
		return fmt.Errorf("update current values: %w", err)
	}
	return nil
}

func scanParameter(row pgx.Row) (Parameter, error) {
	var (
		p        Parameter
		dataType string
		readAddr *int32
		writAddr *int32
	)
	err := row.Scan(
		&p.ID, &p.ComponentID, &p.Name, &p.Unit, &dataType,
		&p.MinValue, &p.MaxValue, &p.CurrentValue, &p.SetValue,
		&readAddr, &writAddr, &p.UpdatedAt,
	)
	if err != nil {
		return Parameter{}, fmt.Errorf("scan parameter: %w", err)
	}
	p.DataType = NormalizeDataType(dataType)
	p.ReadAddress = busAddr(readAddr)
	p.WriteAddress = busAddr(writAddr)
	return p, nil
}

// busAddr converts a nullable integer column into a bus address. Values
// outside the 16-bit range count as unmapped.
func busAddr(v *int32) *uint16 {
	if v == nil || *v < 0 || *v > 65535 {
		return nil
	}
	a := uint16(*v)
	return &a
}
