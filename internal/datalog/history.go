package datalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Point is one sampled parameter value bound for the telemetry streams.
type Point struct {
	ParameterID string
	Value       float64
	SetPoint    *float64
	Timestamp   time.Time
}

// copyThreshold is the row count above which a batch switches from a
// multi-VALUES insert to COPY.
const copyThreshold = 5

const defaultBatchSize = 100

// History writes the two telemetry streams: parameter_value_history always,
// process_data_points only while a process is running. Batches are dropped
// on failure; the next cycle produces a fresh sample, so there is no
// retry backlog.
type History struct {
	pool  *pgxpool.Pool
	batch int
}

func NewHistory(pool *pgxpool.Pool, batch int) *History {
	if batch < 1 {
		batch = defaultBatchSize
	}
	return &History{pool: pool, batch: batch}
}

// InsertGlobal appends points to the global history stream. Returns the
// number of rows written.
func (h *History) InsertGlobal(ctx context.Context, points []Point) (int, error) {
	cols := []string{"parameter_id", "value", "set_point", "timestamp"}
	rows := make([][]any, len(points))
	for i, p := range points {
		rows[i] = []any{p.ParameterID, p.Value, p.SetPoint, p.Timestamp}
	}
	n, err := h.insert(ctx, "parameter_value_history", cols, rows)
	if err != nil {
		return n, fmt.Errorf("insert global history: %w", err)
	}
	return n, nil
}

// InsertProcess appends points, extended with the process id, to the
// per-process stream.
func (h *History) InsertProcess(ctx context.Context, processID string, points []Point) (int, error) {
	cols := []string{"process_id", "parameter_id", "value", "set_point", "timestamp"}
	rows := make([][]any, len(points))
	for i, p := range points {
		rows[i] = []any{processID, p.ParameterID, p.Value, p.SetPoint, p.Timestamp}
	}
	n, err := h.insert(ctx, "process_data_points", cols, rows)
	if err != nil {
		return n, fmt.Errorf("insert process history: %w", err)
	}
	return n, nil
}

func (h *History) insert(ctx context.Context, table string, cols []string, rows [][]any) (int, error) {
	written := 0
	for len(rows) > 0 {
		chunk := rows
		if len(chunk) > h.batch {
			chunk = rows[:h.batch]
		}
		rows = rows[len(chunk):]

		var err error
		if len(chunk) <= copyThreshold {
			err = h.insertExec(ctx, table, cols, chunk)
		} else {
			err = h.insertCopy(ctx, table, cols, chunk)
		}
		if err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

func (h *History) insertExec(ctx context.Context, table string, cols []string, rows [][]any) error {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(") VALUES ")

	vals := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(vals)+1)
			vals = append(vals, row[j])
		}
		sb.WriteByte(')')
	}

	if _, err := h.pool.Exec(ctx, sb.String(), vals...); err != nil {
		return fmt.Errorf("insert %d rows into %s: %w", len(rows), table, err)
	}
	return nil
}

func (h *History) insertCopy(ctx context.Context, table string, cols []string, rows [][]any) error {
	_, err := h.pool.CopyFrom(ctx, pgx.Identifier{table}, cols, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy %d rows into %s: %w", len(rows), table, err)
	}
	return nil
}
