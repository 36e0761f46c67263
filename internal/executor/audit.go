package executor

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// AuditRecord is one valve actuation for the valve_operation_audit
// table.
type AuditRecord struct {
	ProcessID   string
	StepID      string
	ValveNumber int
	DurationMS  int
}

// AuditQueue decouples valve pulses from their audit rows. Records are
// queued without blocking the recipe walk and written by a background
// drainer. When the queue is full the oldest record is dropped so the
// newest actuation is always captured.
type AuditQueue struct {
	ch     chan AuditRecord
	insert func(ctx context.Context, rec AuditRecord) error
	logger zerolog.Logger
}

// NewAuditQueue builds a queue writing to pool with room for capacity
// pending records. Capacity values below one fall back to 64.
func NewAuditQueue(pool *pgxpool.Pool, capacity int, logger zerolog.Logger) *AuditQueue {
	if capacity < 1 {
		capacity = 64
	}
	q := &AuditQueue{
		ch:     make(chan AuditRecord, capacity),
		logger: logger.With().Str("component", "valve_audit").Logger(),
	}
	q.insert = func(ctx context.Context, rec AuditRecord) error {
		_, err := pool.Exec(ctx,
			`INSERT INTO valve_operation_audit (process_id, step_id, valve_number, duration_ms)
			 VALUES ($1, $2, $3, $4)`,
			nullable(rec.ProcessID), nullable(rec.StepID), rec.ValveNumber, rec.DurationMS)
		return err
	}
	return q
}

// Start launches the drain goroutine. It exits when ctx is cancelled;
// records still queued at that point are discarded.
func (q *AuditQueue) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case rec := <-q.ch:
				if err := q.insert(ctx, rec); err != nil {
					q.logger.Debug().Err(err).
						Int("valve", rec.ValveNumber).
						Msg("audit insert failed")
				}
			}
		}
	}()
}

// Record enqueues rec without blocking. A full queue sheds its oldest
// entry to make room.
func (q *AuditQueue) Record(rec AuditRecord) {
	select {
	case q.ch <- rec:
		return
	default:
	}
	select {
	case <-q.ch:
		auditDropped.Inc()
		q.logger.Warn().Msg("audit queue full, dropping oldest record")
	default:
	}
	select {
	case q.ch <- rec:
	default:
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
