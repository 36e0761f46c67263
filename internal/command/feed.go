package command

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"
)

// Notification is one decoded change on a command table. Only the columns
// the intake filters on are carried; the claim re-reads the row anyway.
type Notification struct {
	Table     string
	ID        string
	MachineID string
	Status    string
}

// Feed streams command-table changes off the WAL through a temporary
// logical-replication slot, so intake reacts to new commands without
// polling latency. Losing the feed is never fatal: notifications it drops
// or misses are picked up by the intake's polling sweep.
type Feed struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger

	slot        string
	publication string
	startLSN    pglogrepl.LSN
	relations   map[uint32]feedRelation

	mu            sync.Mutex
	serverWALEnd  pglogrepl.LSN
	lastStatus    time.Time
	lastEvent     time.Time
	loopErr       error

	cancel context.CancelFunc
	done   chan struct{}
}

type feedRelation struct {
	name    string
	columns []string
}

// NewFeed wraps a replication-mode connection. The slot is created
// temporary so it vanishes with the connection; nothing accumulates WAL
// while the runtime is down.
func NewFeed(conn *pgconn.PgConn, slot, publication string, logger zerolog.Logger) *Feed {
	return &Feed{
		conn:        conn,
		logger:      logger.With().Str("component", "feed").Logger(),
		slot:        strings.ReplaceAll(slot, "-", "_"),
		publication: publication,
		relations:   make(map[uint32]feedRelation),
		done:        make(chan struct{}),
	}
}

// Start creates the slot, begins streaming, and returns the notification
// channel. The channel closes when the receive loop exits; Err reports why.
func (f *Feed) Start(ctx context.Context) (<-chan Notification, error) {
	sql := fmt.Sprintf(`CREATE_REPLICATION_SLOT %s TEMPORARY LOGICAL pgoutput (SNAPSHOT 'nothing')`, f.slot)
	result, err := pglogrepl.ParseCreateReplicationSlot(f.conn.Exec(ctx, sql))
	if err != nil {
		return nil, fmt.Errorf("create replication slot: %w", err)
	}
	f.startLSN, err = pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return nil, fmt.Errorf("parse consistent point LSN: %w", err)
	}
	f.logger.Info().
		Str("slot", f.slot).
		Str("publication", f.publication).
		Stringer("lsn", f.startLSN).
		Msg("created command feed slot")

	err = pglogrepl.StartReplication(ctx, f.conn, f.slot, f.startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '1'",
				fmt.Sprintf("publication_names '%s'", f.publication),
			},
		})
	if err != nil {
		return nil, fmt.Errorf("start replication: %w", err)
	}

	f.serverWALEnd = f.startLSN
	f.lastStatus = time.Now()
	f.lastEvent = time.Now()

	ch := make(chan Notification, 256)
	ctx, f.cancel = context.WithCancel(ctx)
	go f.receiveLoop(ctx, ch)

	return ch, nil
}

func (f *Feed) receiveLoop(ctx context.Context, ch chan<- Notification) {
	defer close(ch)
	defer close(f.done)

	standbyInterval := 1 * time.Second
	recvTimeout := 2 * time.Second

	setErr := func(err error) {
		f.mu.Lock()
		f.loopErr = err
		f.mu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(f.lastStatus) >= standbyInterval {
			if err := f.sendStandbyStatus(ctx); err != nil {
				f.logger.Err(err).Msg("failed to send standby status")
			}
		}

		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(recvTimeout))
		rawMsg, err := f.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if pgconn.Timeout(err) {
				continue
			}
			f.logger.Err(err).Msg("receive message failed")
			setErr(fmt.Errorf("receive message: %w", err))
			return
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			f.logger.Error().
				Str("severity", errResp.Severity).
				Str("code", errResp.Code).
				Str("message", errResp.Message).
				Msg("server error from replication stream")
			setErr(fmt.Errorf("server error: %s: %s (SQLSTATE %s)", errResp.Severity, errResp.Message, errResp.Code))
			return
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				f.logger.Err(err).Msg("parse keepalive")
				continue
			}
			f.mu.Lock()
			if pglogrepl.LSN(pkm.ServerWALEnd) > f.serverWALEnd {
				f.serverWALEnd = pglogrepl.LSN(pkm.ServerWALEnd)
			}
			f.mu.Unlock()
			if pkm.ReplyRequested {
				if err := f.sendStandbyStatus(ctx); err != nil {
					f.logger.Err(err).Msg("keepalive reply failed")
				}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				f.logger.Err(err).Msg("parse xlogdata")
				continue
			}
			f.mu.Lock()
			if pglogrepl.LSN(xld.ServerWALEnd) > f.serverWALEnd {
				f.serverWALEnd = pglogrepl.LSN(xld.ServerWALEnd)
			}
			f.mu.Unlock()
			f.decodeWALData(ch, xld)
		}
	}
}

func (f *Feed) decodeWALData(ch chan<- Notification, xld pglogrepl.XLogData) {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		f.logger.Err(err).Msg("parse WAL data")
		return
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		cols := make([]string, len(msg.Columns))
		for i, c := range msg.Columns {
			cols[i] = c.Name
		}
		f.relations[msg.RelationID] = feedRelation{name: msg.RelationName, columns: cols}

	case *pglogrepl.InsertMessage:
		f.emitTuple(ch, msg.RelationID, msg.Tuple)

	case *pglogrepl.UpdateMessage:
		f.emitTuple(ch, msg.RelationID, msg.NewTuple)
	}
}

// emitTuple maps a decoded tuple onto a Notification. The channel never
// blocks the receive loop: when it is full the notification is dropped and
// the polling sweep picks the row up instead.
func (f *Feed) emitTuple(ch chan<- Notification, relationID uint32, tuple *pglogrepl.TupleData) {
	rel, ok := f.relations[relationID]
	if !ok {
		f.logger.Warn().Uint32("relation_id", relationID).Msg("change for unknown relation")
		return
	}
	if tuple == nil {
		return
	}

	values := make(map[string]string, len(tuple.Columns))
	for i, c := range tuple.Columns {
		if i < len(rel.columns) && c.DataType == 't' {
			values[rel.columns[i]] = string(c.Data)
		}
	}
	n := Notification{
		Table:     rel.name,
		ID:        values["id"],
		MachineID: values["machine_id"],
		Status:    values["status"],
	}
	if n.ID == "" {
		return
	}

	f.mu.Lock()
	f.lastEvent = time.Now()
	f.mu.Unlock()

	select {
	case ch <- n:
	default:
		f.logger.Warn().Str("command_id", n.ID).Msg("feed channel full, dropping notification")
	}
}

// sendStandbyStatus acks the latest received WAL position. Commands are
// claimed idempotently and swept by the poller, so the feed never holds
// WAL back waiting on processing.
func (f *Feed) sendStandbyStatus(ctx context.Context) error {
	f.mu.Lock()
	lsn := f.serverWALEnd
	f.mu.Unlock()
	f.lastStatus = time.Now()
	return pglogrepl.SendStandbyStatusUpdate(ctx, f.conn,
		pglogrepl.StandbyStatusUpdate{
			WALWritePosition: lsn,
			WALFlushPosition: lsn,
			WALApplyPosition: lsn,
		})
}

// LastEvent reports when the feed last decoded a command change.
func (f *Feed) LastEvent() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastEvent
}

// Err returns the error that ended the receive loop, if any. Safe to call
// after the notification channel closes.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loopErr
}

// Close shuts the feed down and waits for the receive loop to exit.
func (f *Feed) Close() {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
}
