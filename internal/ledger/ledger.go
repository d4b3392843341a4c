// Package ledger persists coordinator events to PostgreSQL so every
// decision can be audited after the session is gone.
package ledger

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/page-agent/internal/interrupt"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so tests can use pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schema = `
        CREATE TABLE IF NOT EXISTS call_events (
            id TEXT PRIMARY KEY,
            event_type TEXT NOT NULL,
            session_id TEXT NOT NULL,
            call_id TEXT NOT NULL,
            tool TEXT NOT NULL,
            status TEXT NOT NULL,
            decision_kind TEXT NOT NULL DEFAULT '',
            decision_message TEXT NOT NULL DEFAULT '',
            source TEXT NOT NULL DEFAULT '',
            anomaly TEXT NOT NULL DEFAULT '',
            attempted_kind TEXT NOT NULL DEFAULT '',
            attempted_message TEXT NOT NULL DEFAULT '',
            inputs JSONB NOT NULL DEFAULT '{}',
            occurred_at TIMESTAMPTZ NOT NULL
        );
        CREATE INDEX IF NOT EXISTS call_events_call_id_idx ON call_events (call_id, occurred_at);
    `

var columns = []string{
	"id", "event_type", "session_id", "call_id", "tool", "status",
	"decision_kind", "decision_message", "source", "anomaly",
	"attempted_kind", "attempted_message", "inputs", "occurred_at",
}

const (
	defaultBatchSize     = 64
	defaultFlushInterval = 500 * time.Millisecond
)

// Entry is one persisted event.
type Entry struct {
	ID               string             `json:"id"`
	Type             string             `json:"type"`
	SessionID        string             `json:"session_id"`
	CallID           string             `json:"call_id"`
	Tool             string             `json:"tool"`
	Status           string             `json:"status"`
	DecisionKind     string             `json:"decision_kind,omitempty"`
	DecisionMessage  string             `json:"decision_message,omitempty"`
	Source           string             `json:"source,omitempty"`
	Anomaly          string             `json:"anomaly,omitempty"`
	AttemptedKind    string             `json:"attempted_kind,omitempty"`
	AttemptedMessage string             `json:"attempted_message,omitempty"`
	Inputs           stdjson.RawMessage `json:"inputs"`
	OccurredAt       time.Time          `json:"occurred_at"`
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithBatchSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.flushInterval = d
		}
	}
}

// Ledger writes call events to the call_events table.
type Ledger struct {
	pool          DBPool
	log           *zap.Logger
	batchSize     int
	flushInterval time.Duration
}

// New creates a ledger and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	l := &Ledger{
		pool:          pool,
		log:           logger.Named("ledger"),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// EnsureSchema creates the call_events table if it does not exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}

// Flush writes events in one transaction.
func (l *Ledger) Flush(ctx context.Context, events []interrupt.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(events))
	for i, ev := range events {
		row, err := toRow(ev)
		if err != nil {
			return err
		}
		rows[i] = row
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			l.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	copied, err := tx.CopyFrom(ctx, pgx.Identifier{"call_events"}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy call events: %w", err)
	}
	if int(copied) != len(events) {
		return fmt.Errorf("mismatch in copied call events count: expected %d, got %d", len(events), copied)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toRow(ev interrupt.Event) ([]interface{}, error) {
	inputs := []byte("{}")
	if len(ev.Call.Inputs) > 0 {
		b, err := json.Marshal(ev.Call.Inputs)
		if err != nil {
			return nil, fmt.Errorf("failed to encode inputs of call %s: %w", ev.Call.ID, err)
		}
		inputs = b
	}

	var kind, message, attemptedKind, attemptedMessage string
	if d := ev.Call.Decision; d != nil {
		kind, message = string(d.Kind), d.Payload
	}
	if a := ev.Attempted; a != nil {
		attemptedKind, attemptedMessage = string(a.Kind), a.Payload
	}

	return []interface{}{
		ev.ID, string(ev.Type), ev.SessionID, ev.Call.ID, ev.Call.Name, string(ev.Call.Status),
		kind, message, string(ev.Call.Source), ev.Anomaly,
		attemptedKind, attemptedMessage, inputs, ev.Timestamp.UTC(),
	}, nil
}

// Run persists events until the channel closes or ctx ends, batching by
// size and interval. Write failures are logged and the batch is dropped.
func (l *Ledger) Run(ctx context.Context, events <-chan interrupt.Event) error {
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	pending := make([]interrupt.Event, 0, l.batchSize)
	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := l.Flush(ctx, pending); err != nil {
			l.log.Error("Failed to persist call events.", zap.Int("count", len(pending)), zap.Error(err))
		}
		pending = pending[:0]
	}
	final := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		flush(ctx)
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				final()
				return nil
			}
			pending = append(pending, ev)
			if len(pending) >= l.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			final()
			return nil
		}
	}
}

// History returns the events of one call, oldest first.
func (l *Ledger) History(ctx context.Context, callID string) ([]Entry, error) {
	query := `
        SELECT id, event_type, session_id, call_id, tool, status, decision_kind, decision_message,
               source, anomaly, attempted_kind, attempted_message, inputs, occurred_at
        FROM call_events
        WHERE call_id = $1
        ORDER BY occurred_at ASC;
    `
	rows, err := l.pool.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to query call events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var inputs []byte
		if err := rows.Scan(
			&e.ID, &e.Type, &e.SessionID, &e.CallID, &e.Tool, &e.Status,
			&e.DecisionKind, &e.DecisionMessage, &e.Source, &e.Anomaly,
			&e.AttemptedKind, &e.AttemptedMessage, &inputs, &e.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call event row: %w", err)
		}
		e.Inputs = inputs
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}
