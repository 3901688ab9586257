package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"PerpEngine/internal/core"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events and journals to Postgres using multi-row
// INSERTs. Writes are idempotent on the primary keys so a retried batch is
// harmless.
type EventLogWriter struct{}

// EventRow represents a row in event_log.events
type EventRow struct {
	MarketID       string
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Payload        []byte // JSON-encoded event, stored as JSONB
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	MarketID      string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        string // NUMERIC, exact decimal text
	JournalType   string
	Timestamp     int64
}

// RowsFromOutput flattens one core output into table rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow) {
	env := out.Envelope
	ev := EventRow{
		MarketID:       env.MarketID,
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
	if out.Batch == nil {
		return ev, nil
	}
	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			MarketID:      env.MarketID,
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Amount:        j.Amount.String(),
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return ev, journals
}

func placeholders(row, width int) string {
	var b strings.Builder
	b.WriteByte('(')
	for c := 1; c <= width; c++ {
		if c > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", row*width+c)
	}
	b.WriteByte(')')
	return b.String()
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, db execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const width = 9
	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*width)
	for i, e := range events {
		values = append(values, placeholders(i, width))
		args = append(args,
			e.MarketID, e.Sequence, e.EventType, e.IdempotencyKey,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query := `INSERT INTO event_log.events
		(market_id, sequence, event_type, idempotency_key, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES ` + strings.Join(values, ", ") +
		` ON CONFLICT (market_id, sequence) DO NOTHING`

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, db execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const width = 10
	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*width)
	for i, j := range journals {
		values = append(values, placeholders(i, width))
		args = append(args,
			j.JournalID, j.BatchID, j.MarketID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType, j.Timestamp,
		)
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, market_id, event_ref, sequence, debit_account, credit_account, amount, journal_type, timestamp)
		VALUES ` + strings.Join(values, ", ") +
		` ON CONFLICT (journal_id) DO NOTHING`

	_, err := db.ExecContext(ctx, query, args...)
	return err
}
