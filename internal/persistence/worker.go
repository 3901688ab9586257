package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpEngine/internal/core"
	"PerpEngine/internal/event"
	"PerpEngine/internal/observability"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on that channel with a blocking send, so if this worker
// falls behind the core stalls and no event is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger

	// OnFlushed, when set, is told the highest sequence written per market
	// after every successful flush.
	OnFlushed func(market string, sequence int64)

	// Published, when set, receives the effects of every committed batch.
	// Sends never block; effects that do not fit are counted and dropped.
	Published chan<- event.Effect
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       &EventLogWriter{},
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log.With().Str("component", "persistence").Logger(),
	}
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, pw.batchSize)
	journalBatch := make([]JournalRow, 0, pw.batchSize*4)
	var effects []event.Effect

	add := func(output core.CoreOutput) {
		ev, js := RowsFromOutput(output)
		eventBatch = append(eventBatch, ev)
		journalBatch = append(journalBatch, js...)
		effects = append(effects, output.Effects...)
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(eventBatch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, eventBatch, journalBatch); err != nil {
			pw.log.Error().Err(err).Int("events", len(eventBatch)).Msg("batch flush failed after retries")
		} else {
			pw.publish(effects)
		}
		eventBatch = eventBatch[:0]
		journalBatch = journalBatch[:0]
		effects = effects[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: take what is already queued, then flush.
		drain:
			for {
				select {
				case output, ok := <-pw.inputChan:
					if !ok {
						break drain
					}
					add(output)
				default:
					break drain
				}
			}
			flush(context.Background())
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}
			add(output)
			if pw.metrics != nil {
				pw.metrics.ChannelSize.WithLabelValues("persist").Set(float64(len(pw.inputChan)))
			}

			if len(eventBatch) >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one final attempt is made.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(events)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), events, journals); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.log.Error().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	tips := make(map[string]int64)
	for _, e := range events {
		if e.Sequence > tips[e.MarketID] {
			tips[e.MarketID] = e.Sequence
		}
	}
	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		for m, seq := range tips {
			pw.metrics.PersistLastSequence.WithLabelValues(m).Set(float64(seq))
		}
	}
	if pw.OnFlushed != nil {
		for m, seq := range tips {
			pw.OnFlushed(m, seq)
		}
	}
	return nil
}

func (pw *PersistenceWorker) publish(effects []event.Effect) {
	if pw.Published == nil {
		return
	}
	for _, e := range effects {
		select {
		case pw.Published <- e:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
