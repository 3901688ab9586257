// Package projection maintains read-model tables from core outputs. The
// projection channel drops under load, so every table here can be rebuilt
// from the event log.
package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpEngine/internal/core"
	"PerpEngine/internal/event"
	"PerpEngine/internal/ledger"
	"PerpEngine/internal/observability"
)

// ProjectionWorker applies core outputs to the projections schema. Each
// output is applied in one transaction together with the market watermark,
// so a redelivered output at or below the watermark is skipped.
type ProjectionWorker struct {
	db      *sql.DB
	in      <-chan core.CoreOutput
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, in <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:      db,
		in:      in,
		metrics: metrics,
		log:     log.With().Str("component", "projection").Logger(),
	}
}

// Run consumes outputs until ctx is done or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-pw.in:
			if !ok {
				return nil
			}
			if err := Apply(ctx, pw.db, out, pw.metrics); err != nil {
				// Projections are eventually consistent; a rebuild repairs gaps.
				pw.log.Warn().Err(err).
					Str("market", out.Envelope.MarketID).
					Int64("sequence", out.Envelope.Sequence).
					Msg("projection update failed")
			}
		}
	}
}

// Apply writes one output to every projection table.
func Apply(ctx context.Context, db *sql.DB, out core.CoreOutput, metrics *observability.Metrics) error {
	env := out.Envelope
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var last int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE market_id = $1 FOR UPDATE`, env.MarketID,
	).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read watermark: %w", err)
	}
	if env.Sequence <= last {
		return nil
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"balances", func() error { return applyBalances(ctx, tx, env.MarketID, out.Batch) }},
		{"funding", func() error { return applyFunding(ctx, tx, out.Effects) }},
		{"receipts", func() error { return applyReceipts(ctx, tx, out.Effects) }},
		{"pool", func() error { return applyPool(ctx, tx, out.Effects) }},
	}
	for _, s := range steps {
		start := time.Now()
		if err := s.fn(); err != nil {
			return fmt.Errorf("%s projection: %w", s.name, err)
		}
		if metrics != nil {
			metrics.ProjectionUpdateDur.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (market_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (market_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, env.MarketID, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return tx.Commit()
}

// applyBalances mirrors the ledger: debits add, credits subtract.
func applyBalances(ctx context.Context, tx *sql.Tx, market string, batch *ledger.Batch) error {
	if batch == nil {
		return nil
	}
	const upsert = `
		INSERT INTO projections.balances (market_id, account_path, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (market_id, account_path)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4`
	for _, j := range batch.Journals {
		amount := j.Amount.String()
		if _, err := tx.ExecContext(ctx, upsert, market, j.DebitAccount.AccountPath(), amount, j.Sequence); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, upsert, market, j.CreditAccount.AccountPath(), j.Amount.Neg().String(), j.Sequence); err != nil {
			return err
		}
	}
	return nil
}

func effectData[T any](e event.Effect) (T, bool) {
	v, ok := e.Data.(T)
	return v, ok
}
