package projection

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"PerpEngine/internal/event"
	fpmath "PerpEngine/internal/math"
)

func applyReceipts(ctx context.Context, tx *sql.Tx, effects []event.Effect) error {
	for _, e := range effects {
		var err error
		switch data := e.Data.(type) {
		case event.LiquidationRecorded:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO projections.receipts
					(receipt_id, market_id, liquidator, liquidatee, units, price, escrowed,
					 pool_drawn, shortfall, releases_at, created_at, last_sequence)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (receipt_id) DO NOTHING
			`, data.ReceiptID, e.Market, data.Liquidator, data.Liquidatee,
				data.Units.String(), data.Price.String(), data.Escrowed.String(),
				data.PoolDrawn.String(), data.Shortfall.String(),
				data.ReleasesAt, e.Timestamp, e.Sequence)
		case event.ReceiptClaimed:
			_, err = tx.ExecContext(ctx, `
				UPDATE projections.receipts
				SET refund = $2, claimed_at = $3, last_sequence = $4
				WHERE receipt_id = $1
			`, data.ReceiptID, data.Refund.String(), e.Timestamp, e.Sequence)
		case event.EscrowClaimed:
			_, err = tx.ExecContext(ctx, `
				UPDATE projections.receipts
				SET escrow_returned = $2, escrow_claimed_at = $3, last_sequence = $4
				WHERE receipt_id = $1
			`, data.ReceiptID, data.Amount.String(), e.Timestamp, e.Sequence)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// poolRow is one pool_events row. Nil fields are stored as NULL.
type poolRow struct {
	user                     *uuid.UUID
	tokens, amount, holdings *string
}

func wadPtr(w fpmath.Wad) *string {
	s := w.String()
	return &s
}

func poolRowOf(e event.Effect) (poolRow, bool) {
	switch data := e.Data.(type) {
	case event.PoolTokens:
		return poolRow{user: &data.User, tokens: wadPtr(data.Tokens), amount: wadPtr(data.Amount), holdings: wadPtr(data.Holdings)}, true
	case event.PoolHoldings:
		return poolRow{amount: wadPtr(data.Amount), holdings: wadPtr(data.Holdings)}, true
	case event.PoolTransferred:
		return poolRow{user: &data.From, tokens: wadPtr(data.Tokens)}, true
	case event.AccountAmount:
		if e.Type == event.EffectPoolRewarded || e.Type == event.EffectPoolRewardsClaimed {
			return poolRow{user: &data.User, amount: wadPtr(data.Amount)}, true
		}
	}
	return poolRow{}, false
}

func applyPool(ctx context.Context, tx *sql.Tx, effects []event.Effect) error {
	for i, e := range effects {
		row, ok := poolRowOf(e)
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.pool_events
				(market_id, sequence, position, kind, user_id, tokens, amount, holdings, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (market_id, sequence, position) DO NOTHING
		`, e.Market, e.Sequence, i, string(e.Type), row.user, row.tokens, row.amount, row.holdings, e.Timestamp); err != nil {
			return err
		}
	}
	return nil
}
