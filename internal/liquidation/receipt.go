package liquidation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	fpmath "PerpEngine/internal/math"
)

// ReceiptState tracks which party has claimed against a receipt's escrow.
type ReceiptState int32

const (
	ReceiptStateOpen ReceiptState = iota
	ReceiptStateLiquidatorClaimed
	ReceiptStateLiquidateeClaimed
)

func (s ReceiptState) String() string {
	switch s {
	case ReceiptStateOpen:
		return "Open"
	case ReceiptStateLiquidatorClaimed:
		return "LiquidatorClaimed"
	case ReceiptStateLiquidateeClaimed:
		return "LiquidateeClaimed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (s ReceiptState) CanTransitionTo(next ReceiptState) bool {
	validTransitions := map[ReceiptState][]ReceiptState{
		ReceiptStateOpen: {
			ReceiptStateLiquidatorClaimed,
			ReceiptStateLiquidateeClaimed,
		},
		ReceiptStateLiquidatorClaimed: {
			ReceiptStateLiquidateeClaimed, // remaining escrow after release
		},
	}

	for _, valid := range validTransitions[s] {
		if valid == next {
			return true
		}
	}
	return false
}

// Receipt records one liquidation and the escrow held back from it. After
// creation only UnitsSold, the refunds and State change.
type Receipt struct {
	ID                   uuid.UUID       `json:"id"`
	Liquidator           uuid.UUID       `json:"liquidator"`
	Liquidatee           uuid.UUID       `json:"liquidatee"`
	Price                decimal.Decimal `json:"price"`
	Units                decimal.Decimal `json:"units"`
	LiquidatedLong       bool            `json:"liquidated_long"`
	EscrowedAmount       decimal.Decimal `json:"escrowed_amount"`
	EscrowRemaining      decimal.Decimal `json:"escrow_remaining"`
	LiquidationTimestamp time.Time       `json:"liquidation_timestamp"`
	ReleaseTimestamp     time.Time       `json:"release_timestamp"`
	UnitsSold            decimal.Decimal `json:"units_sold"`
	State                ReceiptState    `json:"state"`
	LiquidatorRefund     decimal.Decimal `json:"liquidator_refund"`
	LiquidateeRefund     decimal.Decimal `json:"liquidatee_refund"`
	PoolDrawn            decimal.Decimal `json:"pool_drawn"`
	Shortfall            decimal.Decimal `json:"shortfall"`
	ClaimedFills         []uuid.UUID     `json:"claimed_fills,omitempty"`
}

// Notional is units at the liquidation price.
func (r *Receipt) Notional() decimal.Decimal {
	return fpmath.Quantize(r.Units.Mul(r.Price), fpmath.RoundDown)
}

// ============================================================================
// Escrow arithmetic
// ============================================================================

// EscrowAmount is max(0, 2*margin - minMargin), the part of the liquidated
// margin held back from the liquidator.
func EscrowAmount(margin, minMargin decimal.Decimal) decimal.Decimal {
	e := margin.Add(margin).Sub(minMargin)
	if e.IsNegative() {
		return decimal.Zero
	}
	return e
}

// SlippageLoss is what the liquidator lost unwinding units at avgPrice
// instead of the liquidation price. Gains count as zero.
func SlippageLoss(liquidatedLong bool, liquidationPrice, avgPrice, units decimal.Decimal) decimal.Decimal {
	diff := liquidationPrice.Sub(avgPrice)
	if !liquidatedLong {
		diff = diff.Neg()
	}
	loss := fpmath.Quantize(diff.Mul(units), fpmath.RoundDown)
	if loss.IsNegative() {
		return decimal.Zero
	}
	return loss
}

// Refund is min(loss, escrow, maxSlippage*notional).
func Refund(loss, escrow, maxSlippage, notional decimal.Decimal) decimal.Decimal {
	limit := fpmath.Quantize(maxSlippage.Mul(notional), fpmath.RoundDown)
	return decimal.Min(loss, escrow, limit)
}
