package event

import (
	"github.com/google/uuid"

	fpmath "PerpEngine/internal/math"
)

// Liquidate takes over part of an under-margined position. The header ID
// becomes the receipt ID.
type Liquidate struct {
	Header
	Liquidator uuid.UUID  `json:"liquidator"`
	Liquidatee uuid.UUID  `json:"liquidatee"`
	Amount     fpmath.Wad `json:"amount"`
}

func (*Liquidate) EventType() EventType { return EventTypeLiquidate }

// ClaimReceipt is a liquidator's slippage claim backed by the fills that
// unwound the position.
type ClaimReceipt struct {
	Header
	ReceiptID uuid.UUID   `json:"receipt_id"`
	Claimant  uuid.UUID   `json:"claimant"`
	FillIDs   []uuid.UUID `json:"fill_ids"`
}

func (*ClaimReceipt) EventType() EventType { return EventTypeClaimReceipt }

// ClaimEscrow returns released escrow to the liquidatee.
type ClaimEscrow struct {
	Header
	ReceiptID uuid.UUID `json:"receipt_id"`
	Claimant  uuid.UUID `json:"claimant"`
}

func (*ClaimEscrow) EventType() EventType { return EventTypeClaimEscrow }
