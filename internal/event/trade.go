package event

import (
	"github.com/google/uuid"

	fpmath "PerpEngine/internal/math"
)

// TradeFill is a matched trade from the matching engine. The header ID is
// the fill ID and doubles as the idempotency key.
type TradeFill struct {
	Header
	Long         uuid.UUID    `json:"long"`
	Short        uuid.UUID    `json:"short"`
	Amount       fpmath.Wad   `json:"amount"`
	Price        fpmath.Price `json:"price"`
	FillSequence int64        `json:"fill_sequence"` // Source sequence from matching engine
}

func (*TradeFill) EventType() EventType   { return EventTypeTradeFill }
func (t *TradeFill) SourceSequence() int64 { return t.FillSequence }

// FillRejected records a sequenced fill the margin engine refused. It
// consumes the fill's source sequence in the log and changes no balances,
// so replay sees the same gapless fill stream the live core saw. Only the
// core creates it.
type FillRejected struct {
	Header
	FillID       uuid.UUID `json:"fill_id"`
	FillSequence int64     `json:"fill_sequence"`
	Reason       string    `json:"reason"`
}

func (*FillRejected) EventType() EventType   { return EventTypeFillRejected }
func (r *FillRejected) SourceSequence() int64 { return r.FillSequence }
