package event

import (
	"fmt"

	fpmath "PerpEngine/internal/math"
)

// OracleUpdate publishes a new oracle price and gas price for a market.
// Idempotency key: "{market}:oracle:{sequence}".
type OracleUpdate struct {
	Header
	Price         fpmath.Price `json:"price"`
	GasPrice      fpmath.Wad   `json:"gas_price"` // quote per gas unit
	PriceSequence int64        `json:"price_sequence"`
}

func (o *OracleUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:oracle:%d", o.Market, o.PriceSequence)
}

func (*OracleUpdate) EventType() EventType   { return EventTypeOracleUpdate }
func (o *OracleUpdate) SourceSequence() int64 { return o.PriceSequence }
