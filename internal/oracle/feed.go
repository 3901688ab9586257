// Package oracle holds the external price and gas inputs of a market.
package oracle

import (
	"time"

	"github.com/shopspring/decimal"

	"PerpEngine/internal/apperr"
)

// PriceDecimals is the precision oracle prices are published with.
const PriceDecimals int32 = 8

// PriceOracle reports the reference price of the underlying.
type PriceOracle interface {
	Price() decimal.Decimal
	Decimals() int32
}

// GasOracle reports what one unit of liquidation gas costs in quote.
type GasOracle interface {
	GasPriceInQuoteUnits() decimal.Decimal
}

// Feed is the last oracle update seen by a market. It satisfies both
// PriceOracle and GasOracle and only changes through Update.
type Feed struct {
	price     decimal.Decimal
	gasPrice  decimal.Decimal
	sequence  int64
	updatedAt time.Time
}

func NewFeed() *Feed {
	return &Feed{price: decimal.Zero, gasPrice: decimal.Zero}
}

func (f *Feed) Price() decimal.Decimal                { return f.price }
func (f *Feed) Decimals() int32                       { return PriceDecimals }
func (f *Feed) GasPriceInQuoteUnits() decimal.Decimal { return f.gasPrice }
func (f *Feed) Sequence() int64                       { return f.sequence }
func (f *Feed) UpdatedAt() time.Time                  { return f.updatedAt }

// Ready reports whether a price has been published.
func (f *Feed) Ready() bool { return f.price.IsPositive() }

// Update replaces the feed values. Prices are truncated to PriceDecimals.
func (f *Feed) Update(price, gasPrice decimal.Decimal, sequence int64, ts time.Time) error {
	if !price.IsPositive() {
		return apperr.New(apperr.KindInvalidArgument, "oracleUpdate", "price must be positive, got %s", price)
	}
	if gasPrice.IsNegative() {
		return apperr.New(apperr.KindInvalidArgument, "oracleUpdate", "gas price must not be negative, got %s", gasPrice)
	}
	f.price = price.Truncate(PriceDecimals)
	f.gasPrice = gasPrice
	f.sequence = sequence
	f.updatedAt = ts
	return nil
}

// Snapshot is the serialisable feed state.
type Snapshot struct {
	Price     decimal.Decimal `json:"price"`
	GasPrice  decimal.Decimal `json:"gas_price"`
	Sequence  int64           `json:"sequence"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (f *Feed) Snapshot() Snapshot {
	return Snapshot{Price: f.price, GasPrice: f.gasPrice, Sequence: f.sequence, UpdatedAt: f.updatedAt}
}

func (f *Feed) Restore(s Snapshot) {
	f.price, f.gasPrice, f.sequence, f.updatedAt = s.Price, s.GasPrice, s.Sequence, s.UpdatedAt
}
