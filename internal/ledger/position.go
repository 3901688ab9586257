package ledger

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	fpmath "PerpEngine/internal/math"
)

// Position is a trader's signed holdings in one market. Quote is collateral
// plus realised cash flows; Base is the contract size, positive for long.
type Position struct {
	Quote decimal.Decimal `json:"quote"`
	Base  decimal.Decimal `json:"base"`
}

// Account is a trader's state in one market.
type Account struct {
	ID                      uuid.UUID       `json:"id"`
	Position                Position        `json:"position"`
	LastSettledFundingIndex int64           `json:"last_settled_funding_index"`
	LastSeenGasPrice        decimal.Decimal `json:"last_seen_gas_price"`
	LeveragedNotionalValue  decimal.Decimal `json:"leveraged_notional_value"`
}

// RiskParams are the margin inputs the ledger reads from the market.
type RiskParams struct {
	MaxLeverage            decimal.Decimal
	GasUnitsPerLiquidation decimal.Decimal
}

// Margin is quote + base*fairPrice.
func Margin(a Account, fairPrice decimal.Decimal) decimal.Decimal {
	return fpmath.Quantize(a.Position.Quote.Add(a.Position.Base.Mul(fairPrice)), fpmath.RoundDown)
}

// Notional is |base|*fairPrice.
func Notional(a Account, fairPrice decimal.Decimal) decimal.Decimal {
	return fpmath.Quantize(a.Position.Base.Abs().Mul(fairPrice), fpmath.RoundDown)
}

// MinMargin is the gas reserve for a liquidation plus notional over max
// leverage. A flat account has no minimum.
func MinMargin(a Account, fairPrice decimal.Decimal, p RiskParams) decimal.Decimal {
	if a.Position.Base.IsZero() {
		return decimal.Zero
	}
	gasReserve := a.LastSeenGasPrice.Mul(p.GasUnitsPerLiquidation)
	leverageReserve := decimal.Zero
	if p.MaxLeverage.IsPositive() {
		leverageReserve = fpmath.Div(Notional(a, fairPrice), p.MaxLeverage)
	}
	return fpmath.Quantize(gasReserve.Add(leverageReserve), fpmath.RoundDown)
}

// LeveragedNotional is max(0, notional - margin): the part of a position
// funded by leverage rather than collateral.
func LeveragedNotional(a Account, fairPrice decimal.Decimal) decimal.Decimal {
	lnv := Notional(a, fairPrice).Sub(Margin(a, fairPrice))
	if lnv.IsNegative() {
		return decimal.Zero
	}
	return lnv
}

// MarginIsValid reports margin >= minMargin.
func MarginIsValid(a Account, fairPrice decimal.Decimal, p RiskParams) bool {
	return Margin(a, fairPrice).GreaterThanOrEqual(MinMargin(a, fairPrice, p))
}
