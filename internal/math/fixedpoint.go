package math

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines the wire precision of one kind of quantity.
type DecimalConfig struct {
	DecimalPrecision int32 // Number of decimal places carried on the wire
}

var (
	// Standard configs
	WadConfig     = DecimalConfig{DecimalPrecision: 18} // collateral, position and pool token amounts
	PriceConfig   = DecimalConfig{DecimalPrecision: 8}  // oracle and trade prices
	PercentConfig = DecimalConfig{DecimalPrecision: 4}  // percentages, 1% = 10_000
)

// WadPlaces is the number of decimal places kept by every stored amount.
const WadPlaces = 18

// RoundingMode selects how a value is cut down to WadPlaces.
type RoundingMode int

const (
	RoundDown RoundingMode = iota // toward zero
	RoundFloor
	RoundHalfEven
)

// Quantize reduces d to WadPlaces decimals.
func Quantize(d decimal.Decimal, mode RoundingMode) decimal.Decimal {
	switch mode {
	case RoundFloor:
		return d.RoundFloor(WadPlaces)
	case RoundHalfEven:
		return d.RoundBank(WadPlaces)
	default:
		return d.Truncate(WadPlaces)
	}
}

// MulDiv returns a*b/c truncated to WadPlaces. c must be non-zero.
func MulDiv(a, b, c decimal.Decimal) decimal.Decimal {
	q, _ := a.Mul(b).QuoRem(c, WadPlaces)
	return q
}

// Div returns a/b truncated to WadPlaces.
func Div(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, WadPlaces)
	return q
}

// FromScaled converts an integer at the given precision into a decimal.
func FromScaled(v *big.Int, cfg DecimalConfig) decimal.Decimal {
	return decimal.NewFromBigInt(v, -cfg.DecimalPrecision)
}

// ToScaled converts a decimal into an integer at the given precision,
// truncating anything finer.
func ToScaled(d decimal.Decimal, cfg DecimalConfig) *big.Int {
	return d.Shift(cfg.DecimalPrecision).Truncate(0).BigInt()
}

// FromWad converts an 18-decimal integer into a decimal amount.
func FromWad(v *big.Int) decimal.Decimal { return FromScaled(v, WadConfig) }

// ToWad converts a decimal amount into an 18-decimal integer.
func ToWad(d decimal.Decimal) *big.Int { return ToScaled(d, WadConfig) }

// OneUnit is the smallest representable collateral amount (1 wei).
var OneUnit = decimal.New(1, -WadPlaces)

// ============================================================================
// Wire types
// ============================================================================

// Wad is a collateral or position amount. JSON carries it as an integer
// string scaled by 1e18.
type Wad struct{ decimal.Decimal }

// Price is an oracle or trade price. JSON carries it as an integer string
// scaled by 1e8.
type Price struct{ decimal.Decimal }

// Percent holds a fraction (0.01 for 1%). JSON carries it as the percentage
// scaled by 1e4, so 1% is "10000".
type Percent struct{ decimal.Decimal }

func NewWad(d decimal.Decimal) Wad         { return Wad{d} }
func NewPrice(d decimal.Decimal) Price     { return Price{d} }
func NewPercent(d decimal.Decimal) Percent { return Percent{d} }

// percentShift moves a fraction to the scaled-percentage integer: x100 for
// percent, x1e4 for the wire precision.
const percentShift = 2

func (w Wad) MarshalJSON() ([]byte, error) { return marshalScaled(w.Decimal, WadConfig.DecimalPrecision) }
func (w *Wad) UnmarshalJSON(b []byte) error {
	d, err := unmarshalScaled(b, WadConfig.DecimalPrecision)
	if err != nil {
		return fmt.Errorf("wad: %w", err)
	}
	w.Decimal = d
	return nil
}

func (p Price) MarshalJSON() ([]byte, error) {
	return marshalScaled(p.Decimal, PriceConfig.DecimalPrecision)
}
func (p *Price) UnmarshalJSON(b []byte) error {
	d, err := unmarshalScaled(b, PriceConfig.DecimalPrecision)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	p.Decimal = d
	return nil
}

func (p Percent) MarshalJSON() ([]byte, error) {
	return marshalScaled(p.Decimal, PercentConfig.DecimalPrecision+percentShift)
}
func (p *Percent) UnmarshalJSON(b []byte) error {
	d, err := unmarshalScaled(b, PercentConfig.DecimalPrecision+percentShift)
	if err != nil {
		return fmt.Errorf("percent: %w", err)
	}
	p.Decimal = d
	return nil
}

func marshalScaled(d decimal.Decimal, places int32) ([]byte, error) {
	return json.Marshal(d.Shift(places).Truncate(0).String())
}

// unmarshalScaled accepts either a quoted integer string or a bare JSON
// integer. Fractional input is rejected since it would be finer than the
// wire precision.
func unmarshalScaled(b []byte, places int32) (decimal.Decimal, error) {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return decimal.Zero, nil
	}
	s := string(b)
	if len(b) >= 2 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return decimal.Zero, err
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid scaled integer %q", s)
	}
	return decimal.NewFromBigInt(v, -places), nil
}
