package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PerpEngine/internal/ledger"
	"PerpEngine/internal/pricing"
)

// MarketParams are the governance-controlled settings of a market.
type MarketParams struct {
	MarketID               string          `json:"market_id"`
	Governance             uuid.UUID       `json:"governance"`
	MaxLeverage            decimal.Decimal `json:"max_leverage"`
	GasUnitsPerLiquidation decimal.Decimal `json:"gas_units_per_liquidation"`
	DampingDivisor         decimal.Decimal `json:"damping_divisor"`
	InsuranceSensitivity   decimal.Decimal `json:"insurance_sensitivity"`
	FundingSensitivity     decimal.Decimal `json:"funding_sensitivity"`
	MaxSlippage            decimal.Decimal `json:"max_slippage"`
	EscrowWindow           time.Duration   `json:"escrow_window"`
}

var (
	DefaultMaxLeverage            = decimal.NewFromInt(12)
	DefaultGasUnitsPerLiquidation = decimal.NewFromInt(10)
	DefaultDampingDivisor         = decimal.NewFromInt(90)
	DefaultInsuranceSensitivity   = decimal.RequireFromString("0.000036523")
	DefaultFundingSensitivity     = decimal.NewFromInt(1).DivRound(decimal.NewFromInt(24), 18)
	DefaultMaxSlippage            = decimal.New(1, -2)
	DefaultEscrowWindow           = 15 * time.Minute
)

// DefaultMarketParams returns the launch settings for a market.
func DefaultMarketParams(marketID string, governance uuid.UUID) MarketParams {
	return MarketParams{
		MarketID:               marketID,
		Governance:             governance,
		MaxLeverage:            DefaultMaxLeverage,
		GasUnitsPerLiquidation: DefaultGasUnitsPerLiquidation,
		DampingDivisor:         DefaultDampingDivisor,
		InsuranceSensitivity:   DefaultInsuranceSensitivity,
		FundingSensitivity:     DefaultFundingSensitivity,
		MaxSlippage:            DefaultMaxSlippage,
		EscrowWindow:           DefaultEscrowWindow,
	}
}

func (p MarketParams) RiskParams() ledger.RiskParams {
	return ledger.RiskParams{
		MaxLeverage:            p.MaxLeverage,
		GasUnitsPerLiquidation: p.GasUnitsPerLiquidation,
	}
}

func (p MarketParams) PricingConfig() pricing.Config {
	return pricing.Config{
		DampingDivisor:     p.DampingDivisor,
		FundingSensitivity: p.FundingSensitivity,
	}
}

// ValidateMarketParams checks that market parameters are within valid
// ranges: leverage and damping positive, sensitivities and gas units
// non-negative, slippage in [0, 1) and a positive escrow window.
func ValidateMarketParams(p MarketParams) error {
	if p.MarketID == "" {
		return fmt.Errorf("market_id must be set")
	}
	if p.Governance == uuid.Nil {
		return fmt.Errorf("governance must be set")
	}
	if !p.MaxLeverage.IsPositive() {
		return fmt.Errorf("max_leverage must be > 0, got %s", p.MaxLeverage)
	}
	if p.GasUnitsPerLiquidation.IsNegative() {
		return fmt.Errorf("gas_units_per_liquidation must be >= 0, got %s", p.GasUnitsPerLiquidation)
	}
	if !p.DampingDivisor.IsPositive() {
		return fmt.Errorf("damping_divisor must be > 0, got %s", p.DampingDivisor)
	}
	if p.InsuranceSensitivity.IsNegative() {
		return fmt.Errorf("insurance_sensitivity must be >= 0, got %s", p.InsuranceSensitivity)
	}
	if p.FundingSensitivity.IsNegative() {
		return fmt.Errorf("funding_sensitivity must be >= 0, got %s", p.FundingSensitivity)
	}
	if p.MaxSlippage.IsNegative() || p.MaxSlippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("max_slippage must be in [0, 1), got %s", p.MaxSlippage)
	}
	if p.EscrowWindow <= 0 {
		return fmt.Errorf("escrow_window must be > 0, got %s", p.EscrowWindow)
	}
	return nil
}

// ParamChanges is a partial update. Nil fields keep their current value.
type ParamChanges struct {
	MaxLeverage            *decimal.Decimal
	GasUnitsPerLiquidation *decimal.Decimal
	DampingDivisor         *decimal.Decimal
	InsuranceSensitivity   *decimal.Decimal
	FundingSensitivity     *decimal.Decimal
	MaxSlippage            *decimal.Decimal
	EscrowWindow           *time.Duration
}

// Apply returns p with the changes applied.
func (c ParamChanges) Apply(p MarketParams) MarketParams {
	set := func(dst *decimal.Decimal, src *decimal.Decimal) {
		if src != nil {
			*dst = *src
		}
	}
	set(&p.MaxLeverage, c.MaxLeverage)
	set(&p.GasUnitsPerLiquidation, c.GasUnitsPerLiquidation)
	set(&p.DampingDivisor, c.DampingDivisor)
	set(&p.InsuranceSensitivity, c.InsuranceSensitivity)
	set(&p.FundingSensitivity, c.FundingSensitivity)
	set(&p.MaxSlippage, c.MaxSlippage)
	if c.EscrowWindow != nil {
		p.EscrowWindow = *c.EscrowWindow
	}
	return p
}
