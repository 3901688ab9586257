package event

import (
	"github.com/google/uuid"

	fpmath "PerpEngine/internal/math"
)

// ParamUpdate changes market parameters. Governance only; nil fields are
// left as they are.
type ParamUpdate struct {
	Header
	Caller                 uuid.UUID       `json:"caller"`
	MaxLeverage            *fpmath.Wad     `json:"max_leverage,omitempty"`
	GasUnitsPerLiquidation *fpmath.Wad     `json:"gas_units_per_liquidation,omitempty"`
	DampingDivisor         *fpmath.Wad     `json:"damping_divisor,omitempty"`
	InsuranceSensitivity   *fpmath.Wad     `json:"insurance_sensitivity,omitempty"`
	FundingSensitivity     *fpmath.Wad     `json:"funding_sensitivity,omitempty"`
	MaxSlippage            *fpmath.Percent `json:"max_slippage,omitempty"`
	EscrowWindowSeconds    *int64          `json:"escrow_window_seconds,omitempty"`
}

func (*ParamUpdate) EventType() EventType { return EventTypeParamUpdate }
