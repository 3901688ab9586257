package event

import (
	"time"

	"github.com/google/uuid"

	fpmath "PerpEngine/internal/math"
)

// EffectType names an outbound domain event.
type EffectType string

const (
	EffectDeposited            EffectType = "Deposited"
	EffectWithdrawn            EffectType = "Withdrawn"
	EffectFundingSettled       EffectType = "FundingSettled"
	EffectFundingIndexAppended EffectType = "FundingIndexAppended"
	EffectTradeApplied         EffectType = "TradeApplied"
	EffectOracleUpdated        EffectType = "OracleUpdated"
	EffectLiquidationRecorded  EffectType = "LiquidationRecorded"
	EffectReceiptClaimed       EffectType = "ReceiptClaimed"
	EffectEscrowClaimed        EffectType = "EscrowClaimed"
	EffectPoolDeployed         EffectType = "PoolDeployed"
	EffectPoolStaked           EffectType = "PoolStaked"
	EffectPoolWithdrawn        EffectType = "PoolWithdrawn"
	EffectPoolRewarded         EffectType = "PoolRewarded"
	EffectPoolRewardsClaimed   EffectType = "PoolRewardsClaimed"
	EffectPoolTransferred      EffectType = "PoolTransferred"
	EffectPoolReconciled       EffectType = "PoolReconciled"
	EffectPoolDrained          EffectType = "PoolDrained"
	EffectParamsUpdated        EffectType = "ParamsUpdated"
)

// Effect is something a command caused that subscribers care about. The
// core stamps Sequence before publishing.
type Effect struct {
	Type      EffectType `json:"type"`
	Market    string     `json:"market"`
	Sequence  int64      `json:"sequence"`
	Timestamp time.Time  `json:"timestamp"`
	Data      any        `json:"data"`
}

type AccountAmount struct {
	User   uuid.UUID  `json:"user"`
	Amount fpmath.Wad `json:"amount"`
}

type FundingSettled struct {
	User          uuid.UUID  `json:"user"`
	FromIndex     int64      `json:"from_index"`
	ToIndex       int64      `json:"to_index"`
	FundingPaid   fpmath.Wad `json:"funding_paid"`
	InsurancePaid fpmath.Wad `json:"insurance_paid"`
}

type FundingIndexAppended struct {
	Index                          int64        `json:"index"`
	Hour                           int64        `json:"hour"`
	FairPrice                      fpmath.Price `json:"fair_price"`
	AvgTracerPrice                 fpmath.Price `json:"avg_tracer_price"`
	AvgOraclePrice                 fpmath.Price `json:"avg_oracle_price"`
	FundingRate                    fpmath.Wad   `json:"funding_rate"`
	InsuranceRate                  fpmath.Wad   `json:"insurance_rate"`
	CumulativeFundingRate          fpmath.Wad   `json:"cumulative_funding_rate"`
	CumulativeInsuranceFundingRate fpmath.Wad   `json:"cumulative_insurance_funding_rate"`
}

type TradeApplied struct {
	FillID uuid.UUID    `json:"fill_id"`
	Long   uuid.UUID    `json:"long"`
	Short  uuid.UUID    `json:"short"`
	Amount fpmath.Wad   `json:"amount"`
	Price  fpmath.Price `json:"price"`
}

type OracleUpdated struct {
	Price    fpmath.Price `json:"price"`
	GasPrice fpmath.Wad   `json:"gas_price"`
}

type LiquidationRecorded struct {
	ReceiptID  uuid.UUID    `json:"receipt_id"`
	Liquidator uuid.UUID    `json:"liquidator"`
	Liquidatee uuid.UUID    `json:"liquidatee"`
	Units      fpmath.Wad   `json:"units"`
	Price      fpmath.Price `json:"price"`
	Escrowed   fpmath.Wad   `json:"escrowed"`
	PoolDrawn  fpmath.Wad   `json:"pool_drawn"`
	Shortfall  fpmath.Wad   `json:"shortfall"`
	ReleasesAt time.Time    `json:"releases_at"`
}

type ReceiptClaimed struct {
	ReceiptID    uuid.UUID    `json:"receipt_id"`
	Claimant     uuid.UUID    `json:"claimant"`
	Refund       fpmath.Wad   `json:"refund"`
	AvgSalePrice fpmath.Price `json:"avg_sale_price"`
	Loss         fpmath.Wad   `json:"loss"`
}

type EscrowClaimed struct {
	ReceiptID uuid.UUID  `json:"receipt_id"`
	Claimant  uuid.UUID  `json:"claimant"`
	Amount    fpmath.Wad `json:"amount"`
}

type PoolTokens struct {
	User     uuid.UUID  `json:"user"`
	Tokens   fpmath.Wad `json:"tokens"`
	Amount   fpmath.Wad `json:"amount"`
	Holdings fpmath.Wad `json:"holdings"`
	Supply   fpmath.Wad `json:"supply"`
}

type PoolTransferred struct {
	From   uuid.UUID  `json:"from"`
	To     uuid.UUID  `json:"to"`
	Tokens fpmath.Wad `json:"tokens"`
}

type PoolHoldings struct {
	Amount   fpmath.Wad `json:"amount"`
	Holdings fpmath.Wad `json:"holdings"`
}
