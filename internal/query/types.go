package query

import (
	"time"

	"github.com/google/uuid"

	fpmath "PerpEngine/internal/math"
)

// BalanceResponse is a live margin account read from the market actor.
type BalanceResponse struct {
	UserID                  uuid.UUID  `json:"user_id"`
	MarketID                string     `json:"market_id"`
	Quote                   fpmath.Wad `json:"quote"`
	Base                    fpmath.Wad `json:"base"`
	LastSettledFundingIndex int64      `json:"last_settled_funding_index"`
	LastSeenGasPrice        fpmath.Wad `json:"last_seen_gas_price"`
	LeveragedNotional       fpmath.Wad `json:"leveraged_notional_value"`
	Margin                  fpmath.Wad `json:"margin"`
	MinMargin               fpmath.Wad `json:"min_margin"`
	Notional                fpmath.Wad `json:"notional"`
}

// FundingHistoryResponse is one settlement of an account against the
// funding index log.
type FundingHistoryResponse struct {
	UserID        uuid.UUID  `json:"user_id"`
	MarketID      string     `json:"market_id"`
	Sequence      int64      `json:"sequence"`
	FromIndex     int64      `json:"from_index"`
	ToIndex       int64      `json:"to_index"`
	FundingPaid   fpmath.Wad `json:"funding_paid"`
	InsurancePaid fpmath.Wad `json:"insurance_paid"`
	SettledAt     time.Time  `json:"settled_at"`
	AsOfSequence  int64      `json:"as_of_sequence"`
}

// FundingIndexResponse is one projected funding index entry.
type FundingIndexResponse struct {
	MarketID              string       `json:"market_id"`
	Index                 int64        `json:"index"`
	Hour                  int64        `json:"hour"`
	FairPrice             fpmath.Price `json:"fair_price"`
	AvgTracerPrice        fpmath.Price `json:"avg_tracer_price"`
	AvgOraclePrice        fpmath.Price `json:"avg_oracle_price"`
	FundingRate           fpmath.Wad   `json:"funding_rate"`
	InsuranceRate         fpmath.Wad   `json:"insurance_rate"`
	CumulativeFundingRate fpmath.Wad   `json:"cumulative_funding_rate"`
	CumulativeInsurance   fpmath.Wad   `json:"cumulative_insurance_funding_rate"`
	AppendedAt            time.Time    `json:"appended_at"`
}

// ReceiptResponse is a liquidation receipt as projected. Claim fields are
// nil until the claim happens.
type ReceiptResponse struct {
	ReceiptID       uuid.UUID    `json:"receipt_id"`
	MarketID        string       `json:"market_id"`
	Liquidator      uuid.UUID    `json:"liquidator"`
	Liquidatee      uuid.UUID    `json:"liquidatee"`
	Units           fpmath.Wad   `json:"units"`
	Price           fpmath.Price `json:"price"`
	Escrowed        fpmath.Wad   `json:"escrowed"`
	PoolDrawn       fpmath.Wad   `json:"pool_drawn"`
	Shortfall       fpmath.Wad   `json:"shortfall"`
	Refund          *fpmath.Wad  `json:"refund,omitempty"`
	EscrowReturned  *fpmath.Wad  `json:"escrow_returned,omitempty"`
	ReleasesAt      time.Time    `json:"releases_at"`
	CreatedAt       time.Time    `json:"created_at"`
	ClaimedAt       *time.Time   `json:"claimed_at,omitempty"`
	EscrowClaimedAt *time.Time   `json:"escrow_claimed_at,omitempty"`
}

// PoolEventResponse is one insurance pool movement.
type PoolEventResponse struct {
	MarketID   string      `json:"market_id"`
	Sequence   int64       `json:"sequence"`
	Kind       string      `json:"kind"`
	UserID     *uuid.UUID  `json:"user_id,omitempty"`
	Tokens     *fpmath.Wad `json:"tokens,omitempty"`
	Amount     *fpmath.Wad `json:"amount,omitempty"`
	Holdings   *fpmath.Wad `json:"holdings,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// JournalHistoryEntry is a journal line touching a user's account.
type JournalHistoryEntry struct {
	JournalID     string     `json:"journal_id"`
	BatchID       string     `json:"batch_id"`
	EventRef      string     `json:"event_ref"`
	Sequence      int64      `json:"sequence"`
	DebitAccount  string     `json:"debit_account"`
	CreditAccount string     `json:"credit_account"`
	Amount        fpmath.Wad `json:"amount"`
	JournalType   string     `json:"journal_type"`
	Timestamp     int64      `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification of one market.
type IntegrityReport struct {
	MarketID           string     `json:"market_id"`
	IsHealthy          bool       `json:"is_healthy"`
	LatestSequence     int64      `json:"latest_sequence"`
	ProjectedSequence  int64      `json:"projected_sequence"`
	HashChainBreaks    []int64    `json:"hash_chain_breaks,omitempty"`
	SequenceGaps       []int64    `json:"sequence_gaps,omitempty"`
	InvalidJournals    int64      `json:"invalid_journals"`
	DriftedAccounts    []string   `json:"drifted_accounts,omitempty"`
	ProjectedImbalance fpmath.Wad `json:"projected_imbalance"`
}

// PriceWindow is the 24 hour tracer and oracle average pair.
type PriceWindow struct {
	TracerPrice fpmath.Price `json:"tracer_price"`
	OraclePrice fpmath.Price `json:"oracle_price"`
}
