package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposit
	EventTypeWithdraw
	EventTypeSettle
	EventTypeTradeFill
	EventTypeOracleUpdate
	EventTypeLiquidate
	EventTypeClaimReceipt
	EventTypeClaimEscrow
	EventTypeDeployPool
	EventTypePoolStake
	EventTypePoolWithdraw
	EventTypePoolReward
	EventTypePoolClaimRewards
	EventTypePoolTransfer
	EventTypePoolUpdate
	EventTypeParamUpdate
	EventTypeFillRejected
)

var eventTypeNames = map[EventType]string{
	EventTypeDeposit:          "Deposit",
	EventTypeWithdraw:         "Withdraw",
	EventTypeSettle:           "Settle",
	EventTypeTradeFill:        "TradeFill",
	EventTypeOracleUpdate:     "OracleUpdate",
	EventTypeLiquidate:        "Liquidate",
	EventTypeClaimReceipt:     "ClaimReceipt",
	EventTypeClaimEscrow:      "ClaimEscrow",
	EventTypeDeployPool:       "DeployPool",
	EventTypePoolStake:        "PoolStake",
	EventTypePoolWithdraw:     "PoolWithdraw",
	EventTypePoolReward:       "PoolReward",
	EventTypePoolClaimRewards: "PoolClaimRewards",
	EventTypePoolTransfer:     "PoolTransfer",
	EventTypePoolUpdate:       "PoolUpdate",
	EventTypeParamUpdate:      "ParamUpdate",
	EventTypeFillRejected:     "FillRejected",
}

func (et EventType) String() string {
	if n, ok := eventTypeNames[et]; ok {
		return n
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, bool) {
	for t, n := range eventTypeNames {
		if n == s {
			return t, true
		}
	}
	return EventTypeUnknown, false
}

// New returns an empty event of type t for decoding into.
func New(t EventType) (Event, bool) {
	switch t {
	case EventTypeDeposit:
		return &Deposit{}, true
	case EventTypeWithdraw:
		return &Withdraw{}, true
	case EventTypeSettle:
		return &Settle{}, true
	case EventTypeTradeFill:
		return &TradeFill{}, true
	case EventTypeOracleUpdate:
		return &OracleUpdate{}, true
	case EventTypeLiquidate:
		return &Liquidate{}, true
	case EventTypeClaimReceipt:
		return &ClaimReceipt{}, true
	case EventTypeClaimEscrow:
		return &ClaimEscrow{}, true
	case EventTypeDeployPool:
		return &DeployPool{}, true
	case EventTypePoolStake:
		return &PoolStake{}, true
	case EventTypePoolWithdraw:
		return &PoolWithdraw{}, true
	case EventTypePoolReward:
		return &PoolReward{}, true
	case EventTypePoolClaimRewards:
		return &PoolClaimRewards{}, true
	case EventTypePoolTransfer:
		return &PoolTransfer{}, true
	case EventTypePoolUpdate:
		return &PoolUpdate{}, true
	case EventTypeParamUpdate:
		return &ParamUpdate{}, true
	case EventTypeFillRejected:
		return &FillRejected{}, true
	}
	return nil, false
}

// Decode rebuilds an event of type t from its JSON payload.
func Decode(t EventType, payload []byte) (Event, error) {
	evt, ok := New(t)
	if !ok {
		return nil, fmt.Errorf("unknown event type %d", t)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return evt, nil
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Per-market monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	MarketID string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation, 0 when unsequenced
	SourceSequence int64

	// JSON-encoded event
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	MarketID() string

	// SourceSequence returns upstream ordering key, 0 when unsequenced
	SourceSequence() int64

	// Time is the versioned input timestamp. The core never reads the clock.
	Time() time.Time
}

// Header carries the fields every command has.
type Header struct {
	ID        uuid.UUID `json:"id"`
	Market    string    `json:"market"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Header) IdempotencyKey() string { return h.ID.String() }
func (h *Header) MarketID() string       { return h.Market }
func (h *Header) SourceSequence() int64  { return 0 }
func (h *Header) Time() time.Time        { return h.Timestamp }

// Stamp overwrites the command timestamp with the time it was received.
func (h *Header) Stamp(t time.Time) { h.Timestamp = t }
