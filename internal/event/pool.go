package event

import (
	"github.com/google/uuid"

	fpmath "PerpEngine/internal/math"
)

// DeployPool creates the market's insurance pool. Governance only.
type DeployPool struct {
	Header
	Caller uuid.UUID `json:"caller"`
}

func (*DeployPool) EventType() EventType { return EventTypeDeployPool }

// PoolStake deposits collateral into the pool for pool tokens.
type PoolStake struct {
	Header
	User   uuid.UUID  `json:"user"`
	Amount fpmath.Wad `json:"amount"`
}

func (*PoolStake) EventType() EventType { return EventTypePoolStake }

// PoolWithdraw burns pool tokens for collateral. Amount is in pool tokens.
type PoolWithdraw struct {
	Header
	User   uuid.UUID  `json:"user"`
	Amount fpmath.Wad `json:"amount"`
}

func (*PoolWithdraw) EventType() EventType { return EventTypePoolWithdraw }

// PoolReward distributes reward tokens over pool token holders.
type PoolReward struct {
	Header
	Caller uuid.UUID  `json:"caller"`
	Amount fpmath.Wad `json:"amount"`
}

func (*PoolReward) EventType() EventType { return EventTypePoolReward }

type PoolClaimRewards struct {
	Header
	User uuid.UUID `json:"user"`
}

func (*PoolClaimRewards) EventType() EventType { return EventTypePoolClaimRewards }

// PoolTransfer moves pool tokens between holders.
type PoolTransfer struct {
	Header
	From   uuid.UUID  `json:"from"`
	To     uuid.UUID  `json:"to"`
	Amount fpmath.Wad `json:"amount"`
}

func (*PoolTransfer) EventType() EventType { return EventTypePoolTransfer }

// PoolUpdate folds received insurance funding into pool holdings.
type PoolUpdate struct {
	Header
}

func (*PoolUpdate) EventType() EventType { return EventTypePoolUpdate }
