package event

import (
	"github.com/google/uuid"

	fpmath "PerpEngine/internal/math"
)

// Deposit pulls collateral from the user's wallet into their margin account.
// Idempotency key: command ID.
type Deposit struct {
	Header
	User   uuid.UUID  `json:"user"`
	Amount fpmath.Wad `json:"amount"`
}

func (*Deposit) EventType() EventType { return EventTypeDeposit }

// Withdraw pays collateral out of a margin account.
type Withdraw struct {
	Header
	User   uuid.UUID  `json:"user"`
	Amount fpmath.Wad `json:"amount"`
}

func (*Withdraw) EventType() EventType { return EventTypeWithdraw }

// Settle brings an account up to the latest funding index.
type Settle struct {
	Header
	User uuid.UUID `json:"user"`
}

func (*Settle) EventType() EventType { return EventTypeSettle }
