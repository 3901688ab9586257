package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeTradeSettlement
	JournalTypeFundingPayment
	JournalTypeInsuranceFunding
	JournalTypeLiquidationTransfer
	JournalTypeEscrowHold
	JournalTypeEscrowRelease
	JournalTypeInsuranceDrawdown
	JournalTypePoolStake
	JournalTypePoolWithdraw
	JournalTypePoolReconcile
)

var journalTypeNames = map[JournalType]string{
	JournalTypeDeposit:             "deposit",
	JournalTypeWithdrawal:          "withdrawal",
	JournalTypeTradeSettlement:     "trade_settlement",
	JournalTypeFundingPayment:      "funding_payment",
	JournalTypeInsuranceFunding:    "insurance_funding",
	JournalTypeLiquidationTransfer: "liquidation_transfer",
	JournalTypeEscrowHold:          "escrow_hold",
	JournalTypeEscrowRelease:       "escrow_release",
	JournalTypeInsuranceDrawdown:   "insurance_drawdown",
	JournalTypePoolStake:           "pool_stake",
	JournalTypePoolWithdraw:        "pool_withdraw",
	JournalTypePoolReconcile:       "pool_reconcile",
}

func (t JournalType) String() string {
	if n, ok := journalTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("journal_type(%d)", int32(t))
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID       // Derived from the batch and position
	BatchID       uuid.UUID       // Groups the entries of one command
	EventRef      string          // Idempotency key of source event
	Sequence      int64           // Market event sequence
	DebitAccount  AccountKey      // Account receiving debit (balance increases)
	CreditAccount AccountKey      // Account receiving credit (balance decreases)
	Amount        decimal.Decimal // Always positive
	JournalType   JournalType
	Timestamp     int64 // Command timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from its credit to its debit account, so every entry balances on
// its own. A batch may be empty: settling an account that is already
// current moves nothing.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if !j.Amount.IsPositive() {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}

// Touched returns every account key referenced by the batch, in entry order
// and without duplicates.
func (b *Batch) Touched() []AccountKey {
	seen := make(map[AccountKey]struct{}, 2*len(b.Journals))
	keys := make([]AccountKey, 0, 2*len(b.Journals))
	for _, j := range b.Journals {
		for _, k := range [2]AccountKey{j.DebitAccount, j.CreditAccount} {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}
