package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]decimal.Decimal
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]decimal.Decimal),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] = bt.balances[j.DebitAccount].Add(j.Amount)
	bt.balances[j.CreditAccount] = bt.balances[j.CreditAccount].Sub(j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) decimal.Decimal {
	return bt.balances[key]
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() decimal.Decimal {
	total := decimal.Zero
	for _, balance := range bt.balances {
		total = total.Add(balance)
	}
	return total
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]decimal.Decimal {
	snapshot := make(map[AccountKey]decimal.Decimal, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances.
func (bt *BalanceTracker) Restore(balances map[AccountKey]decimal.Decimal) {
	bt.balances = make(map[AccountKey]decimal.Decimal, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
}
