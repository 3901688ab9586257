package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is well formed before it is applied.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateAccountMirror checks that the journaled balance of a trader equals
// the quote held on their account.
func (v *InvariantValidator) ValidateAccountMirror(userID uuid.UUID, quote decimal.Decimal) error {
	key := NewUserAccountKey(userID)
	return v.ValidateSystemBalance(key, quote)
}

// ValidateSystemBalance checks an account against the value the owning
// component reports.
func (v *InvariantValidator) ValidateSystemBalance(key AccountKey, expected decimal.Decimal) error {
	got := v.tracker.GetBalance(key)
	if !got.Equal(expected) {
		return fmt.Errorf("%s: journal balance %s, component holds %s", key.AccountPath(), got, expected)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); !total.IsZero() {
		return fmt.Errorf("global balance is non-zero: %s", total)
	}
	return nil
}
