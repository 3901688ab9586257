package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeQuote AccountSubType = iota

	// System sub-types
	SubTypeFundingClearing
	SubTypeInsurancePool
	SubTypeInsuranceInflow
	SubTypeEscrow

	// External sub-types
	SubTypeWallet
)

// AccountKey identifies one double-entry account within a market.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // user UUID; zero for system and external accounts
	SubType  AccountSubType
}

// NewUserAccountKey creates the quote-balance key of a trader.
func NewUserAccountKey(userID uuid.UUID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  SubTypeQuote,
	}
}

// NewSystemAccountKey creates a key for engine-owned accounts
func NewSystemAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
	}
}

// NewExternalAccountKey creates a key for the boundary with token wallets
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
	}
}

var (
	FundingClearingAccount = NewSystemAccountKey(SubTypeFundingClearing)
	InsurancePoolAccount   = NewSystemAccountKey(SubTypeInsurancePool)
	InsuranceInflowAccount = NewSystemAccountKey(SubTypeInsuranceInflow)
	EscrowAccount          = NewSystemAccountKey(SubTypeEscrow)
	WalletAccount          = NewExternalAccountKey(SubTypeWallet)
)

// UserID returns the trader behind a user key.
func (k AccountKey) UserID() (uuid.UUID, bool) {
	if k.Scope != AccountScopeUser {
		return uuid.Nil, false
	}
	return uuid.UUID(k.EntityID), true
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s", uid.String(), k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeQuote:
		return "quote"
	case SubTypeFundingClearing:
		return "funding_clearing"
	case SubTypeInsurancePool:
		return "insurance_pool"
	case SubTypeInsuranceInflow:
		return "insurance_inflow"
	case SubTypeEscrow:
		return "escrow"
	case SubTypeWallet:
		return "wallet"
	default:
		return "unknown"
	}
}
