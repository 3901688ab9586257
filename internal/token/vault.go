package token

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"PerpEngine/internal/apperr"
	fpmath "PerpEngine/internal/math"
)

// Vault is a token pot owned by the engine, such as a market's collateral
// custody or an insurance pool's holdings. Amounts cross this boundary as
// decimals and are converted to the 18-decimal integer unit.
type Vault struct {
	Ledger  Ledger
	Address uuid.UUID
}

// Pull takes amount from owner into the vault using the allowance owner
// granted to the vault address.
func (v Vault) Pull(ctx context.Context, owner uuid.UUID, amount decimal.Decimal) error {
	n, err := ToUnits(amount)
	if err != nil {
		return err
	}
	if n.IsZero() {
		return nil
	}
	return v.Ledger.TransferFrom(ctx, v.Address, owner, v.Address, n)
}

// Push pays amount out of the vault to "to".
func (v Vault) Push(ctx context.Context, to uuid.UUID, amount decimal.Decimal) error {
	n, err := ToUnits(amount)
	if err != nil {
		return err
	}
	if n.IsZero() {
		return nil
	}
	return v.Ledger.Transfer(ctx, v.Address, to, n)
}

// ToUnits converts a non-negative decimal amount into token units.
func ToUnits(amount decimal.Decimal) (*uint256.Int, error) {
	if amount.IsNegative() {
		return nil, apperr.New(apperr.KindInvalidArgument, "token", "negative amount %s", amount)
	}
	n, overflow := uint256.FromBig(fpmath.ToWad(amount))
	if overflow {
		return nil, apperr.New(apperr.KindInvalidArgument, "token", "amount %s overflows 256 bits", amount)
	}
	return n, nil
}

// FromUnits converts token units into a decimal amount.
func FromUnits(n *uint256.Int) decimal.Decimal {
	return fpmath.FromWad(n.ToBig())
}

func (v Vault) String() string {
	return fmt.Sprintf("%s@%s", v.Ledger.Symbol(), v.Address)
}
