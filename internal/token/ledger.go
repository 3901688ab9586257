// Package token is the ERC-20 style collateral collaborator. Balances and
// allowances are 256-bit integers in the token's smallest unit.
package token

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"PerpEngine/internal/apperr"
)

// Ledger is the token surface the engine depends on.
type Ledger interface {
	Symbol() string
	BalanceOf(ctx context.Context, owner uuid.UUID) (*uint256.Int, error)
	Allowance(ctx context.Context, owner, spender uuid.UUID) (*uint256.Int, error)
	Approve(ctx context.Context, owner, spender uuid.UUID, amount *uint256.Int) error
	Mint(ctx context.Context, to uuid.UUID, amount *uint256.Int) error
	Transfer(ctx context.Context, from, to uuid.UUID, amount *uint256.Int) error
	// TransferFrom moves amount from owner to "to", spending spender's allowance.
	TransferFrom(ctx context.Context, spender, owner, to uuid.UUID, amount *uint256.Int) error
}

type allowanceKey struct {
	owner, spender uuid.UUID
}

// MemoryLedger keeps balances in process. Used for tests and single-node
// development.
type MemoryLedger struct {
	mu         sync.Mutex
	symbol     string
	balances   map[uuid.UUID]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
}

func NewMemoryLedger(symbol string) *MemoryLedger {
	return &MemoryLedger{
		symbol:     symbol,
		balances:   make(map[uuid.UUID]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
}

func (l *MemoryLedger) Symbol() string { return l.symbol }

func (l *MemoryLedger) BalanceOf(_ context.Context, owner uuid.UUID) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(owner).Clone(), nil
}

func (l *MemoryLedger) Allowance(_ context.Context, owner, spender uuid.UUID) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.allowances[allowanceKey{owner, spender}]; ok {
		return a.Clone(), nil
	}
	return new(uint256.Int), nil
}

func (l *MemoryLedger) Approve(_ context.Context, owner, spender uuid.UUID, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey{owner, spender}] = amount.Clone()
	return nil
}

func (l *MemoryLedger) Mint(_ context.Context, to uuid.UUID, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	sum, overflow := new(uint256.Int).AddOverflow(l.balance(to), amount)
	if overflow {
		return apperr.New(apperr.KindInvalidArgument, "mint", "balance overflow")
	}
	l.balances[to] = sum
	return nil
}

func (l *MemoryLedger) Transfer(_ context.Context, from, to uuid.UUID, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, to, amount)
}

func (l *MemoryLedger) TransferFrom(_ context.Context, spender, owner, to uuid.UUID, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := allowanceKey{owner, spender}
	allowed, ok := l.allowances[key]
	if !ok || allowed.Lt(amount) {
		return apperr.New(apperr.KindInsufficientAllowance, "transferFrom",
			"%s allows %s to spend less than %s", owner, spender, amount.Dec())
	}
	if err := l.move(owner, to, amount); err != nil {
		return err
	}
	l.allowances[key] = new(uint256.Int).Sub(allowed, amount)
	return nil
}

func (l *MemoryLedger) balance(owner uuid.UUID) *uint256.Int {
	if b, ok := l.balances[owner]; ok {
		return b
	}
	return new(uint256.Int)
}

func (l *MemoryLedger) move(from, to uuid.UUID, amount *uint256.Int) error {
	src := l.balance(from)
	if src.Lt(amount) {
		return apperr.New(apperr.KindInsufficientBalance, "transfer",
			"%s holds %s, needs %s", from, src.Dec(), amount.Dec())
	}
	l.balances[from] = new(uint256.Int).Sub(src, amount)
	l.balances[to] = new(uint256.Int).Add(l.balance(to), amount)
	return nil
}

// CustodyAddress derives the deterministic holder address a market uses
// for one of its token pots.
func CustodyAddress(market, role string) uuid.UUID {
	return uuid.NewSHA1(custodyNamespace, []byte(fmt.Sprintf("%s:%s", market, role)))
}

var custodyNamespace = uuid.MustParse("6f1c3a52-2d8e-4b7a-9a57-0f3c1e7d4b21")
