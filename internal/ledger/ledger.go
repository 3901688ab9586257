package ledger

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PerpEngine/internal/apperr"
	fpmath "PerpEngine/internal/math"
)

// FundingLog is the append-only index the ledger settles against.
type FundingLog interface {
	LatestIndex() int64
	CumulativeRates(i int64) (funding, insurance decimal.Decimal)
}

// FairPricer supplies the price positions are marked at.
type FairPricer interface {
	FairPrice() decimal.Decimal
}

// Settlement describes what a settle moved for one account.
type Settlement struct {
	Account       uuid.UUID
	FromIndex     int64
	ToIndex       int64
	FundingPaid   decimal.Decimal // positive when the account paid
	InsurancePaid decimal.Decimal
}

// Changed reports whether the account crossed at least one index step.
func (s Settlement) Changed() bool { return s.ToIndex != s.FromIndex }

// Fill is a matched trade between two accounts of the market.
type Fill struct {
	ID        uuid.UUID
	Long      uuid.UUID // buyer of Amount base
	Short     uuid.UUID // seller
	Amount    decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
}

// FillResult carries the settlements both parties went through.
type FillResult struct {
	Long  Settlement
	Short Settlement
}

// Ledger is the margin ledger of one market. It is not safe for concurrent
// use; the owning market serialises access.
type Ledger struct {
	accounts          map[uuid.UUID]*Account
	leveragedNotional decimal.Decimal

	funding FundingLog
	prices  FairPricer
	params  RiskParams
	journal *JournalGenerator
	tracker *BalanceTracker
}

func New(funding FundingLog, prices FairPricer, params RiskParams, journal *JournalGenerator) *Ledger {
	return &Ledger{
		accounts: make(map[uuid.UUID]*Account),
		funding:  funding,
		prices:   prices,
		params:   params,
		journal:  journal,
		tracker:  NewBalanceTracker(),
	}
}

func (l *Ledger) SetRiskParams(p RiskParams) { l.params = p }
func (l *Ledger) RiskParams() RiskParams    { return l.params }
func (l *Ledger) Journal() *JournalGenerator { return l.journal }
func (l *Ledger) Tracker() *BalanceTracker   { return l.tracker }

// FairPrice is the mark price the ledger values positions at.
func (l *Ledger) FairPrice() decimal.Decimal { return l.prices.FairPrice() }

// LeveragedNotional is the market-wide sum of account leveraged notional.
func (l *Ledger) LeveragedNotional() decimal.Decimal { return l.leveragedNotional }

// ============================================================================
// Reads
// ============================================================================

// Balance returns a copy of the account.
func (l *Ledger) Balance(id uuid.UUID) (Account, error) {
	a, ok := l.accounts[id]
	if !ok {
		return Account{}, apperr.New(apperr.KindNotFound, "getBalance", "account %s", id)
	}
	return *a, nil
}

// Margin returns quote + base*fairPrice, zero for unknown accounts.
func (l *Ledger) Margin(id uuid.UUID) decimal.Decimal {
	a, _ := l.Draft(id)
	return Margin(a, l.prices.FairPrice())
}

func (l *Ledger) MinMargin(id uuid.UUID) decimal.Decimal {
	a, _ := l.Draft(id)
	return MinMargin(a, l.prices.FairPrice(), l.params)
}

func (l *Ledger) Notional(id uuid.UUID) decimal.Decimal {
	a, _ := l.Draft(id)
	return Notional(a, l.prices.FairPrice())
}

// Accounts returns every account ordered by ID.
func (l *Ledger) Accounts() []Account {
	out := make([]Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		return uuidLess(out[i].ID, out[j].ID)
	})
	return out
}

// ============================================================================
// Draft / commit
//
// Operations mutate a copy of each account and only write it back once
// every check has passed, so a rejected command leaves the ledger as it was.
// ============================================================================

// Draft returns a copy of the account. New accounts start settled at the
// latest funding index.
func (l *Ledger) Draft(id uuid.UUID) (Account, bool) {
	if a, ok := l.accounts[id]; ok {
		return *a, true
	}
	return Account{ID: id, LastSettledFundingIndex: l.funding.LatestIndex()}, false
}

// SettleDraft applies every pending funding index step to a and records the
// payments. gasPrice refreshes the account's last seen gas price.
func (l *Ledger) SettleDraft(a *Account, gasPrice decimal.Decimal) Settlement {
	latest := l.funding.LatestIndex()
	s := Settlement{
		Account:       a.ID,
		FromIndex:     a.LastSettledFundingIndex,
		ToIndex:       latest,
		FundingPaid:   decimal.Zero,
		InsurancePaid: decimal.Zero,
	}
	a.LastSeenGasPrice = gasPrice
	if a.LastSettledFundingIndex >= latest {
		s.ToIndex = a.LastSettledFundingIndex
		return s
	}

	prevFunding, prevInsurance := l.funding.CumulativeRates(a.LastSettledFundingIndex)
	for i := a.LastSettledFundingIndex + 1; i <= latest; i++ {
		cf, ci := l.funding.CumulativeRates(i)
		s.FundingPaid = s.FundingPaid.Add(fpmath.FundingPayment(a.Position.Base, cf.Sub(prevFunding)))
		s.InsurancePaid = s.InsurancePaid.Add(fpmath.InsurancePayment(a.LeveragedNotionalValue, ci.Sub(prevInsurance)))
		prevFunding, prevInsurance = cf, ci
	}

	a.Position.Quote = a.Position.Quote.Sub(s.FundingPaid).Sub(s.InsurancePaid)
	a.LastSettledFundingIndex = latest

	user := NewUserAccountKey(a.ID)
	l.journal.Transfer(user, FundingClearingAccount, s.FundingPaid, JournalTypeFundingPayment)
	l.journal.Transfer(user, InsuranceInflowAccount, s.InsurancePaid, JournalTypeInsuranceFunding)
	return s
}

// Commit writes a draft back and folds its new leveraged notional into the
// market total.
func (l *Ledger) Commit(a Account) {
	old := decimal.Zero
	if prev, ok := l.accounts[a.ID]; ok {
		old = prev.LeveragedNotionalValue
	}
	a.LeveragedNotionalValue = LeveragedNotional(a, l.prices.FairPrice())
	l.leveragedNotional = l.leveragedNotional.Add(a.LeveragedNotionalValue.Sub(old))
	stored := a
	l.accounts[a.ID] = &stored
}

// ============================================================================
// Operations
// ============================================================================

// Deposit credits amount of collateral. The token pull happens before this
// is called.
func (l *Ledger) Deposit(id uuid.UUID, amount decimal.Decimal) (Account, error) {
	if !amount.IsPositive() {
		return Account{}, apperr.New(apperr.KindInvalidArgument, "deposit", "amount must be positive, got %s", amount)
	}
	a, _ := l.Draft(id)
	a.Position.Quote = a.Position.Quote.Add(amount)
	l.journal.Transfer(WalletAccount, NewUserAccountKey(id), amount, JournalTypeDeposit)
	l.Commit(a)
	return *l.accounts[id], nil
}

// Withdraw settles the account and debits amount if the account stays
// above its minimum margin.
func (l *Ledger) Withdraw(id uuid.UUID, amount, gasPrice decimal.Decimal) (Settlement, error) {
	if !amount.IsPositive() {
		return Settlement{}, apperr.New(apperr.KindInvalidArgument, "withdraw", "amount must be positive, got %s", amount)
	}
	a, ok := l.Draft(id)
	if !ok {
		return Settlement{}, apperr.New(apperr.KindInsufficientBalance, "withdraw", "account %s has no collateral", id)
	}

	mark := l.journal.Mark()
	s := l.SettleDraft(&a, gasPrice)
	a.Position.Quote = a.Position.Quote.Sub(amount)

	fair := l.prices.FairPrice()
	if Margin(a, fair).IsNegative() || !MarginIsValid(a, fair, l.params) {
		l.journal.Rollback(mark)
		return Settlement{}, apperr.New(apperr.KindBelowValidMargin, "withdraw",
			"margin %s below minimum %s after withdrawing %s", Margin(a, fair), MinMargin(a, fair, l.params), amount)
	}

	l.journal.Transfer(NewUserAccountKey(id), WalletAccount, amount, JournalTypeWithdrawal)
	l.Commit(a)
	return s, nil
}

// Settle brings the account up to the latest funding index. An account
// that is already current only has its gas price refreshed, and an unknown
// account is left alone. Settling never fails.
func (l *Ledger) Settle(id uuid.UUID, gasPrice decimal.Decimal) (Settlement, error) {
	a, ok := l.Draft(id)
	if !ok {
		return Settlement{Account: id}, nil
	}
	s := l.SettleDraft(&a, gasPrice)
	if !s.Changed() {
		l.accounts[id].LastSeenGasPrice = gasPrice
		return s, nil
	}
	l.Commit(a)
	return s, nil
}

// ApplyFill settles both parties and moves the position. Each party must
// end above minimum margin unless the fill only shrinks their position.
func (l *Ledger) ApplyFill(f Fill, gasPrice decimal.Decimal) (FillResult, error) {
	const op = "applyFill"
	if !f.Amount.IsPositive() || !f.Price.IsPositive() {
		return FillResult{}, apperr.New(apperr.KindInvalidArgument, op, "amount and price must be positive")
	}
	if f.Long == f.Short {
		return FillResult{}, apperr.New(apperr.KindInvalidArgument, op, "self-trade by %s", f.Long)
	}
	long, ok := l.Draft(f.Long)
	if !ok {
		return FillResult{}, apperr.New(apperr.KindNotFound, op, "long account %s", f.Long)
	}
	short, ok := l.Draft(f.Short)
	if !ok {
		return FillResult{}, apperr.New(apperr.KindNotFound, op, "short account %s", f.Short)
	}

	mark := l.journal.Mark()
	res := FillResult{
		Long:  l.SettleDraft(&long, gasPrice),
		Short: l.SettleDraft(&short, gasPrice),
	}

	cost := fpmath.Quantize(f.Amount.Mul(f.Price), fpmath.RoundDown)
	longBefore, shortBefore := long.Position.Base, short.Position.Base
	long.Position.Base = long.Position.Base.Add(f.Amount)
	long.Position.Quote = long.Position.Quote.Sub(cost)
	short.Position.Base = short.Position.Base.Sub(f.Amount)
	short.Position.Quote = short.Position.Quote.Add(cost)

	fair := l.prices.FairPrice()
	for _, side := range []struct {
		acct   Account
		before decimal.Decimal
	}{{long, longBefore}, {short, shortBefore}} {
		if reducesExposure(side.before, side.acct.Position.Base) {
			continue
		}
		if !MarginIsValid(side.acct, fair, l.params) {
			l.journal.Rollback(mark)
			return FillResult{}, apperr.New(apperr.KindBelowValidMargin, op,
				"account %s margin %s below minimum %s", side.acct.ID,
				Margin(side.acct, fair), MinMargin(side.acct, fair, l.params))
		}
	}

	l.journal.Transfer(NewUserAccountKey(f.Long), NewUserAccountKey(f.Short), cost, JournalTypeTradeSettlement)
	l.Commit(long)
	l.Commit(short)
	return res, nil
}

// reducesExposure reports whether moving from before to after only shrinks
// the position toward flat without flipping sides.
func reducesExposure(before, after decimal.Decimal) bool {
	if after.IsZero() {
		return true
	}
	if before.Sign() != after.Sign() {
		return false
	}
	return after.Abs().LessThan(before.Abs())
}

// ============================================================================
// Snapshots
// ============================================================================

// Snapshot is the serialisable state of a ledger.
type Snapshot struct {
	Accounts          []Account       `json:"accounts"`
	LeveragedNotional decimal.Decimal `json:"leveraged_notional"`
	Balances          []BalanceEntry  `json:"balances"`
}

// BalanceEntry is one journaled account balance.
type BalanceEntry struct {
	Key     AccountKey      `json:"key"`
	Balance decimal.Decimal `json:"balance"`
}

func (l *Ledger) Snapshot() Snapshot {
	s := Snapshot{
		Accounts:          l.Accounts(),
		LeveragedNotional: l.leveragedNotional,
	}
	for k, v := range l.tracker.Snapshot() {
		s.Balances = append(s.Balances, BalanceEntry{Key: k, Balance: v})
	}
	sort.Slice(s.Balances, func(i, j int) bool {
		return s.Balances[i].Key.AccountPath() < s.Balances[j].Key.AccountPath()
	})
	return s
}

func (l *Ledger) Restore(s Snapshot) {
	l.accounts = make(map[uuid.UUID]*Account, len(s.Accounts))
	for i := range s.Accounts {
		a := s.Accounts[i]
		l.accounts[a.ID] = &a
	}
	l.leveragedNotional = s.LeveragedNotional
	balances := make(map[AccountKey]decimal.Decimal, len(s.Balances))
	for _, b := range s.Balances {
		balances[b.Key] = b.Balance
	}
	l.tracker.Restore(balances)
}

// RecomputeLeveragedNotional sums every stored account value. Used by
// integrity checks only; the running total is never rebuilt from it.
func (l *Ledger) RecomputeLeveragedNotional() decimal.Decimal {
	sum := decimal.Zero
	for _, a := range l.accounts {
		sum = sum.Add(a.LeveragedNotionalValue)
	}
	return sum
}

func uuidLess(a, b uuid.UUID) bool {
	for i := 0; i < 16; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
