package ledger_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpEngine/internal/apperr"
	"PerpEngine/internal/ledger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubIndex struct {
	funding, insurance []decimal.Decimal
}

func newStubIndex() *stubIndex {
	return &stubIndex{funding: []decimal.Decimal{decimal.Zero}, insurance: []decimal.Decimal{decimal.Zero}}
}

func (s *stubIndex) LatestIndex() int64 { return int64(len(s.funding) - 1) }
func (s *stubIndex) CumulativeRates(i int64) (decimal.Decimal, decimal.Decimal) {
	return s.funding[i], s.insurance[i]
}
func (s *stubIndex) push(funding, insurance string) {
	s.funding = append(s.funding, d(funding))
	s.insurance = append(s.insurance, d(insurance))
}

type stubPrice struct{ p decimal.Decimal }

func (s *stubPrice) FairPrice() decimal.Decimal { return s.p }

type fixture struct {
	idx    *stubIndex
	price  *stubPrice
	ledger *ledger.Ledger
}

func newFixture() *fixture {
	f := &fixture{idx: newStubIndex(), price: &stubPrice{p: d("100")}}
	f.ledger = ledger.New(f.idx, f.price, ledger.RiskParams{
		MaxLeverage:            d("10"),
		GasUnitsPerLiquidation: d("10"),
	}, ledger.NewJournalGenerator())
	return f
}

// run wraps one operation in a journal batch and applies it to the tracker,
// the way the market does per command.
func (f *fixture) run(t *testing.T, ref string, op func() error) (*ledger.Batch, error) {
	t.Helper()
	jg := f.ledger.Journal()
	jg.Begin(ref, 1, 0)
	err := op()
	batch := jg.Finish()
	if err == nil {
		require.NoError(t, f.ledger.Tracker().ApplyBatch(batch))
	}
	return batch, err
}

func (f *fixture) deposit(t *testing.T, id uuid.UUID, amount string) {
	t.Helper()
	_, err := f.run(t, "dep-"+id.String(), func() error {
		_, err := f.ledger.Deposit(id, d(amount))
		return err
	})
	require.NoError(t, err)
}

func (f *fixture) fill(t *testing.T, long, short uuid.UUID, amount, price string) error {
	t.Helper()
	_, err := f.run(t, "fill", func() error {
		_, err := f.ledger.ApplyFill(ledger.Fill{
			ID: uuid.New(), Long: long, Short: short,
			Amount: d(amount), Price: d(price), Timestamp: time.Unix(0, 0),
		}, d("0"))
		return err
	})
	return err
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserAccountKey(userID)
	assert.Equal(t, "user:550e8400-e29b-41d4-a716-446655440000:quote", key.AccountPath())

	got, ok := key.UserID()
	assert.True(t, ok)
	assert.Equal(t, userID, got)
}

func TestAccountKey_SystemAndExternalPaths(t *testing.T) {
	assert.Equal(t, "system:insurance_pool", ledger.InsurancePoolAccount.AccountPath())
	assert.Equal(t, "system:escrow", ledger.EscrowAccount.AccountPath())
	assert.Equal(t, "external:wallet", ledger.WalletAccount.AccountPath())

	_, ok := ledger.EscrowAccount.UserID()
	assert.False(t, ok)
}

// ============================================================================
// Test: margin formulas
// ============================================================================

func TestMinMargin_GasReservePlusLeverage(t *testing.T) {
	a := ledger.Account{
		Position:         ledger.Position{Quote: d("-50"), Base: d("1")},
		LastSeenGasPrice: d("2"),
	}
	p := ledger.RiskParams{MaxLeverage: d("10"), GasUnitsPerLiquidation: d("10")}

	assert.True(t, ledger.Margin(a, d("100")).Equal(d("50")))
	assert.True(t, ledger.Notional(a, d("100")).Equal(d("100")))
	assert.True(t, ledger.MinMargin(a, d("100"), p).Equal(d("30")))
	assert.True(t, ledger.LeveragedNotional(a, d("100")).Equal(d("50")))
}

func TestMinMargin_FlatAccountIsZero(t *testing.T) {
	a := ledger.Account{Position: ledger.Position{Quote: d("10")}, LastSeenGasPrice: d("5")}
	p := ledger.RiskParams{MaxLeverage: d("10"), GasUnitsPerLiquidation: d("10")}
	assert.True(t, ledger.MinMargin(a, d("100"), p).IsZero())
	assert.True(t, ledger.LeveragedNotional(a, d("100")).IsZero())
}

// ============================================================================
// Test: deposit / withdraw
// ============================================================================

func TestDeposit_JournalMirrorsQuote(t *testing.T) {
	f := newFixture()
	alice := uuid.New()
	f.deposit(t, alice, "150")
	f.deposit(t, alice, "50")

	a, err := f.ledger.Balance(alice)
	require.NoError(t, err)
	assert.True(t, a.Position.Quote.Equal(d("200")))

	v := ledger.NewInvariantValidator(f.ledger.Tracker())
	assert.NoError(t, v.ValidateAccountMirror(alice, a.Position.Quote))
	assert.NoError(t, v.ValidateGlobalBalance())
}

func TestDeposit_RejectsNonPositive(t *testing.T) {
	f := newFixture()
	_, err := f.ledger.Deposit(uuid.New(), d("0"))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestDeposit_NewAccountStartsAtLatestIndex(t *testing.T) {
	f := newFixture()
	f.idx.push("5", "0")
	alice := uuid.New()
	f.deposit(t, alice, "10")

	a, _ := f.ledger.Balance(alice)
	assert.Equal(t, int64(1), a.LastSettledFundingIndex)
}

func TestWithdraw_BelowValidMarginLeavesStateUntouched(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	f.deposit(t, alice, "100")
	f.deposit(t, bob, "100")
	require.NoError(t, f.fill(t, alice, bob, "5", "100"))
	f.idx.push("2", "0") // alice owes 10 on settle

	before, _ := f.ledger.Balance(alice)
	batch, err := f.run(t, "wd", func() error {
		_, err := f.ledger.Withdraw(alice, d("60"), d("0"))
		return err
	})
	assert.ErrorIs(t, err, apperr.ErrBelowValidMargin)
	assert.Empty(t, batch.Journals, "rejected withdraw must not leave journals")

	after, _ := f.ledger.Balance(alice)
	assert.Equal(t, before, after)
}

func TestWithdraw_SettlesFirst(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	f.deposit(t, alice, "1000")
	f.deposit(t, bob, "1000")
	require.NoError(t, f.fill(t, alice, bob, "1", "100"))
	f.idx.push("3", "0")

	_, err := f.run(t, "wd", func() error {
		s, err := f.ledger.Withdraw(alice, d("100"), d("0"))
		if err == nil {
			assert.True(t, s.FundingPaid.Equal(d("3")))
		}
		return err
	})
	require.NoError(t, err)

	a, _ := f.ledger.Balance(alice)
	// 1000 - 100 (trade) - 3 (funding) - 100 (withdrawal)
	assert.True(t, a.Position.Quote.Equal(d("797")), "quote %s", a.Position.Quote)
	assert.Equal(t, int64(1), a.LastSettledFundingIndex)
}

func TestWithdraw_UnknownAccount(t *testing.T) {
	f := newFixture()
	_, err := f.ledger.Withdraw(uuid.New(), d("1"), d("0"))
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)
}

// ============================================================================
// Test: settle
// ============================================================================

func TestSettle_AppliesEveryStepInOrder(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	f.deposit(t, alice, "1000")
	f.deposit(t, bob, "1000")
	require.NoError(t, f.fill(t, alice, bob, "2", "100"))

	f.idx.push("1", "0")
	f.idx.push("3", "0")
	f.idx.push("2.5", "0")

	var s ledger.Settlement
	_, err := f.run(t, "settle", func() error {
		var err error
		s, err = f.ledger.Settle(alice, d("1"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.FromIndex)
	assert.Equal(t, int64(3), s.ToIndex)
	assert.True(t, s.FundingPaid.Equal(d("5")), "funding %s", s.FundingPaid)

	a, _ := f.ledger.Balance(alice)
	assert.True(t, a.Position.Quote.Equal(d("795")))
	assert.True(t, a.LastSeenGasPrice.Equal(d("1")))

	// short side receives
	_, err = f.run(t, "settle-bob", func() error {
		s, err = f.ledger.Settle(bob, d("1"))
		return err
	})
	require.NoError(t, err)
	assert.True(t, s.FundingPaid.Equal(d("-5")))

	v := ledger.NewInvariantValidator(f.ledger.Tracker())
	assert.NoError(t, v.ValidateSystemBalance(ledger.FundingClearingAccount, decimal.Zero))
	assert.NoError(t, v.ValidateGlobalBalance())
}

func TestSettle_ChargesInsuranceOnLeveragedNotional(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	f.deposit(t, alice, "100")
	f.deposit(t, bob, "1000")
	require.NoError(t, f.fill(t, alice, bob, "5", "100"))

	a, _ := f.ledger.Balance(alice)
	// notional 500, margin 100
	require.True(t, a.LeveragedNotionalValue.Equal(d("400")))

	f.idx.push("0", "0.01")
	var s ledger.Settlement
	_, err := f.run(t, "settle", func() error {
		var err error
		s, err = f.ledger.Settle(alice, d("0"))
		return err
	})
	require.NoError(t, err)
	assert.True(t, s.InsurancePaid.Equal(d("4")))
	assert.True(t, f.ledger.Tracker().GetBalance(ledger.InsuranceInflowAccount).Equal(d("4")))
}

func TestSettle_SecondCallIsNoOp(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	f.deposit(t, alice, "1000")
	f.deposit(t, bob, "1000")
	require.NoError(t, f.fill(t, alice, bob, "1", "100"))
	f.idx.push("1", "0")

	_, err := f.run(t, "first", func() error {
		_, err := f.ledger.Settle(alice, d("1"))
		return err
	})
	require.NoError(t, err)
	first, _ := f.ledger.Balance(alice)

	batch, err := f.run(t, "second", func() error {
		s, err := f.ledger.Settle(alice, d("7"))
		assert.False(t, s.Changed())
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, batch.Journals)

	second, _ := f.ledger.Balance(alice)
	assert.Equal(t, first.Position, second.Position)
	assert.True(t, second.LastSeenGasPrice.Equal(d("7")), "gas price is refreshed")
}

func TestSettle_UnknownAccountIsNoOp(t *testing.T) {
	f := newFixture()
	nobody := uuid.New()

	batch, err := f.run(t, "settle", func() error {
		s, err := f.ledger.Settle(nobody, d("1"))
		assert.Equal(t, nobody, s.Account)
		assert.False(t, s.Changed())
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, batch.Journals)

	_, err = f.ledger.Balance(nobody)
	assert.Error(t, err, "settling does not open an account")
}

// ============================================================================
// Test: fills and leveraged notional
// ============================================================================

func TestApplyFill_LeveragedNotionalSumHolds(t *testing.T) {
	f := newFixture()
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	for _, u := range users {
		f.deposit(t, u, "500")
	}

	trades := []struct {
		long, short int
		amt, px     string
		fair        string
	}{
		{0, 1, "10", "100", "100"},
		{2, 3, "5", "101", "102"},
		{1, 0, "4", "99", "98"},
		{3, 2, "5", "100", "97"},
		{0, 2, "3", "97", "103"},
	}
	for _, tr := range trades {
		f.price.p = d(tr.fair)
		require.NoError(t, f.fill(t, users[tr.long], users[tr.short], tr.amt, tr.px))
		assert.True(t, f.ledger.LeveragedNotional().Equal(f.ledger.RecomputeLeveragedNotional()),
			"market %s vs accounts %s", f.ledger.LeveragedNotional(), f.ledger.RecomputeLeveragedNotional())
	}

	v := ledger.NewInvariantValidator(f.ledger.Tracker())
	for _, a := range f.ledger.Accounts() {
		assert.NoError(t, v.ValidateAccountMirror(a.ID, a.Position.Quote))
	}
	assert.NoError(t, v.ValidateGlobalBalance())
}

func TestApplyFill_BelowValidMarginRejectsWholeFill(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	f.deposit(t, alice, "10")
	f.deposit(t, bob, "1000")

	err := f.fill(t, alice, bob, "5", "100") // 500 notional on 10 collateral
	assert.ErrorIs(t, err, apperr.ErrBelowValidMargin)

	a, _ := f.ledger.Balance(alice)
	b, _ := f.ledger.Balance(bob)
	assert.True(t, a.Position.Base.IsZero())
	assert.True(t, b.Position.Base.IsZero())
	assert.True(t, f.ledger.LeveragedNotional().IsZero())
}

func TestApplyFill_ReducingPositionAllowedUnderMargin(t *testing.T) {
	f := newFixture()
	alice, bob := uuid.New(), uuid.New()
	f.deposit(t, alice, "60")
	f.deposit(t, bob, "1000")
	require.NoError(t, f.fill(t, alice, bob, "5", "100"))

	f.price.p = d("92") // alice margin 60-500+460 = 20, min 46
	require.False(t, ledger.MarginIsValid(mustBalance(t, f, alice), d("92"), f.ledger.RiskParams()))

	assert.NoError(t, f.fill(t, bob, alice, "2", "92"), "closing part of the position is allowed")
	assert.ErrorIs(t, f.fill(t, alice, bob, "1", "92"), apperr.ErrBelowValidMargin)
}

func TestApplyFill_UnknownAccount(t *testing.T) {
	f := newFixture()
	alice := uuid.New()
	f.deposit(t, alice, "100")
	assert.ErrorIs(t, f.fill(t, alice, uuid.New(), "1", "100"), apperr.ErrNotFound)
}

func mustBalance(t *testing.T, f *fixture, id uuid.UUID) ledger.Account {
	t.Helper()
	a, err := f.ledger.Balance(id)
	require.NoError(t, err)
	return a
}

// ============================================================================
// Test: journal plumbing
// ============================================================================

func TestBatchValidate_RejectsSelfTransfer(t *testing.T) {
	id := uuid.New()
	b := &ledger.Batch{BatchID: id, Journals: []ledger.Journal{{
		BatchID: id, DebitAccount: ledger.EscrowAccount, CreditAccount: ledger.EscrowAccount, Amount: d("1"),
	}}}
	assert.Error(t, b.Validate())
}

func TestJournalGenerator_NegativeAmountFlipsSides(t *testing.T) {
	jg := ledger.NewJournalGenerator()
	jg.Begin("ref", 7, 42)
	user := ledger.NewUserAccountKey(uuid.New())
	jg.Transfer(user, ledger.FundingClearingAccount, d("-3"), ledger.JournalTypeFundingPayment)
	jg.Transfer(user, ledger.FundingClearingAccount, d("0"), ledger.JournalTypeFundingPayment)

	b := jg.Finish()
	require.Len(t, b.Journals, 1)
	j := b.Journals[0]
	assert.Equal(t, user, j.DebitAccount)
	assert.Equal(t, ledger.FundingClearingAccount, j.CreditAccount)
	assert.True(t, j.Amount.Equal(d("3")))
	assert.NoError(t, b.Validate())
}

func TestJournalGenerator_DeterministicIDs(t *testing.T) {
	gen := func() *ledger.Batch {
		jg := ledger.NewJournalGenerator()
		jg.Begin("evt-1", 3, 0)
		jg.Transfer(ledger.WalletAccount, ledger.EscrowAccount, d("1"), ledger.JournalTypeEscrowHold)
		return jg.Finish()
	}
	a, b := gen(), gen()
	assert.Equal(t, a.BatchID, b.BatchID)
	assert.Equal(t, a.Journals[0].JournalID, b.Journals[0].JournalID)
}
