package liquidation_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpEngine/internal/apperr"
	"PerpEngine/internal/insurance"
	"PerpEngine/internal/ledger"
	"PerpEngine/internal/liquidation"
	fpmath "PerpEngine/internal/math"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type flatIndex struct{}

func (flatIndex) LatestIndex() int64 { return 0 }
func (flatIndex) CumulativeRates(int64) (decimal.Decimal, decimal.Decimal) {
	return decimal.Zero, decimal.Zero
}

type price struct{ p decimal.Decimal }

func (p *price) FairPrice() decimal.Decimal { return p.p }

var (
	liqTime = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	window  = 900 * time.Second
	gas     = d("13.64384") // with 10 gas units: 136.4384 reserve
)

type fixture struct {
	price  *price
	ledger *ledger.Ledger
	fills  *liquidation.FillBook
	engine *liquidation.Engine
	pool   *insurance.Pool

	alice, bob, carol, dave uuid.UUID
}

// newFixture leaves alice long 8 at 100 with quote -600: margin 200. Once a
// gas price of 13.64384 is seen her minimum margin is 216.4384.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		price: &price{p: d("100")},
		fills: liquidation.NewFillBook(),
		pool:  insurance.NewPool(),
		alice: uuid.New(), bob: uuid.New(), carol: uuid.New(), dave: uuid.New(),
	}
	f.ledger = ledger.New(flatIndex{}, f.price, ledger.RiskParams{
		MaxLeverage:            d("10"),
		GasUnitsPerLiquidation: d("10"),
	}, ledger.NewJournalGenerator())
	f.engine = liquidation.NewEngine(f.ledger, f.fills)

	f.step(t, func() error {
		for id, amt := range map[uuid.UUID]string{f.alice: "200", f.bob: "10000", f.carol: "1000", f.dave: "1000"} {
			if _, err := f.ledger.Deposit(id, d(amt)); err != nil {
				return err
			}
		}
		_, err := f.ledger.ApplyFill(ledger.Fill{
			ID: uuid.New(), Long: f.alice, Short: f.bob, Amount: d("8"), Price: d("100"),
			Timestamp: liqTime.Add(-time.Hour),
		}, decimal.Zero)
		return err
	})
	return f
}

func (f *fixture) step(t *testing.T, op func() error) error {
	t.Helper()
	jg := f.ledger.Journal()
	jg.Begin(uuid.NewString(), 1, 0)
	err := op()
	batch := jg.Finish()
	if err == nil {
		require.NoError(t, f.ledger.Tracker().ApplyBatch(batch))
	}
	return err
}

func (f *fixture) liquidate(t *testing.T, amount string, pool liquidation.Pool) (liquidation.LiquidateResult, error) {
	t.Helper()
	var res liquidation.LiquidateResult
	err := f.step(t, func() error {
		var err error
		res, err = f.engine.Liquidate(liquidation.LiquidateRequest{
			ReceiptID:    uuid.New(),
			Liquidator:   f.carol,
			Liquidatee:   f.alice,
			Amount:       d(amount),
			Timestamp:    liqTime,
			GasPrice:     gas,
			EscrowWindow: window,
		}, pool)
		return err
	})
	return res, err
}

func (f *fixture) addFill(t *testing.T, long, short uuid.UUID, amount, px string, at time.Time) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.fills.Add(liquidation.FillRecord{
		ID: id, Long: long, Short: short, Amount: d(amount), Price: d(px), Timestamp: at,
	}))
	return id
}

func (f *fixture) claim(t *testing.T, receipt uuid.UUID, claimant uuid.UUID, at time.Time, fills ...uuid.UUID) (liquidation.ClaimResult, error) {
	t.Helper()
	var res liquidation.ClaimResult
	err := f.step(t, func() error {
		var err error
		res, err = f.engine.ClaimReceipt(liquidation.ClaimReceiptRequest{
			ReceiptID: receipt, Claimant: claimant, FillIDs: fills, Timestamp: at, MaxSlippage: d("0.01"),
		})
		return err
	})
	return res, err
}

func (f *fixture) claimEscrow(t *testing.T, receipt, claimant uuid.UUID, at time.Time) (liquidation.ClaimResult, error) {
	t.Helper()
	var res liquidation.ClaimResult
	err := f.step(t, func() error {
		var err error
		res, err = f.engine.ClaimEscrow(receipt, claimant, at)
		return err
	})
	return res, err
}

func (f *fixture) assertBooksBalance(t *testing.T) {
	t.Helper()
	v := ledger.NewInvariantValidator(f.ledger.Tracker())
	for _, a := range f.ledger.Accounts() {
		assert.NoError(t, v.ValidateAccountMirror(a.ID, a.Position.Quote))
	}
	assert.NoError(t, v.ValidateSystemBalance(ledger.EscrowAccount, f.engine.EscrowHeld()))
	assert.NoError(t, v.ValidateGlobalBalance())
	assert.True(t, f.ledger.LeveragedNotional().Equal(f.ledger.RecomputeLeveragedNotional()))
}

// ============================================================================
// Liquidate
// ============================================================================

func TestLiquidate_FullWithEscrow(t *testing.T) {
	f := newFixture(t)
	res, err := f.liquidate(t, "8", nil)
	require.NoError(t, err)

	r := res.Receipt
	assert.True(t, r.EscrowedAmount.Equal(d("183.5616")), "escrow %s", r.EscrowedAmount)
	assert.True(t, r.Price.Equal(d("100")))
	assert.True(t, r.Units.Equal(d("8")))
	assert.True(t, r.LiquidatedLong)
	assert.Equal(t, liqTime.Add(900*time.Second), r.ReleaseTimestamp)
	assert.Equal(t, liquidation.ReceiptStateOpen, r.State)

	alice, _ := f.ledger.Balance(f.alice)
	assert.True(t, alice.Position.Base.IsZero())
	assert.True(t, alice.Position.Quote.IsZero())

	carol, _ := f.ledger.Balance(f.carol)
	assert.True(t, carol.Position.Base.Equal(d("8")))
	// 1000 - 600 - 183.5616
	assert.True(t, carol.Position.Quote.Equal(d("216.4384")), "quote %s", carol.Position.Quote)

	f.assertBooksBalance(t)
}

func TestLiquidate_AboveMargin(t *testing.T) {
	f := newFixture(t)
	err := f.step(t, func() error {
		_, err := f.engine.Liquidate(liquidation.LiquidateRequest{
			ReceiptID: uuid.New(), Liquidator: f.carol, Liquidatee: f.alice,
			Amount: d("8"), Timestamp: liqTime, GasPrice: decimal.Zero, EscrowWindow: window,
		}, nil)
		return err
	})
	assert.ErrorIs(t, err, apperr.ErrAboveMargin)

	alice, _ := f.ledger.Balance(f.alice)
	assert.True(t, alice.Position.Base.Equal(d("8")))
	assert.True(t, alice.LastSeenGasPrice.IsZero(), "rejected liquidation leaves no settlement behind")
}

func TestLiquidate_Partial(t *testing.T) {
	f := newFixture(t)
	res, err := f.liquidate(t, "2", nil)
	require.NoError(t, err)
	assert.True(t, res.Receipt.EscrowedAmount.Equal(d("45.8904")))

	alice, _ := f.ledger.Balance(f.alice)
	assert.True(t, alice.Position.Base.Equal(d("6")))
	assert.True(t, alice.Position.Quote.Equal(d("-450")))
	f.assertBooksBalance(t)
}

func TestLiquidate_AmountBounds(t *testing.T) {
	f := newFixture(t)
	_, err := f.liquidate(t, "9", nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = f.liquidate(t, "0", nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestLiquidate_LiquidatorNeedsMargin(t *testing.T) {
	f := newFixture(t)
	poor := uuid.New()
	require.NoError(t, f.step(t, func() error {
		_, err := f.ledger.Deposit(poor, d("1"))
		return err
	}))
	err := f.step(t, func() error {
		_, err := f.engine.Liquidate(liquidation.LiquidateRequest{
			ReceiptID: uuid.New(), Liquidator: poor, Liquidatee: f.alice,
			Amount: d("8"), Timestamp: liqTime, GasPrice: gas, EscrowWindow: window,
		}, nil)
		return err
	})
	assert.ErrorIs(t, err, apperr.ErrBelowValidMargin)
}

func TestLiquidate_NegativeMarginDrawsPoolToFloor(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.step(t, func() error {
		_, err := f.pool.Stake(f.dave, d("30"))
		f.ledger.Journal().Transfer(ledger.WalletAccount, ledger.InsurancePoolAccount, d("30"), ledger.JournalTypePoolStake)
		return err
	}))

	f.price.p = d("70") // alice margin -600 + 560 = -40
	res, err := f.liquidate(t, "8", f.pool)
	require.NoError(t, err)

	r := res.Receipt
	assert.True(t, r.EscrowedAmount.IsZero())
	assert.True(t, r.PoolDrawn.Equal(d("30").Sub(fpmath.OneUnit)))
	assert.True(t, r.Shortfall.Equal(d("10").Add(fpmath.OneUnit)))
	assert.True(t, f.pool.Holdings().Equal(fpmath.OneUnit), "pool keeps the dust floor")

	v := ledger.NewInvariantValidator(f.ledger.Tracker())
	assert.NoError(t, v.ValidateSystemBalance(ledger.InsurancePoolAccount, f.pool.Holdings()))
	f.assertBooksBalance(t)
}

// ============================================================================
// Claims
// ============================================================================

func TestClaims_SlippageRefundThenEscrow(t *testing.T) {
	f := newFixture(t)
	res, err := f.liquidate(t, "8", nil)
	require.NoError(t, err)
	id := res.Receipt.ID

	// carol sells 8 at an average of 98.75
	g1 := f.addFill(t, f.dave, f.carol, "4", "99", liqTime.Add(time.Minute))
	g2 := f.addFill(t, f.dave, f.carol, "4", "98.5", liqTime.Add(2*time.Minute))

	claim, err := f.claim(t, id, f.carol, liqTime.Add(10*time.Minute), g1, g2)
	require.NoError(t, err)
	assert.True(t, claim.AvgSalePrice.Equal(d("98.75")))
	assert.True(t, claim.Loss.Equal(d("10")))
	assert.True(t, claim.Refund.Equal(d("8")))
	assert.Equal(t, liquidation.ReceiptStateLiquidatorClaimed, claim.Receipt.State)
	assert.True(t, claim.Receipt.EscrowRemaining.Equal(d("175.5616")))

	_, err = f.claim(t, id, f.carol, liqTime.Add(11*time.Minute), g1, g2)
	assert.ErrorIs(t, err, apperr.ErrAlreadyClaimed)

	_, err = f.claimEscrow(t, id, f.alice, liqTime.Add(899*time.Second))
	assert.ErrorIs(t, err, apperr.ErrEscrowNotReleased)

	paid, err := f.claimEscrow(t, id, f.alice, liqTime.Add(window))
	require.NoError(t, err)
	assert.True(t, paid.Refund.Equal(d("175.5616")))
	assert.Equal(t, liquidation.ReceiptStateLiquidateeClaimed, paid.Receipt.State)

	_, err = f.claimEscrow(t, id, f.alice, liqTime.Add(2*window))
	assert.ErrorIs(t, err, apperr.ErrEscrowAlreadyClaimed)

	alice, _ := f.ledger.Balance(f.alice)
	assert.True(t, alice.Position.Quote.Equal(d("175.5616")))
	f.assertBooksBalance(t)
}

func TestClaimReceipt_Rejections(t *testing.T) {
	f := newFixture(t)
	res, err := f.liquidate(t, "8", nil)
	require.NoError(t, err)
	id := res.Receipt.ID

	early := f.addFill(t, f.dave, f.carol, "8", "99", liqTime.Add(-time.Second))
	seven := f.addFill(t, f.dave, f.carol, "7", "99", liqTime.Add(time.Second))
	wrongSide := f.addFill(t, f.carol, f.dave, "8", "99", liqTime.Add(time.Second))
	good := f.addFill(t, f.dave, f.carol, "8", "99", liqTime.Add(time.Second))
	in := liqTime.Add(time.Minute)

	_, err = f.claim(t, id, f.dave, in, good)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.claim(t, id, f.carol, in, early)
	assert.ErrorIs(t, err, apperr.ErrOrderPredatesLiquidation)

	_, err = f.claim(t, id, f.carol, in, seven)
	assert.ErrorIs(t, err, apperr.ErrUnitMismatch)

	_, err = f.claim(t, id, f.carol, in, wrongSide)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.claim(t, id, f.carol, in, seven, seven)
	assert.ErrorIs(t, err, apperr.ErrFillAlreadyClaimed)

	_, err = f.claim(t, id, f.carol, in, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.claim(t, id, f.carol, liqTime.Add(window), good)
	assert.ErrorIs(t, err, apperr.ErrClaimWindowExpired)

	r, _ := f.engine.Receipt(id)
	assert.Equal(t, liquidation.ReceiptStateOpen, r.State, "rejected claims change nothing")
	assert.True(t, r.EscrowRemaining.Equal(d("183.5616")))
}

func TestClaimEscrow_OnlyLiquidatee(t *testing.T) {
	f := newFixture(t)
	res, err := f.liquidate(t, "8", nil)
	require.NoError(t, err)

	_, err = f.claimEscrow(t, res.Receipt.ID, f.carol, liqTime.Add(window))
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	paid, err := f.claimEscrow(t, res.Receipt.ID, f.alice, liqTime.Add(window))
	require.NoError(t, err)
	assert.True(t, paid.Refund.Equal(d("183.5616")), "unclaimed receipt returns all escrow")

	_, err = f.claim(t, res.Receipt.ID, f.carol, liqTime.Add(time.Minute))
	assert.ErrorIs(t, err, apperr.ErrAlreadyClaimed)
}

func TestPruneFills_KeepsFillsForOpenReceipts(t *testing.T) {
	f := newFixture(t)
	old := f.addFill(t, f.dave, f.carol, "1", "100", liqTime.Add(-time.Hour))
	_, err := f.liquidate(t, "8", nil)
	require.NoError(t, err)
	kept := f.addFill(t, f.dave, f.carol, "8", "99", liqTime.Add(time.Minute))

	assert.Equal(t, 1, f.engine.PruneFills(liqTime.Add(time.Hour)))
	_, ok := f.fills.Get(old)
	assert.False(t, ok)
	_, ok = f.fills.Get(kept)
	assert.True(t, ok)
}
