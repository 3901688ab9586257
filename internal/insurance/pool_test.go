package insurance_test

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpEngine/internal/apperr"
	"PerpEngine/internal/insurance"
	fpmath "PerpEngine/internal/math"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ratio(p *insurance.Pool) decimal.Decimal {
	if p.Supply().IsZero() {
		return decimal.Zero
	}
	return p.Holdings().DivRound(p.Supply(), 40)
}

// ============================================================================
// Minting and burning
// ============================================================================

func TestStake_FirstStakerMintsOneToOne(t *testing.T) {
	p := insurance.NewPool()
	alice := uuid.New()

	res, err := p.Stake(alice, d("100"))
	require.NoError(t, err)
	assert.True(t, res.Minted.Equal(d("100")))
	assert.True(t, p.Holdings().Equal(d("100")))
	assert.True(t, p.Supply().Equal(d("100")))
}

func TestStake_MintsAtHoldingsRatio(t *testing.T) {
	p := insurance.NewPool()
	_, err := p.Stake(uuid.New(), d("100"))
	require.NoError(t, err)

	p.Receive(d("100"))
	assert.True(t, p.UpdatePoolAmount().Equal(d("100")))

	res, err := p.Stake(uuid.New(), d("50"))
	require.NoError(t, err)
	// 50 * 100 / 200
	assert.True(t, res.Minted.Equal(d("25")))
}

func TestStakeThenWithdraw_RoundTrip(t *testing.T) {
	p := insurance.NewPool()
	alice, bob := uuid.New(), uuid.New()
	_, err := p.Stake(alice, d("321.123456789"))
	require.NoError(t, err)

	res, err := p.Stake(bob, d("77.5"))
	require.NoError(t, err)
	out, err := p.Withdraw(bob, res.Minted)
	require.NoError(t, err)
	assert.True(t, out.Returned.Equal(d("77.5")), "got %s", out.Returned)

	out, err = p.Withdraw(alice, p.BalanceOf(alice))
	require.NoError(t, err)
	assert.True(t, out.Returned.Equal(d("321.123456789")))
	assert.True(t, p.Holdings().IsZero())
	assert.True(t, p.Supply().IsZero())
}

func TestStakeThenWithdraw_RoundTripAtRatio(t *testing.T) {
	p := insurance.NewPool()
	alice, bob := uuid.New(), uuid.New()
	_, err := p.Stake(alice, d("200"))
	require.NoError(t, err)
	p.Receive(d("100"))
	p.UpdatePoolAmount()

	// 300 held against 200 tokens: 100 * 200 / 300, truncated
	res, err := p.Stake(bob, d("100"))
	require.NoError(t, err)
	assert.Equal(t, "66.666666666666666666", res.Minted.String())

	// Both truncations favour the pool: one unit of bob's stake stays
	// behind for alice.
	out, err := p.Withdraw(bob, res.Minted)
	require.NoError(t, err)
	assert.Equal(t, "99.999999999999999999", out.Returned.String())
	assert.True(t, d("100").Sub(out.Returned).Equal(fpmath.OneUnit))
	assert.Equal(t, "300.000000000000000001", p.Holdings().String())
	assert.True(t, p.Supply().Equal(d("200")))
}

func TestWithdraw_Bounds(t *testing.T) {
	p := insurance.NewPool()
	alice := uuid.New()
	_, err := p.Stake(alice, d("10"))
	require.NoError(t, err)

	_, err = p.Withdraw(alice, d("0"))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = p.Withdraw(alice, d("10.000000000000000001"))
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)
	_, err = p.Withdraw(uuid.New(), d("1"))
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)
}

func TestRatio_NeverDecreasesWithoutDrain(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p := insurance.NewPool()
	holders := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	prev := decimal.Zero
	for i := 0; i < 500; i++ {
		h := holders[rng.Intn(len(holders))]
		switch rng.Intn(3) {
		case 0:
			amt := decimal.New(rng.Int63n(1_000_000_000)+1, -int32(rng.Intn(12)))
			_, _ = p.Stake(h, amt)
		case 1:
			bal := p.BalanceOf(h)
			if bal.IsPositive() {
				part := fpmath.Quantize(bal.Mul(decimal.NewFromFloat(rng.Float64())), fpmath.RoundDown)
				if part.IsPositive() {
					_, err := p.Withdraw(h, part)
					require.NoError(t, err)
				}
			}
		case 2:
			p.Receive(decimal.New(rng.Int63n(1000), -3))
			p.UpdatePoolAmount()
		}
		if p.Supply().IsZero() {
			prev = decimal.Zero
			continue
		}
		r := ratio(p)
		assert.True(t, r.GreaterThanOrEqual(prev), "step %d: ratio %s fell below %s", i, r, prev)
		prev = r
	}
}

// ============================================================================
// Holdings reconciliation and drain
// ============================================================================

func TestUpdatePoolAmount_Idempotent(t *testing.T) {
	p := insurance.NewPool()
	p.Receive(d("12.5"))
	assert.True(t, p.UpdatePoolAmount().Equal(d("12.5")))
	assert.True(t, p.UpdatePoolAmount().IsZero())
	assert.True(t, p.Holdings().Equal(d("12.5")))
}

func TestDrain_LeavesDustFloorWhileSupplyOutstanding(t *testing.T) {
	p := insurance.NewPool()
	_, err := p.Stake(uuid.New(), d("100"))
	require.NoError(t, err)

	drained := p.Drain(d("1000"))
	assert.True(t, drained.Equal(d("100").Sub(fpmath.OneUnit)))
	assert.True(t, p.Holdings().Equal(fpmath.OneUnit))

	assert.True(t, p.Drain(d("1")).IsZero(), "nothing below the floor")
	assert.True(t, p.Holdings().Equal(fpmath.OneUnit))
}

func TestDrain_PartialCover(t *testing.T) {
	p := insurance.NewPool()
	_, err := p.Stake(uuid.New(), d("100"))
	require.NoError(t, err)
	assert.True(t, p.Drain(d("30")).Equal(d("30")))
	assert.True(t, p.Holdings().Equal(d("70")))
}

func TestDrain_NoSupplyTakesEverything(t *testing.T) {
	p := insurance.NewPool()
	p.Receive(d("5"))
	p.UpdatePoolAmount()
	assert.True(t, p.Drain(d("9")).Equal(d("5")))
	assert.True(t, p.Holdings().IsZero())
}

// ============================================================================
// Target and funding rate
// ============================================================================

func TestTarget_OnePercentOfLeveragedNotional(t *testing.T) {
	p := insurance.NewPool()
	assert.True(t, p.Target(d("18000")).Equal(d("180")))
}

func TestFundingRate(t *testing.T) {
	p := insurance.NewPool()
	_, err := p.Stake(uuid.New(), d("80"))
	require.NoError(t, err)

	// k * (180 - 80) / 18000
	k := d("0.000036523")
	want := fpmath.MulDiv(k, d("100"), d("18000"))
	assert.True(t, p.FundingRate(d("18000"), k).Equal(want))

	_, err = p.Stake(uuid.New(), d("200"))
	require.NoError(t, err)
	assert.True(t, p.FundingRate(d("18000"), k).IsZero(), "funded pool charges nothing")
	assert.True(t, p.FundingRate(d("0"), k).IsZero())
}

// ============================================================================
// Rewards
// ============================================================================

func TestRewards_ProRataAndAutoClaim(t *testing.T) {
	p := insurance.NewPool()
	alice, bob := uuid.New(), uuid.New()
	_, err := p.Stake(alice, d("30"))
	require.NoError(t, err)
	_, err = p.Stake(bob, d("10"))
	require.NoError(t, err)

	require.NoError(t, p.Reward(d("8")))
	assert.True(t, p.Earned(alice).Equal(d("6")))
	assert.True(t, p.Earned(bob).Equal(d("2")))

	// staking again pays out first
	res, err := p.Stake(alice, d("10"))
	require.NoError(t, err)
	assert.True(t, res.RewardsPaid.Equal(d("6")))
	assert.True(t, p.Earned(alice).IsZero())

	// transfer settles both sides
	tr, err := p.Transfer(bob, alice, d("5"))
	require.NoError(t, err)
	assert.True(t, tr.FromRewards.Equal(d("2")))
	assert.True(t, tr.ToRewards.IsZero())

	require.NoError(t, p.Reward(d("10")))
	// alice 45 of 50 tokens
	assert.True(t, p.ClaimRewards(alice).Equal(d("9")))
	assert.True(t, p.ClaimRewards(alice).IsZero())
	assert.True(t, p.ClaimRewards(bob).Equal(d("1")))
}

func TestReward_RejectsEmptyPool(t *testing.T) {
	p := insurance.NewPool()
	assert.ErrorIs(t, p.Reward(d("1")), apperr.ErrInvalidArgument)
}

func TestSnapshotRestore(t *testing.T) {
	p := insurance.NewPool()
	alice := uuid.New()
	_, err := p.Stake(alice, d("30"))
	require.NoError(t, err)
	require.NoError(t, p.Reward(d("3")))
	p.Receive(d("1"))

	r := insurance.Restore(p.Snapshot())
	assert.True(t, r.Holdings().Equal(p.Holdings()))
	assert.True(t, r.Pending().Equal(d("1")))
	assert.True(t, r.Earned(alice).Equal(d("3")))
}
