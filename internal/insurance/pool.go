// Package insurance implements a market's insurance pool: stakers deposit
// collateral for pool tokens, the pool absorbs liquidation shortfalls and
// pays out a separate reward token pro rata.
package insurance

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PerpEngine/internal/apperr"
	fpmath "PerpEngine/internal/math"
)

// rewardPlaces is the precision of the per-token reward accumulator.
const rewardPlaces = 36

// TargetFraction of market leveraged notional the pool aims to hold.
var TargetFraction = decimal.New(1, -2)

// Pool is one market's insurance pool. Not safe for concurrent use.
type Pool struct {
	holdings decimal.Decimal
	supply   decimal.Decimal
	// pending is collateral received from insurance funding that has not
	// been folded into holdings yet.
	pending decimal.Decimal

	balances map[uuid.UUID]decimal.Decimal

	// Every balance change claims first, so a holder's earnings are always
	// balance * (stored - paid) and nothing accrues between claims.
	rewardPerTokenStored decimal.Decimal
	rewardPerTokenPaid   map[uuid.UUID]decimal.Decimal
}

func NewPool() *Pool {
	return &Pool{
		balances:           make(map[uuid.UUID]decimal.Decimal),
		rewardPerTokenPaid: make(map[uuid.UUID]decimal.Decimal),
	}
}

func (p *Pool) Holdings() decimal.Decimal { return p.holdings }
func (p *Pool) Supply() decimal.Decimal   { return p.supply }
func (p *Pool) Pending() decimal.Decimal  { return p.pending }

func (p *Pool) BalanceOf(holder uuid.UUID) decimal.Decimal { return p.balances[holder] }

// Target is 1% of the market's leveraged notional.
func (p *Pool) Target(leveragedNotional decimal.Decimal) decimal.Decimal {
	return fpmath.Quantize(leveragedNotional.Mul(TargetFraction), fpmath.RoundDown)
}

// FundingRate is the insurance rate charged per funding step to close the
// gap between holdings and target.
func (p *Pool) FundingRate(leveragedNotional, sensitivity decimal.Decimal) decimal.Decimal {
	return fpmath.InsuranceRateStep(sensitivity, p.Target(leveragedNotional), p.holdings, leveragedNotional)
}

// ============================================================================
// Staking
// ============================================================================

// StakeResult reports a stake.
type StakeResult struct {
	Minted      decimal.Decimal
	RewardsPaid decimal.Decimal
}

// PreviewStake reports how many pool tokens Stake(amount) would mint once
// pending collateral has been folded into holdings.
func (p *Pool) PreviewStake(amount decimal.Decimal) (decimal.Decimal, error) {
	return p.mintFor(amount, p.holdings.Add(p.pending))
}

func (p *Pool) mintFor(amount, holdings decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, apperr.New(apperr.KindInvalidArgument, "stake", "amount must be positive, got %s", amount)
	}
	minted := amount
	if p.supply.IsPositive() {
		if !holdings.IsPositive() {
			return decimal.Zero, apperr.New(apperr.KindInvalidArgument, "stake", "pool has supply %s but no holdings", p.supply)
		}
		minted = fpmath.MulDiv(amount, p.supply, holdings)
	}
	if !minted.IsPositive() {
		return decimal.Zero, apperr.New(apperr.KindInvalidArgument, "stake", "amount %s mints no pool tokens", amount)
	}
	return minted, nil
}

// Stake adds amount of collateral and mints pool tokens at the current
// holdings/supply ratio, rounding down in favour of the pool.
func (p *Pool) Stake(staker uuid.UUID, amount decimal.Decimal) (StakeResult, error) {
	minted, err := p.mintFor(amount, p.holdings)
	if err != nil {
		return StakeResult{}, err
	}
	paid := p.claim(staker)
	p.balances[staker] = p.balances[staker].Add(minted)
	p.supply = p.supply.Add(minted)
	p.holdings = p.holdings.Add(amount)
	return StakeResult{Minted: minted, RewardsPaid: paid}, nil
}

// WithdrawResult reports a pool withdrawal.
type WithdrawResult struct {
	Returned    decimal.Decimal
	RewardsPaid decimal.Decimal
}

// CanWithdraw checks a withdrawal of tokens by holder without changing
// anything.
func (p *Pool) CanWithdraw(holder uuid.UUID, tokens decimal.Decimal) error {
	if !tokens.IsPositive() {
		return apperr.New(apperr.KindInvalidArgument, "withdraw", "amount must be positive, got %s", tokens)
	}
	if bal := p.balances[holder]; tokens.GreaterThan(bal) {
		return apperr.New(apperr.KindInsufficientBalance, "withdraw", "holds %s pool tokens, requested %s", bal, tokens)
	}
	return nil
}

// Withdraw burns tokens and returns their share of holdings, rounding down.
func (p *Pool) Withdraw(staker uuid.UUID, tokens decimal.Decimal) (WithdrawResult, error) {
	if err := p.CanWithdraw(staker, tokens); err != nil {
		return WithdrawResult{}, err
	}
	returned := fpmath.MulDiv(tokens, p.holdings, p.supply)
	paid := p.claim(staker)
	p.balances[staker] = p.balances[staker].Sub(tokens)
	p.supply = p.supply.Sub(tokens)
	p.holdings = p.holdings.Sub(returned)
	return WithdrawResult{Returned: returned, RewardsPaid: paid}, nil
}

// TransferResult reports rewards settled for both sides of a pool token
// transfer.
type TransferResult struct {
	FromRewards decimal.Decimal
	ToRewards   decimal.Decimal
}

// Transfer moves pool tokens between holders, settling both holders'
// rewards at the old balances first.
func (p *Pool) Transfer(from, to uuid.UUID, tokens decimal.Decimal) (TransferResult, error) {
	if !tokens.IsPositive() {
		return TransferResult{}, apperr.New(apperr.KindInvalidArgument, "transfer", "amount must be positive, got %s", tokens)
	}
	bal := p.balances[from]
	if tokens.GreaterThan(bal) {
		return TransferResult{}, apperr.New(apperr.KindInsufficientBalance, "transfer",
			"holds %s pool tokens, requested %s", bal, tokens)
	}
	res := TransferResult{FromRewards: p.claim(from)}
	if to != from {
		res.ToRewards = p.claim(to)
	} else {
		res.ToRewards = decimal.Zero
	}
	p.balances[from] = bal.Sub(tokens)
	p.balances[to] = p.balances[to].Add(tokens)
	return res, nil
}

// ============================================================================
// Holdings
// ============================================================================

// Receive books collateral that arrived outside staking. It becomes part of
// holdings at the next UpdatePoolAmount.
func (p *Pool) Receive(amount decimal.Decimal) {
	if amount.IsPositive() {
		p.pending = p.pending.Add(amount)
	}
}

// UpdatePoolAmount folds pending collateral into holdings and returns how
// much moved. A second call with nothing pending moves nothing.
func (p *Pool) UpdatePoolAmount() decimal.Decimal {
	moved := p.pending
	p.holdings = p.holdings.Add(moved)
	p.pending = decimal.Zero
	return moved
}

// Drainable reports how much Drain(amount) would take.
func (p *Pool) Drainable(amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	available := p.holdings
	if p.supply.IsPositive() {
		available = available.Sub(fpmath.OneUnit)
	}
	if !available.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(amount, available)
}

// Drain takes up to amount from holdings to cover a liquidation shortfall.
// While pool tokens are outstanding at least one unit is left behind.
func (p *Pool) Drain(amount decimal.Decimal) decimal.Decimal {
	drained := p.Drainable(amount)
	p.holdings = p.holdings.Sub(drained)
	return drained
}

// ============================================================================
// Rewards
// ============================================================================

// Reward distributes amount of reward token over current pool tokens.
func (p *Pool) Reward(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.New(apperr.KindInvalidArgument, "reward", "amount must be positive, got %s", amount)
	}
	if !p.supply.IsPositive() {
		return apperr.New(apperr.KindInvalidArgument, "reward", "no pool tokens outstanding")
	}
	perToken, _ := amount.QuoRem(p.supply, rewardPlaces)
	p.rewardPerTokenStored = p.rewardPerTokenStored.Add(perToken)
	return nil
}

// Earned is the reward a holder could claim now.
func (p *Pool) Earned(holder uuid.UUID) decimal.Decimal {
	delta := p.rewardPerTokenStored.Sub(p.rewardPerTokenPaid[holder])
	return fpmath.Quantize(p.balances[holder].Mul(delta), fpmath.RoundDown)
}

// ClaimRewards pays out everything the holder has earned.
func (p *Pool) ClaimRewards(holder uuid.UUID) decimal.Decimal {
	return p.claim(holder)
}

func (p *Pool) claim(holder uuid.UUID) decimal.Decimal {
	earned := p.Earned(holder)
	p.rewardPerTokenPaid[holder] = p.rewardPerTokenStored
	return earned
}

// ============================================================================
// Snapshots
// ============================================================================

type HolderSnapshot struct {
	Holder             uuid.UUID       `json:"holder"`
	Balance            decimal.Decimal `json:"balance"`
	RewardPerTokenPaid decimal.Decimal `json:"reward_per_token_paid"`
}

type Snapshot struct {
	Holdings             decimal.Decimal  `json:"holdings"`
	Supply               decimal.Decimal  `json:"supply"`
	Pending              decimal.Decimal  `json:"pending"`
	RewardPerTokenStored decimal.Decimal  `json:"reward_per_token_stored"`
	Holders              []HolderSnapshot `json:"holders"`
}

func (p *Pool) Snapshot() Snapshot {
	seen := make(map[uuid.UUID]struct{})
	for id := range p.balances {
		seen[id] = struct{}{}
	}
	for id := range p.rewardPerTokenPaid {
		seen[id] = struct{}{}
	}
	s := Snapshot{
		Holdings:             p.holdings,
		Supply:               p.supply,
		Pending:              p.pending,
		RewardPerTokenStored: p.rewardPerTokenStored,
	}
	for id := range seen {
		s.Holders = append(s.Holders, HolderSnapshot{
			Holder:             id,
			Balance:            p.balances[id],
			RewardPerTokenPaid: p.rewardPerTokenPaid[id],
		})
	}
	sort.Slice(s.Holders, func(i, j int) bool {
		return s.Holders[i].Holder.String() < s.Holders[j].Holder.String()
	})
	return s
}

func Restore(s Snapshot) *Pool {
	p := NewPool()
	p.holdings = s.Holdings
	p.supply = s.Supply
	p.pending = s.Pending
	p.rewardPerTokenStored = s.RewardPerTokenStored
	for _, h := range s.Holders {
		p.balances[h.Holder] = h.Balance
		p.rewardPerTokenPaid[h.Holder] = h.RewardPerTokenPaid
	}
	return p
}
