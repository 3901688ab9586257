// Package state composes one perpetual market: its margin ledger, pricing
// engine, liquidation receipts, optional insurance pool and token custody.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PerpEngine/internal/apperr"
	"PerpEngine/internal/event"
	"PerpEngine/internal/insurance"
	"PerpEngine/internal/ledger"
	"PerpEngine/internal/liquidation"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/pricing"
	"PerpEngine/internal/token"
)

// Custody roles used to derive the market's token addresses.
const (
	CustodyCollateral = "collateral"
	CustodyReward     = "reward"
)

// Tokens are the token ledgers a market moves. Either may be nil, which
// disables that token's I/O.
type Tokens struct {
	Collateral token.Ledger
	Reward     token.Ledger
}

// Payout is a token push owed once a command's state change is committed.
type Payout struct {
	Vault  token.Vault
	To     uuid.UUID
	Amount decimal.Decimal
}

// Market is the explicit context every operation of one market runs
// against. Not safe for concurrent use: the core serialises access.
type Market struct {
	params MarketParams

	feed         *oracle.Feed
	pricing      *pricing.Engine
	ledger       *ledger.Ledger
	fills        *liquidation.FillBook
	liquidations *liquidation.Engine
	pool         *insurance.Pool

	collateral *token.Vault
	reward     *token.Vault
	tokenIO    bool

	now     time.Time // market clock, never moves backwards
	prevNow time.Time
	effects []event.Effect
	payouts []Payout
}

// NewMarket builds an empty market. Token I/O starts enabled when a ledger
// is given.
func NewMarket(params MarketParams, tokens Tokens) (*Market, error) {
	if err := ValidateMarketParams(params); err != nil {
		return nil, fmt.Errorf("invalid params for %s: %w", params.MarketID, err)
	}
	m := &Market{
		params:  params,
		feed:    oracle.NewFeed(),
		pricing: pricing.NewEngine(params.PricingConfig()),
		fills:   liquidation.NewFillBook(),
		tokenIO: true,
	}
	m.ledger = ledger.New(m.pricing, m.pricing, params.RiskParams(), ledger.NewJournalGenerator())
	m.liquidations = liquidation.NewEngine(m.ledger, m.fills)
	if tokens.Collateral != nil {
		m.collateral = &token.Vault{Ledger: tokens.Collateral, Address: token.CustodyAddress(params.MarketID, CustodyCollateral)}
	}
	if tokens.Reward != nil {
		m.reward = &token.Vault{Ledger: tokens.Reward, Address: token.CustodyAddress(params.MarketID, CustodyReward)}
	}
	return m, nil
}

func (m *Market) ID() string                             { return m.params.MarketID }
func (m *Market) Now() time.Time                         { return m.now }
func (m *Market) Params() MarketParams                   { return m.params }
func (m *Market) Feed() *oracle.Feed                     { return m.feed }
func (m *Market) Pricing() *pricing.Engine               { return m.pricing }
func (m *Market) Ledger() *ledger.Ledger                 { return m.ledger }
func (m *Market) Liquidations() *liquidation.Engine      { return m.liquidations }
func (m *Market) Journal() *ledger.JournalGenerator      { return m.ledger.Journal() }
func (m *Market) CollateralCustody() (token.Vault, bool) { return vaultOf(m.collateral) }
func (m *Market) RewardCustody() (token.Vault, bool)     { return vaultOf(m.reward) }

func vaultOf(v *token.Vault) (token.Vault, bool) {
	if v == nil {
		return token.Vault{}, false
	}
	return *v, true
}

// Pool returns the insurance pool, if one was deployed.
func (m *Market) Pool() (*insurance.Pool, bool) { return m.pool, m.pool != nil }

// SetTokenIO turns token pulls and pushes on or off. Replay runs with it
// off since the token side effects already happened.
func (m *Market) SetTokenIO(enabled bool) { m.tokenIO = enabled }

// ============================================================================
// Command bracket
// ============================================================================

// Begin opens the journal batch for one command and returns the time the
// command runs at: ts, or the market clock when ts is behind it.
func (m *Market) Begin(ref string, sequence int64, ts time.Time) time.Time {
	m.prevNow = m.now
	if ts.Before(m.now) {
		ts = m.now
	}
	m.now = ts
	m.effects = m.effects[:0]
	m.ledger.Journal().Begin(ref, sequence, ts.UnixMicro())
	return ts
}

// Finish closes the batch and hands back what the command produced. A
// failed command's batch is returned too; the caller discards it. Payouts
// queued by a failed command are dropped.
func (m *Market) Finish(failed bool) (*ledger.Batch, []event.Effect) {
	batch := m.ledger.Journal().Finish()
	effects := m.effects
	m.effects = nil
	if failed {
		m.now = m.prevNow
		m.payouts = nil
		return batch, nil
	}
	return batch, effects
}

// TakePayouts returns and clears the queued token pushes.
func (m *Market) TakePayouts() []Payout {
	p := m.payouts
	m.payouts = nil
	return p
}

func (m *Market) emit(t event.EffectType, data any) {
	m.effects = append(m.effects, event.Effect{
		Type:      t,
		Market:    m.params.MarketID,
		Timestamp: m.now,
		Data:      data,
	})
}

func (m *Market) pull(ctx context.Context, v *token.Vault, from uuid.UUID, amount decimal.Decimal) error {
	if !m.tokenIO || v == nil {
		return nil
	}
	if err := v.Pull(ctx, from, amount); err != nil {
		return fmt.Errorf("pull %s: %w", v, err)
	}
	return nil
}

func (m *Market) push(v *token.Vault, to uuid.UUID, amount decimal.Decimal) {
	if !m.tokenIO || v == nil || !amount.IsPositive() {
		return
	}
	m.payouts = append(m.payouts, Payout{Vault: *v, To: to, Amount: amount})
}

func wad(d decimal.Decimal) fpmath.Wad     { return fpmath.NewWad(d) }
func price(d decimal.Decimal) fpmath.Price { return fpmath.NewPrice(d) }

// absorb routes settlement side effects: insurance funding is received by
// the pool and a changed settlement is announced.
func (m *Market) absorb(s ledger.Settlement) {
	if !s.Changed() {
		return
	}
	if m.pool != nil {
		m.pool.Receive(s.InsurancePaid)
	}
	m.emit(event.EffectFundingSettled, event.FundingSettled{
		User:          s.Account,
		FromIndex:     s.FromIndex,
		ToIndex:       s.ToIndex,
		FundingPaid:   wad(s.FundingPaid),
		InsurancePaid: wad(s.InsurancePaid),
	})
}

// ============================================================================
// Oracle and governance
// ============================================================================

// UpdateOracle records a new oracle price and gas price.
func (m *Market) UpdateOracle(p, gasPrice decimal.Decimal, sequence int64) error {
	if err := m.feed.Update(p, gasPrice, sequence, m.now); err != nil {
		return err
	}
	m.pricing.SetOraclePrice(m.feed.Price())
	m.emit(event.EffectOracleUpdated, event.OracleUpdated{Price: price(m.feed.Price()), GasPrice: wad(gasPrice)})
	return nil
}

func (m *Market) requireGovernance(op string, caller uuid.UUID) error {
	if caller != m.params.Governance {
		return apperr.New(apperr.KindOnlyGovernance, op, "caller %s is not governance", caller)
	}
	return nil
}

// UpdateParams applies a governance parameter change.
func (m *Market) UpdateParams(caller uuid.UUID, changes ParamChanges) (MarketParams, error) {
	if err := m.requireGovernance("setParams", caller); err != nil {
		return MarketParams{}, err
	}
	next := changes.Apply(m.params)
	if err := ValidateMarketParams(next); err != nil {
		return MarketParams{}, apperr.New(apperr.KindInvalidArgument, "setParams", "%v", err)
	}
	m.params = next
	m.ledger.SetRiskParams(next.RiskParams())
	m.pricing.SetConfig(next.PricingConfig())
	m.emit(event.EffectParamsUpdated, next)
	return next, nil
}

// ============================================================================
// Margin
// ============================================================================

func (m *Market) Deposit(ctx context.Context, user uuid.UUID, amount decimal.Decimal) (ledger.Account, error) {
	if !amount.IsPositive() {
		return ledger.Account{}, apperr.New(apperr.KindInvalidArgument, "deposit", "amount must be positive, got %s", amount)
	}
	if err := m.pull(ctx, m.collateral, user, amount); err != nil {
		return ledger.Account{}, err
	}
	a, err := m.ledger.Deposit(user, amount)
	if err != nil {
		return ledger.Account{}, err
	}
	m.emit(event.EffectDeposited, event.AccountAmount{User: user, Amount: wad(amount)})
	return a, nil
}

func (m *Market) Withdraw(user uuid.UUID, amount decimal.Decimal) (ledger.Settlement, error) {
	s, err := m.ledger.Withdraw(user, amount, m.feed.GasPriceInQuoteUnits())
	if err != nil {
		return ledger.Settlement{}, err
	}
	m.absorb(s)
	m.push(m.collateral, user, amount)
	m.emit(event.EffectWithdrawn, event.AccountAmount{User: user, Amount: wad(amount)})
	return s, nil
}

func (m *Market) Settle(user uuid.UUID) (ledger.Settlement, error) {
	s, err := m.ledger.Settle(user, m.feed.GasPriceInQuoteUnits())
	if err != nil {
		return ledger.Settlement{}, err
	}
	m.absorb(s)
	return s, nil
}

// ApplyFill books a matched trade, then records it with the pricing
// engine. A fill that opens a new hour appends a funding index and prunes
// fill history nobody can claim against any more.
func (m *Market) ApplyFill(f ledger.Fill) (ledger.FillResult, error) {
	const op = "applyFill"
	if !m.feed.Ready() {
		return ledger.FillResult{}, apperr.New(apperr.KindInvalidArgument, op, "market %s has no oracle price", m.ID())
	}
	if _, dup := m.fills.Get(f.ID); dup {
		return ledger.FillResult{}, apperr.New(apperr.KindInvalidArgument, op, "fill %s already applied", f.ID)
	}
	res, err := m.ledger.ApplyFill(f, m.feed.GasPriceInQuoteUnits())
	if err != nil {
		return ledger.FillResult{}, err
	}
	m.absorb(res.Long)
	m.absorb(res.Short)

	// Inputs were validated above, RecordTrade cannot reject here.
	roll, err := m.pricing.RecordTrade(f.Price, f.Amount, f.Timestamp, m.insuranceRate)
	if err != nil {
		panic(fmt.Sprintf("FATAL: pricing rejected a validated fill %s: %v", f.ID, err))
	}
	if err := m.fills.Add(liquidation.FillRecord{
		ID: f.ID, Long: f.Long, Short: f.Short, Amount: f.Amount, Price: f.Price, Timestamp: f.Timestamp,
	}); err != nil {
		panic(fmt.Sprintf("FATAL: fill %s recorded twice: %v", f.ID, err))
	}

	m.emit(event.EffectTradeApplied, event.TradeApplied{
		FillID: f.ID, Long: f.Long, Short: f.Short, Amount: wad(f.Amount), Price: price(f.Price),
	})
	if roll != nil {
		m.emit(event.EffectFundingIndexAppended, event.FundingIndexAppended{
			Index:                          roll.IndexNumber,
			Hour:                           roll.ToHour,
			FairPrice:                      price(roll.FairPrice),
			AvgTracerPrice:                 price(roll.AvgTracer),
			AvgOraclePrice:                 price(roll.AvgOracle),
			FundingRate:                    wad(roll.FundingRate),
			InsuranceRate:                  wad(roll.InsuranceRate),
			CumulativeFundingRate:          wad(roll.Index.CumulativeFundingRate),
			CumulativeInsuranceFundingRate: wad(roll.Index.CumulativeInsuranceFundingRate),
		})
		m.liquidations.PruneFills(f.Timestamp.Add(-m.params.EscrowWindow))
	}
	return res, nil
}

// insuranceRate is the insurance funding step for the next index. Without a
// pool nothing is charged.
func (m *Market) insuranceRate() decimal.Decimal {
	if m.pool == nil {
		return decimal.Zero
	}
	return m.pool.FundingRate(m.ledger.LeveragedNotional(), m.params.InsuranceSensitivity)
}

// ============================================================================
// Liquidation
// ============================================================================

func (m *Market) Liquidate(receiptID, liquidator, liquidatee uuid.UUID, amount decimal.Decimal) (liquidation.LiquidateResult, error) {
	var pool liquidation.Pool
	if m.pool != nil {
		pool = m.pool
	}
	res, err := m.liquidations.Liquidate(liquidation.LiquidateRequest{
		ReceiptID:    receiptID,
		Liquidator:   liquidator,
		Liquidatee:   liquidatee,
		Amount:       amount,
		Timestamp:    m.now,
		GasPrice:     m.feed.GasPriceInQuoteUnits(),
		EscrowWindow: m.params.EscrowWindow,
	}, pool)
	if err != nil {
		return liquidation.LiquidateResult{}, err
	}
	m.absorb(res.LiquidateeSettlement)
	m.absorb(res.LiquidatorSettlement)

	r := res.Receipt
	m.emit(event.EffectLiquidationRecorded, event.LiquidationRecorded{
		ReceiptID:  r.ID,
		Liquidator: r.Liquidator,
		Liquidatee: r.Liquidatee,
		Units:      wad(r.Units),
		Price:      price(r.Price),
		Escrowed:   wad(r.EscrowedAmount),
		PoolDrawn:  wad(r.PoolDrawn),
		Shortfall:  wad(r.Shortfall),
		ReleasesAt: r.ReleaseTimestamp,
	})
	if r.PoolDrawn.IsPositive() {
		m.emit(event.EffectPoolDrained, event.PoolHoldings{Amount: wad(r.PoolDrawn), Holdings: wad(m.pool.Holdings())})
	}
	return res, nil
}

func (m *Market) ClaimReceipt(receiptID, claimant uuid.UUID, fillIDs []uuid.UUID) (liquidation.ClaimResult, error) {
	res, err := m.liquidations.ClaimReceipt(liquidation.ClaimReceiptRequest{
		ReceiptID:   receiptID,
		Claimant:    claimant,
		FillIDs:     fillIDs,
		Timestamp:   m.now,
		MaxSlippage: m.params.MaxSlippage,
	})
	if err != nil {
		return liquidation.ClaimResult{}, err
	}
	m.emit(event.EffectReceiptClaimed, event.ReceiptClaimed{
		ReceiptID:    receiptID,
		Claimant:     claimant,
		Refund:       wad(res.Refund),
		AvgSalePrice: price(res.AvgSalePrice),
		Loss:         wad(res.Loss),
	})
	return res, nil
}

func (m *Market) ClaimEscrow(receiptID, claimant uuid.UUID) (liquidation.ClaimResult, error) {
	res, err := m.liquidations.ClaimEscrow(receiptID, claimant, m.now)
	if err != nil {
		return liquidation.ClaimResult{}, err
	}
	m.emit(event.EffectEscrowClaimed, event.EscrowClaimed{ReceiptID: receiptID, Claimant: claimant, Amount: wad(res.Refund)})
	return res, nil
}

// ============================================================================
// Insurance pool
// ============================================================================

// DeployPool creates the market's insurance pool.
func (m *Market) DeployPool(caller uuid.UUID) error {
	if err := m.requireGovernance("deployInsurancePool", caller); err != nil {
		return err
	}
	if m.pool != nil {
		return apperr.New(apperr.KindPoolAlreadyExists, "deployInsurancePool", "market %s already has a pool", m.ID())
	}
	m.pool = insurance.NewPool()
	m.emit(event.EffectPoolDeployed, event.PoolHoldings{})
	return nil
}

func (m *Market) requirePool(op string) (*insurance.Pool, error) {
	if m.pool == nil {
		return nil, apperr.New(apperr.KindPoolNotSupported, op, "market %s has no insurance pool", m.ID())
	}
	return m.pool, nil
}

// reconcile folds pending insurance funding into holdings and journals the
// move.
func (m *Market) reconcile(p *insurance.Pool) decimal.Decimal {
	moved := p.UpdatePoolAmount()
	if moved.IsPositive() {
		m.ledger.Journal().Transfer(ledger.InsuranceInflowAccount, ledger.InsurancePoolAccount, moved, ledger.JournalTypePoolReconcile)
		m.emit(event.EffectPoolReconciled, event.PoolHoldings{Amount: wad(moved), Holdings: wad(p.Holdings())})
	}
	return moved
}

// UpdatePoolAmount reconciles the pool. Nothing pending is a silent no-op.
func (m *Market) UpdatePoolAmount() (decimal.Decimal, error) {
	p, err := m.requirePool("updatePoolAmount")
	if err != nil {
		return decimal.Zero, err
	}
	return m.reconcile(p), nil
}

func (m *Market) PoolStake(ctx context.Context, user uuid.UUID, amount decimal.Decimal) (insurance.StakeResult, error) {
	const op = "stake"
	p, err := m.requirePool(op)
	if err != nil {
		return insurance.StakeResult{}, err
	}
	if _, err := p.PreviewStake(amount); err != nil {
		return insurance.StakeResult{}, err
	}
	if err := m.pull(ctx, m.collateral, user, amount); err != nil {
		return insurance.StakeResult{}, err
	}
	m.reconcile(p)
	res, err := p.Stake(user, amount)
	if err != nil {
		panic(fmt.Sprintf("FATAL: previewed stake rejected: %v", err))
	}
	m.ledger.Journal().Transfer(ledger.WalletAccount, ledger.InsurancePoolAccount, amount, ledger.JournalTypePoolStake)
	m.push(m.reward, user, res.RewardsPaid)
	m.emit(event.EffectPoolStaked, event.PoolTokens{
		User: user, Tokens: wad(res.Minted), Amount: wad(amount), Holdings: wad(p.Holdings()), Supply: wad(p.Supply()),
	})
	return res, nil
}

func (m *Market) PoolWithdraw(user uuid.UUID, tokens decimal.Decimal) (insurance.WithdrawResult, error) {
	p, err := m.requirePool("withdraw")
	if err != nil {
		return insurance.WithdrawResult{}, err
	}
	if err := p.CanWithdraw(user, tokens); err != nil {
		return insurance.WithdrawResult{}, err
	}
	m.reconcile(p)
	res, err := p.Withdraw(user, tokens)
	if err != nil {
		panic(fmt.Sprintf("FATAL: checked pool withdrawal rejected: %v", err))
	}
	m.ledger.Journal().Transfer(ledger.InsurancePoolAccount, ledger.WalletAccount, res.Returned, ledger.JournalTypePoolWithdraw)
	m.push(m.collateral, user, res.Returned)
	m.push(m.reward, user, res.RewardsPaid)
	m.emit(event.EffectPoolWithdrawn, event.PoolTokens{
		User: user, Tokens: wad(tokens), Amount: wad(res.Returned), Holdings: wad(p.Holdings()), Supply: wad(p.Supply()),
	})
	return res, nil
}

// PoolReward pulls reward tokens from caller and spreads them over pool
// token holders.
func (m *Market) PoolReward(ctx context.Context, caller uuid.UUID, amount decimal.Decimal) error {
	const op = "reward"
	p, err := m.requirePool(op)
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return apperr.New(apperr.KindInvalidArgument, op, "amount must be positive, got %s", amount)
	}
	if !p.Supply().IsPositive() {
		return apperr.New(apperr.KindInvalidArgument, op, "no pool tokens outstanding")
	}
	if err := m.pull(ctx, m.reward, caller, amount); err != nil {
		return err
	}
	if err := p.Reward(amount); err != nil {
		return err
	}
	m.emit(event.EffectPoolRewarded, event.AccountAmount{User: caller, Amount: wad(amount)})
	return nil
}

func (m *Market) PoolClaimRewards(user uuid.UUID) (decimal.Decimal, error) {
	p, err := m.requirePool("claimRewards")
	if err != nil {
		return decimal.Zero, err
	}
	paid := p.ClaimRewards(user)
	m.push(m.reward, user, paid)
	m.emit(event.EffectPoolRewardsClaimed, event.AccountAmount{User: user, Amount: wad(paid)})
	return paid, nil
}

func (m *Market) PoolTransfer(from, to uuid.UUID, tokens decimal.Decimal) (insurance.TransferResult, error) {
	p, err := m.requirePool("transfer")
	if err != nil {
		return insurance.TransferResult{}, err
	}
	res, err := p.Transfer(from, to, tokens)
	if err != nil {
		return insurance.TransferResult{}, err
	}
	m.push(m.reward, from, res.FromRewards)
	m.push(m.reward, to, res.ToRewards)
	m.emit(event.EffectPoolTransferred, event.PoolTransferred{From: from, To: to, Tokens: wad(tokens)})
	return res, nil
}

// ============================================================================
// Getters
// ============================================================================

func (m *Market) FairPrice() decimal.Decimal { return m.pricing.FairPrice() }

func (m *Market) LeveragedNotionalValue() decimal.Decimal { return m.ledger.LeveragedNotional() }

func (m *Market) PoolHoldings() (decimal.Decimal, error) {
	p, err := m.requirePool("getPoolHoldings")
	if err != nil {
		return decimal.Zero, err
	}
	return p.Holdings(), nil
}

func (m *Market) PoolTarget() (decimal.Decimal, error) {
	p, err := m.requirePool("getPoolTarget")
	if err != nil {
		return decimal.Zero, err
	}
	return p.Target(m.ledger.LeveragedNotional()), nil
}

func (m *Market) PoolFundingRate() (decimal.Decimal, error) {
	if _, err := m.requirePool("getPoolFundingRate"); err != nil {
		return decimal.Zero, err
	}
	return m.insuranceRate(), nil
}

func (m *Market) PoolUserBalance(user uuid.UUID) (decimal.Decimal, error) {
	p, err := m.requirePool("getPoolUserBalance")
	if err != nil {
		return decimal.Zero, err
	}
	return p.BalanceOf(user), nil
}

// ============================================================================
// Snapshots
// ============================================================================

// Snapshot is the full serialisable state of a market.
type Snapshot struct {
	Params       MarketParams         `json:"params"`
	Feed         oracle.Snapshot      `json:"feed"`
	Pricing      pricing.Snapshot     `json:"pricing"`
	Ledger       ledger.Snapshot      `json:"ledger"`
	Liquidations liquidation.Snapshot `json:"liquidations"`
	Pool         *insurance.Snapshot  `json:"pool,omitempty"`
	Clock        time.Time            `json:"clock"`
}

func (m *Market) Snapshot() Snapshot {
	s := Snapshot{
		Params:       m.params,
		Feed:         m.feed.Snapshot(),
		Pricing:      m.pricing.Snapshot(),
		Ledger:       m.ledger.Snapshot(),
		Liquidations: m.liquidations.Snapshot(),
		Clock:        m.now,
	}
	if m.pool != nil {
		ps := m.pool.Snapshot()
		s.Pool = &ps
	}
	return s
}

// RestoreMarket rebuilds a market from a snapshot.
func RestoreMarket(s Snapshot, tokens Tokens) (*Market, error) {
	m, err := NewMarket(s.Params, tokens)
	if err != nil {
		return nil, err
	}
	m.now = s.Clock
	m.feed.Restore(s.Feed)
	if err := m.pricing.Restore(s.Pricing); err != nil {
		return nil, err
	}
	m.ledger.Restore(s.Ledger)
	if err := m.liquidations.Restore(s.Liquidations); err != nil {
		return nil, err
	}
	if s.Pool != nil {
		m.pool = insurance.Restore(*s.Pool)
	}
	return m, nil
}
