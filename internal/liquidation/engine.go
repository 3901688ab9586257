// Package liquidation unwinds under-margined accounts, holds part of the
// liquidated margin in escrow and settles slippage and timeout claims
// against it.
package liquidation

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PerpEngine/internal/apperr"
	"PerpEngine/internal/ledger"
	fpmath "PerpEngine/internal/math"
)

// Pool is the insurance buffer drawn down for liquidation shortfalls.
type Pool interface {
	// Drainable reports how much Drain(amount) would release.
	Drainable(amount decimal.Decimal) decimal.Decimal
	Drain(amount decimal.Decimal) decimal.Decimal
}

// LiquidateRequest is a liquidation attempt.
type LiquidateRequest struct {
	ReceiptID    uuid.UUID
	Liquidator   uuid.UUID
	Liquidatee   uuid.UUID
	Amount       decimal.Decimal // base units to take over
	Timestamp    time.Time
	GasPrice     decimal.Decimal
	EscrowWindow time.Duration
}

// LiquidateResult reports a liquidation.
type LiquidateResult struct {
	Receipt              Receipt
	LiquidateeSettlement ledger.Settlement
	LiquidatorSettlement ledger.Settlement
}

// ClaimReceiptRequest is a liquidator's slippage claim.
type ClaimReceiptRequest struct {
	ReceiptID   uuid.UUID
	Claimant    uuid.UUID
	FillIDs     []uuid.UUID
	Timestamp   time.Time
	MaxSlippage decimal.Decimal // fraction in effect at claim time
}

// ClaimResult reports a paid claim.
type ClaimResult struct {
	Receipt      Receipt
	Refund       decimal.Decimal
	AvgSalePrice decimal.Decimal
	Loss         decimal.Decimal
}

// Engine owns the receipts of one market. Not safe for concurrent use.
type Engine struct {
	ledger   *ledger.Ledger
	fills    *FillBook
	receipts map[uuid.UUID]*Receipt
	// usedFills maps a fill to the receipt it was claimed against.
	usedFills map[uuid.UUID]uuid.UUID
}

func NewEngine(l *ledger.Ledger, fills *FillBook) *Engine {
	return &Engine{
		ledger:    l,
		fills:     fills,
		receipts:  make(map[uuid.UUID]*Receipt),
		usedFills: make(map[uuid.UUID]uuid.UUID),
	}
}

// Receipt returns a copy of a receipt.
func (e *Engine) Receipt(id uuid.UUID) (Receipt, error) {
	r, ok := e.receipts[id]
	if !ok {
		return Receipt{}, apperr.New(apperr.KindNotFound, "getLiquidationReceipt", "receipt %s", id)
	}
	return *r, nil
}

// EscrowHeld sums the escrow still owed across all receipts.
func (e *Engine) EscrowHeld() decimal.Decimal {
	sum := decimal.Zero
	for _, r := range e.receipts {
		sum = sum.Add(r.EscrowRemaining)
	}
	return sum
}

// Liquidate moves amount of the liquidatee's position, with the matching
// share of their quote, to the liquidator. The escrow is held back from
// the liquidator and any negative margin taken over is topped up from pool
// when one is given.
func (e *Engine) Liquidate(req LiquidateRequest, pool Pool) (LiquidateResult, error) {
	const op = "liquidate"
	if req.Liquidator == req.Liquidatee {
		return LiquidateResult{}, apperr.New(apperr.KindInvalidArgument, op, "cannot liquidate own account")
	}
	if _, exists := e.receipts[req.ReceiptID]; exists {
		return LiquidateResult{}, apperr.New(apperr.KindInvalidArgument, op, "receipt %s already exists", req.ReceiptID)
	}
	liquidatee, ok := e.ledger.Draft(req.Liquidatee)
	if !ok {
		return LiquidateResult{}, apperr.New(apperr.KindNotFound, op, "liquidatee %s", req.Liquidatee)
	}
	liquidator, ok := e.ledger.Draft(req.Liquidator)
	if !ok {
		return LiquidateResult{}, apperr.New(apperr.KindNotFound, op, "liquidator %s", req.Liquidator)
	}

	jg := e.ledger.Journal()
	mark := jg.Mark()
	fail := func(err error) (LiquidateResult, error) {
		jg.Rollback(mark)
		return LiquidateResult{}, err
	}

	res := LiquidateResult{
		LiquidateeSettlement: e.ledger.SettleDraft(&liquidatee, req.GasPrice),
		LiquidatorSettlement: e.ledger.SettleDraft(&liquidator, req.GasPrice),
	}

	fair := e.ledger.FairPrice()
	params := e.ledger.RiskParams()
	margin := ledger.Margin(liquidatee, fair)
	minMargin := ledger.MinMargin(liquidatee, fair, params)
	if margin.GreaterThanOrEqual(minMargin) {
		return fail(apperr.New(apperr.KindAboveMargin, op, "margin %s is not below minimum %s", margin, minMargin))
	}

	base := liquidatee.Position.Base
	if base.IsZero() {
		return fail(apperr.New(apperr.KindInvalidArgument, op, "liquidatee %s has no position", req.Liquidatee))
	}
	if !req.Amount.IsPositive() || req.Amount.GreaterThan(base.Abs()) {
		return fail(apperr.New(apperr.KindInvalidArgument, op, "amount %s outside (0, %s]", req.Amount, base.Abs()))
	}

	full := req.Amount.Equal(base.Abs())
	portion := func(v decimal.Decimal) decimal.Decimal {
		if full {
			return v
		}
		return fpmath.MulDiv(v, req.Amount, base.Abs())
	}

	baseMoved := req.Amount
	if base.IsNegative() {
		baseMoved = baseMoved.Neg()
	}
	quoteMoved := portion(liquidatee.Position.Quote)
	escrow := portion(EscrowAmount(margin, minMargin))

	liquidatee.Position.Base = liquidatee.Position.Base.Sub(baseMoved)
	liquidatee.Position.Quote = liquidatee.Position.Quote.Sub(quoteMoved)
	liquidator.Position.Base = liquidator.Position.Base.Add(baseMoved)
	liquidator.Position.Quote = liquidator.Position.Quote.Add(quoteMoved).Sub(escrow)

	// Negative margin taken over is covered by the pool down to its floor;
	// whatever remains is socialised.
	deficit := decimal.Zero
	if takenMargin := portion(margin); takenMargin.IsNegative() {
		deficit = takenMargin.Neg()
	}
	drawn := decimal.Zero
	if deficit.IsPositive() && pool != nil {
		drawn = pool.Drainable(deficit)
	}
	liquidator.Position.Quote = liquidator.Position.Quote.Add(drawn)

	if !ledger.MarginIsValid(liquidator, fair, params) {
		return fail(apperr.New(apperr.KindBelowValidMargin, op, "liquidator %s margin %s below minimum %s",
			req.Liquidator, ledger.Margin(liquidator, fair), ledger.MinMargin(liquidator, fair, params)))
	}

	jg.Transfer(ledger.NewUserAccountKey(req.Liquidatee), ledger.NewUserAccountKey(req.Liquidator), quoteMoved, ledger.JournalTypeLiquidationTransfer)
	jg.Transfer(ledger.NewUserAccountKey(req.Liquidator), ledger.EscrowAccount, escrow, ledger.JournalTypeEscrowHold)
	if drawn.IsPositive() {
		pool.Drain(drawn)
		jg.Transfer(ledger.InsurancePoolAccount, ledger.NewUserAccountKey(req.Liquidator), drawn, ledger.JournalTypeInsuranceDrawdown)
	}
	e.ledger.Commit(liquidatee)
	e.ledger.Commit(liquidator)

	r := &Receipt{
		ID:                   req.ReceiptID,
		Liquidator:           req.Liquidator,
		Liquidatee:           req.Liquidatee,
		Price:                fair,
		Units:                req.Amount,
		LiquidatedLong:       base.IsPositive(),
		EscrowedAmount:       escrow,
		EscrowRemaining:      escrow,
		LiquidationTimestamp: req.Timestamp,
		ReleaseTimestamp:     req.Timestamp.Add(req.EscrowWindow),
		UnitsSold:            decimal.Zero,
		State:                ReceiptStateOpen,
		LiquidatorRefund:     decimal.Zero,
		LiquidateeRefund:     decimal.Zero,
		PoolDrawn:            drawn,
		Shortfall:            deficit.Sub(drawn),
	}
	e.receipts[r.ID] = r
	res.Receipt = *r
	return res, nil
}

// ClaimReceipt refunds the liquidator's unwind slippage from escrow. It is
// allowed once, before release, and only for fills executed after the
// liquidation that sell exactly the liquidated units.
func (e *Engine) ClaimReceipt(req ClaimReceiptRequest) (ClaimResult, error) {
	const op = "claimReceipts"
	r, ok := e.receipts[req.ReceiptID]
	if !ok {
		return ClaimResult{}, apperr.New(apperr.KindNotFound, op, "receipt %s", req.ReceiptID)
	}
	if req.Claimant != r.Liquidator {
		return ClaimResult{}, apperr.New(apperr.KindUnauthorized, op, "only the liquidator may claim receipt %s", r.ID)
	}
	if !r.State.CanTransitionTo(ReceiptStateLiquidatorClaimed) {
		return ClaimResult{}, apperr.New(apperr.KindAlreadyClaimed, op, "receipt %s is %s", r.ID, r.State)
	}
	if !req.Timestamp.Before(r.ReleaseTimestamp) {
		return ClaimResult{}, apperr.New(apperr.KindClaimWindowExpired, op, "window closed at %s", r.ReleaseTimestamp.Format(time.RFC3339))
	}
	if len(req.FillIDs) == 0 {
		return ClaimResult{}, apperr.New(apperr.KindUnitMismatch, op, "no fills given for %s units", r.Units)
	}

	units, value := decimal.Zero, decimal.Zero
	seen := make(map[uuid.UUID]struct{}, len(req.FillIDs))
	for _, id := range req.FillIDs {
		f, ok := e.fills.Get(id)
		if !ok {
			return ClaimResult{}, apperr.New(apperr.KindNotFound, op, "fill %s", id)
		}
		if _, dup := seen[id]; dup {
			return ClaimResult{}, apperr.New(apperr.KindFillAlreadyClaimed, op, "fill %s listed twice", id)
		}
		if other, used := e.usedFills[id]; used {
			return ClaimResult{}, apperr.New(apperr.KindFillAlreadyClaimed, op, "fill %s backs receipt %s", id, other)
		}
		seen[id] = struct{}{}
		if f.Timestamp.Before(r.LiquidationTimestamp) {
			return ClaimResult{}, apperr.New(apperr.KindOrderPredatesLiquidation, op, "fill %s at %s", id, f.Timestamp.Format(time.RFC3339))
		}
		seller := f.Short
		if !r.LiquidatedLong {
			seller = f.Long
		}
		if seller != r.Liquidator {
			return ClaimResult{}, apperr.New(apperr.KindUnauthorized, op, "fill %s does not unwind the liquidator's position", id)
		}
		units = units.Add(f.Amount)
		value = value.Add(f.Amount.Mul(f.Price))
	}
	if !units.Equal(r.Units) {
		return ClaimResult{}, apperr.New(apperr.KindUnitMismatch, op, "fills sell %s, receipt has %s", units, r.Units)
	}

	avg := fpmath.Div(value, units)
	loss := SlippageLoss(r.LiquidatedLong, r.Price, avg, units)
	refund := Refund(loss, r.EscrowRemaining, req.MaxSlippage, r.Notional())

	e.release(r.Liquidator, refund)
	r.EscrowRemaining = r.EscrowRemaining.Sub(refund)
	r.UnitsSold = units
	r.LiquidatorRefund = refund
	r.State = ReceiptStateLiquidatorClaimed
	r.ClaimedFills = append([]uuid.UUID(nil), req.FillIDs...)
	for _, id := range req.FillIDs {
		e.usedFills[id] = r.ID
	}
	return ClaimResult{Receipt: *r, Refund: refund, AvgSalePrice: avg, Loss: loss}, nil
}

// ClaimEscrow pays the liquidatee whatever escrow remains once the receipt
// is released.
func (e *Engine) ClaimEscrow(receiptID, claimant uuid.UUID, ts time.Time) (ClaimResult, error) {
	const op = "claimEscrow"
	r, ok := e.receipts[receiptID]
	if !ok {
		return ClaimResult{}, apperr.New(apperr.KindNotFound, op, "receipt %s", receiptID)
	}
	if claimant != r.Liquidatee {
		return ClaimResult{}, apperr.New(apperr.KindUnauthorized, op, "only the liquidatee may claim escrow of %s", r.ID)
	}
	if !r.State.CanTransitionTo(ReceiptStateLiquidateeClaimed) {
		return ClaimResult{}, apperr.New(apperr.KindEscrowAlreadyClaimed, op, "receipt %s is %s", r.ID, r.State)
	}
	if ts.Before(r.ReleaseTimestamp) {
		return ClaimResult{}, apperr.New(apperr.KindEscrowNotReleased, op, "releases at %s", r.ReleaseTimestamp.Format(time.RFC3339))
	}

	amount := r.EscrowRemaining
	e.release(r.Liquidatee, amount)
	r.EscrowRemaining = decimal.Zero
	r.LiquidateeRefund = amount
	r.State = ReceiptStateLiquidateeClaimed
	return ClaimResult{Receipt: *r, Refund: amount}, nil
}

// release credits amount of escrow to an account.
func (e *Engine) release(to uuid.UUID, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	a, _ := e.ledger.Draft(to)
	a.Position.Quote = a.Position.Quote.Add(amount)
	e.ledger.Journal().Transfer(ledger.EscrowAccount, ledger.NewUserAccountKey(to), amount, ledger.JournalTypeEscrowRelease)
	e.ledger.Commit(a)
}

// PruneFills drops fills no open receipt can still claim: anything older
// than both now and the earliest open liquidation.
func (e *Engine) PruneFills(now time.Time) int {
	cutoff := now
	for _, r := range e.receipts {
		if r.State == ReceiptStateOpen && r.LiquidationTimestamp.Before(cutoff) {
			cutoff = r.LiquidationTimestamp
		}
	}
	dropped := e.fills.Prune(cutoff)
	for _, id := range dropped {
		delete(e.usedFills, id)
	}
	return len(dropped)
}

// ============================================================================
// Snapshots
// ============================================================================

type Snapshot struct {
	Receipts []Receipt    `json:"receipts"`
	Fills    []FillRecord `json:"fills"`
}

func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{Fills: e.fills.All()}
	for _, r := range e.receipts {
		s.Receipts = append(s.Receipts, *r)
	}
	sort.Slice(s.Receipts, func(i, j int) bool {
		return s.Receipts[i].ID.String() < s.Receipts[j].ID.String()
	})
	return s
}

func (e *Engine) Restore(s Snapshot) error {
	e.receipts = make(map[uuid.UUID]*Receipt, len(s.Receipts))
	e.usedFills = make(map[uuid.UUID]uuid.UUID)
	for i := range s.Receipts {
		r := s.Receipts[i]
		e.receipts[r.ID] = &r
		for _, id := range r.ClaimedFills {
			e.usedFills[id] = r.ID
		}
	}
	e.fills.fills = make(map[uuid.UUID]FillRecord, len(s.Fills))
	for _, f := range s.Fills {
		if err := e.fills.Add(f); err != nil {
			return err
		}
	}
	return nil
}
