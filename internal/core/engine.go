package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PerpEngine/internal/apperr"
	"PerpEngine/internal/event"
	"PerpEngine/internal/ledger"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/state"
)

// DefaultGlobalCheckInterval is how often, in events, the full-ledger
// invariants are re-verified.
const DefaultGlobalCheckInterval = 1000

// DeterministicCore is the single-threaded event processor of one market.
// Every state change goes through ProcessEvent, which never reads the wall
// clock for state: all timestamps are versioned inputs.
type DeterministicCore struct {
	market            *state.Market
	sequence          int64 // next sequence to assign
	hasher            *StateHasher
	validator         *ledger.InvariantValidator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	log               zerolog.Logger
	checkInterval     int64

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	payouts   []state.Payout
	replaying bool

	// stop is closed when the engine shuts down. A core that could not hand
	// an applied event to persistence is halted for good.
	stop   <-chan struct{}
	halted bool
}

// CoreOutput is what one applied event produces for persistence and
// projections.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	Effects    []event.Effect
	StateDelta []byte
}

// Result reports how an event was handled.
type Result struct {
	Sequence  int64          `json:"sequence"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Stale     bool           `json:"stale,omitempty"`
	StateHash string         `json:"state_hash,omitempty"`
	Effects   []event.Effect `json:"effects,omitempty"`
	Value     any            `json:"value,omitempty"`
}

// Options configures a core. Zero values pick defaults.
type Options struct {
	IdempotencyCapacity int
	GlobalCheckInterval int64
	DBChecker           DBIdempotencyChecker
	Metrics             *observability.Metrics
	Logger              zerolog.Logger
}

func NewDeterministicCore(
	market *state.Market,
	persistChan, projectionChan chan<- CoreOutput,
	opts Options,
) (*DeterministicCore, error) {
	if opts.IdempotencyCapacity <= 0 {
		opts.IdempotencyCapacity = 1_000_000
	}
	if opts.GlobalCheckInterval <= 0 {
		opts.GlobalCheckInterval = DefaultGlobalCheckInterval
	}
	idem, err := NewIdempotencyChecker(market.ID(), opts.IdempotencyCapacity, opts.DBChecker, opts.Metrics)
	if err != nil {
		return nil, err
	}
	return &DeterministicCore{
		market:            market,
		sequence:          1,
		hasher:            NewStateHasher(market.ID()),
		validator:         ledger.NewInvariantValidator(market.Ledger().Tracker()),
		idempotency:       idem,
		sequenceValidator: NewSequenceValidator(opts.Metrics),
		metrics:           opts.Metrics,
		log:               opts.Logger.With().Str("market", market.ID()).Logger(),
		checkInterval:     opts.GlobalCheckInterval,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}, nil
}

func (c *DeterministicCore) Market() *state.Market { return c.market }

// GetSequence returns the last assigned sequence number.
func (c *DeterministicCore) GetSequence() int64 { return c.sequence - 1 }

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte { return c.hasher.GetPrevHash() }

// WarmIdempotency preloads composite dedup keys, oldest first.
func (c *DeterministicCore) WarmIdempotency(keys []string) { c.idempotency.Warm(keys) }

// PendingPayouts returns token pushes still waiting for a retry.
func (c *DeterministicCore) PendingPayouts() int { return len(c.payouts) }

// ProcessEvent is the main processing pipeline
func (c *DeterministicCore) ProcessEvent(ctx context.Context, evt event.Event) (Result, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()
	market := c.market.ID()

	if c.halted {
		return Result{}, ErrEngineStopped
	}
	if evt.MarketID() != market {
		return Result{}, apperr.New(apperr.KindInvalidArgument, eventType, "event for market %q sent to %q", evt.MarketID(), market)
	}

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation. Fills are gapless, oracle updates
	// tolerate gaps and drop stale values. Partitions only advance once the
	// event is applied.
	switch e := evt.(type) {
	case *event.TradeFill, *event.FillRejected:
		if err := c.sequenceValidator.ValidateSequence(fillPartition(market), evt.SourceSequence(), isDuplicate); err != nil {
			c.reject(eventType, "sequence")
			return Result{}, fmt.Errorf("%w: %w", apperr.New(apperr.KindInvalidArgument, eventType, "source sequence rejected"), err)
		}
	case *event.OracleUpdate:
		if !isDuplicate && c.sequenceValidator.ValidateOracleSequence(market, e.PriceSequence) {
			c.reject(eventType, "stale")
			return Result{Stale: true}, nil
		}
	}

	if isDuplicate {
		c.reject(eventType, "duplicate")
		return Result{Duplicate: true}, nil
	}

	// Step 3: Dispatch against the market inside one journal batch.
	// The market clock never runs backwards: an event stamped behind it
	// runs at the clock.
	sequence := c.sequence
	at := c.market.Begin(idempotencyKey, sequence, evt.Time())
	value, err := c.dispatch(ctx, evt)
	batch, effects := c.market.Finish(err != nil)
	if err != nil {
		c.reject(eventType, string(apperr.KindOf(err)))
		if fill, ok := evt.(*event.TradeFill); ok {
			c.recordRejectedFill(ctx, fill, err)
		}
		return Result{}, err
	}
	c.advanceSource(evt)

	// Step 4: Validate and apply the batch.
	if err := c.validator.ValidateBatchBalance(batch); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}
	if err := c.market.Ledger().Tracker().ApplyBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: apply batch failed: %v", err))
	}

	// Step 5: Post-checks
	if err := c.postCheckInvariants(batch, sequence); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated at %s seq %d: %v", market, sequence, err))
	}

	// Step 6: State hash chain
	stateDigest := c.computeStateDigest(batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(sequence, stateDigest)

	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot encode applied event %s: %v", idempotencyKey, err))
	}
	envelope := &event.EventEnvelope{
		Sequence:       sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		MarketID:       market,
		Timestamp:      at,
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	for i := range effects {
		effects[i].Sequence = sequence
	}
	c.sequence++

	// Step 7: Emit outputs
	var emitErr error
	if !c.replaying {
		output := CoreOutput{Envelope: envelope, Batch: batch, Effects: effects, StateDelta: stateDigest}
		if emitErr = c.emit(output); emitErr != nil {
			// Logging anything after this event would leave a hole in the
			// log. Its payouts are dropped with it.
			c.halted = true
			c.market.TakePayouts()
			c.log.Error().Err(emitErr).
				Int64("sequence", sequence).
				Str("key", idempotencyKey).
				Msg("core halted: applied event was not persisted")
		} else {
			c.flushPayouts(ctx)
		}
	}

	// Step 8: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)
	if emitErr != nil {
		return Result{}, emitErr
	}

	c.observe(eventType, batch, effects, start)

	return Result{
		Sequence:  sequence,
		StateHash: fmt.Sprintf("%x", stateHash),
		Effects:   effects,
		Value:     value,
	}, nil
}

// emit sends to persistence and projections. Persistence is a blocking
// send: the core stalls until the writer drains, whatever the caller's
// context does. Only engine shutdown ends the wait. Projections drop on
// full since they can be rebuilt from the event log.
func (c *DeterministicCore) emit(output CoreOutput) error {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			select {
			case c.persistChan <- output:
			case <-c.stop:
				return fmt.Errorf("persist seq %d: %w", output.Envelope.Sequence, ErrEngineStopped)
			}
		}
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues(c.market.ID()).Inc()
			}
		}
	}
	return nil
}

// flushPayouts pushes owed tokens. Failures stay queued and are retried
// after the next event.
func (c *DeterministicCore) flushPayouts(ctx context.Context) {
	c.payouts = append(c.payouts, c.market.TakePayouts()...)
	remaining := c.payouts[:0]
	for _, p := range c.payouts {
		if err := p.Vault.Push(ctx, p.To, p.Amount); err != nil {
			c.log.Error().Err(err).
				Str("vault", p.Vault.String()).
				Str("to", p.To.String()).
				Str("amount", p.Amount.String()).
				Msg("token payout failed, will retry")
			if c.metrics != nil {
				c.metrics.TokenPayoutFailure.WithLabelValues(c.market.ID(), p.Vault.Ledger.Symbol()).Inc()
			}
			remaining = append(remaining, p)
		}
	}
	c.payouts = remaining
}

// recordRejectedFill logs a fill the market refused so that its source
// sequence is consumed in the log as well as in memory.
func (c *DeterministicCore) recordRejectedFill(ctx context.Context, fill *event.TradeFill, cause error) {
	if c.replaying {
		return
	}
	rejected := &event.FillRejected{
		Header: event.Header{
			ID:        uuid.NewSHA1(fill.ID, []byte("FillRejected")),
			Market:    fill.Market,
			Timestamp: fill.Timestamp,
		},
		FillID:       fill.ID,
		FillSequence: fill.FillSequence,
		Reason:       cause.Error(),
	}
	if _, err := c.ProcessEvent(ctx, rejected); err != nil {
		c.log.Error().Err(err).
			Str("fill", fill.ID.String()).
			Int64("fill_sequence", fill.FillSequence).
			Msg("could not record rejected fill")
	}
}

// advanceSource moves the source partition past an applied event.
func (c *DeterministicCore) advanceSource(evt event.Event) {
	switch evt.(type) {
	case *event.TradeFill, *event.FillRejected:
		c.sequenceValidator.Advance(fillPartition(c.market.ID()), evt.SourceSequence())
	case *event.OracleUpdate:
		c.sequenceValidator.Advance(oraclePartition(c.market.ID()), evt.SourceSequence())
	}
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if reason == "" {
		reason = "error"
	}
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(c.market.ID(), eventType, reason).Inc()
	}
}

func (c *DeterministicCore) dispatch(ctx context.Context, evt event.Event) (any, error) {
	m := c.market
	switch e := evt.(type) {
	case *event.Deposit:
		return m.Deposit(ctx, e.User, e.Amount.Decimal)
	case *event.Withdraw:
		return m.Withdraw(e.User, e.Amount.Decimal)
	case *event.Settle:
		return m.Settle(e.User)
	case *event.TradeFill:
		return m.ApplyFill(ledger.Fill{
			ID:        e.ID,
			Long:      e.Long,
			Short:     e.Short,
			Amount:    e.Amount.Decimal,
			Price:     e.Price.Decimal,
			Timestamp: m.Now(),
		})
	case *event.FillRejected:
		return nil, nil
	case *event.OracleUpdate:
		return nil, m.UpdateOracle(e.Price.Decimal, e.GasPrice.Decimal, e.PriceSequence)
	case *event.Liquidate:
		return m.Liquidate(e.ID, e.Liquidator, e.Liquidatee, e.Amount.Decimal)
	case *event.ClaimReceipt:
		return m.ClaimReceipt(e.ReceiptID, e.Claimant, e.FillIDs)
	case *event.ClaimEscrow:
		return m.ClaimEscrow(e.ReceiptID, e.Claimant)
	case *event.DeployPool:
		return nil, m.DeployPool(e.Caller)
	case *event.PoolStake:
		return m.PoolStake(ctx, e.User, e.Amount.Decimal)
	case *event.PoolWithdraw:
		return m.PoolWithdraw(e.User, e.Amount.Decimal)
	case *event.PoolReward:
		return nil, m.PoolReward(ctx, e.Caller, e.Amount.Decimal)
	case *event.PoolClaimRewards:
		return m.PoolClaimRewards(e.User)
	case *event.PoolTransfer:
		return m.PoolTransfer(e.From, e.To, e.Amount.Decimal)
	case *event.PoolUpdate:
		return m.UpdatePoolAmount()
	case *event.ParamUpdate:
		return m.UpdateParams(e.Caller, ParamChanges(e))
	default:
		return nil, apperr.New(apperr.KindInvalidArgument, "dispatch", "unhandled event type %T", evt)
	}
}

// ParamChanges converts a ParamUpdate into a partial parameter change.
func ParamChanges(e *event.ParamUpdate) state.ParamChanges {
	var ch state.ParamChanges
	if e.MaxLeverage != nil {
		ch.MaxLeverage = &e.MaxLeverage.Decimal
	}
	if e.GasUnitsPerLiquidation != nil {
		ch.GasUnitsPerLiquidation = &e.GasUnitsPerLiquidation.Decimal
	}
	if e.DampingDivisor != nil {
		ch.DampingDivisor = &e.DampingDivisor.Decimal
	}
	if e.InsuranceSensitivity != nil {
		ch.InsuranceSensitivity = &e.InsuranceSensitivity.Decimal
	}
	if e.FundingSensitivity != nil {
		ch.FundingSensitivity = &e.FundingSensitivity.Decimal
	}
	if e.MaxSlippage != nil {
		ch.MaxSlippage = &e.MaxSlippage.Decimal
	}
	if e.EscrowWindowSeconds != nil {
		w := time.Duration(*e.EscrowWindowSeconds) * time.Second
		ch.EscrowWindow = &w
	}
	return ch
}

// computeStateDigest creates canonical bytes for the state hash: every
// account the batch touched with its balance, then the market scalars.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch) []byte {
	tracker := c.market.Ledger().Tracker()
	accounts := batch.Touched()
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+96)
	for _, key := range accounts {
		digest = appendField(digest, key.AccountPath())
		digest = appendField(digest, tracker.GetBalance(key).String())
	}
	digest = appendField(digest, c.market.FairPrice().String())
	digest = appendField(digest, c.market.LeveragedNotionalValue().String())
	digest = appendField(digest, fmt.Sprint(c.market.Pricing().LatestIndex()))
	return digest
}

func appendField(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)>>8), byte(len(s)))
	return append(buf, s...)
}

// postCheckInvariants validates invariants after batch application
func (c *DeterministicCore) postCheckInvariants(batch *ledger.Batch, sequence int64) error {
	l := c.market.Ledger()
	escrowTouched := false
	for _, key := range batch.Touched() {
		if key == ledger.EscrowAccount {
			escrowTouched = true
		}
		userID, ok := key.UserID()
		if !ok {
			continue
		}
		a, err := l.Balance(userID)
		if err != nil {
			return fmt.Errorf("journal touches unknown account %s", userID)
		}
		if err := c.validator.ValidateAccountMirror(userID, a.Position.Quote); err != nil {
			return err
		}
	}

	holdings, pending := decimal.Zero, decimal.Zero
	if p, ok := c.market.Pool(); ok {
		holdings, pending = p.Holdings(), p.Pending()
	}
	if err := c.validator.ValidateSystemBalance(ledger.InsurancePoolAccount, holdings); err != nil {
		return err
	}
	if err := c.validator.ValidateSystemBalance(ledger.InsuranceInflowAccount, pending); err != nil {
		return err
	}

	periodic := sequence%c.checkInterval == 0
	if escrowTouched || periodic {
		if err := c.validator.ValidateSystemBalance(ledger.EscrowAccount, c.market.Liquidations().EscrowHeld()); err != nil {
			return err
		}
	}
	if periodic {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return err
		}
		if got, want := l.LeveragedNotional(), l.RecomputeLeveragedNotional(); !got.Equal(want) {
			return fmt.Errorf("leveraged notional drifted: running %s, recomputed %s", got, want)
		}
	}
	return nil
}

// observe records metrics for an applied event.
func (c *DeterministicCore) observe(eventType string, batch *ledger.Batch, effects []event.Effect, start time.Time) {
	if c.metrics == nil {
		return
	}
	market := c.market.ID()
	c.metrics.CoreEventsApplied.WithLabelValues(market, eventType).Inc()
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.WithLabelValues(market).Set(float64(c.GetSequence()))
	for _, j := range batch.Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}

	for _, eff := range effects {
		switch d := eff.Data.(type) {
		case event.FundingIndexAppended:
			c.metrics.FundingIndexAppended.WithLabelValues(market).Inc()
		case event.LiquidationRecorded:
			c.metrics.Liquidations.WithLabelValues(market).Inc()
			c.metrics.PoolDrained.WithLabelValues(market).Add(d.PoolDrawn.InexactFloat64())
			c.metrics.LiquidationShort.WithLabelValues(market).Add(d.Shortfall.InexactFloat64())
		case event.ReceiptClaimed:
			c.metrics.EscrowRefunded.WithLabelValues(market, "liquidator").Add(d.Refund.InexactFloat64())
		case event.EscrowClaimed:
			c.metrics.EscrowRefunded.WithLabelValues(market, "liquidatee").Add(d.Amount.InexactFloat64())
		}
	}

	c.metrics.FairPrice.WithLabelValues(market).Set(c.market.FairPrice().InexactFloat64())
	c.metrics.OraclePrice.WithLabelValues(market).Set(c.market.Feed().Price().InexactFloat64())
	c.metrics.LeveragedNotional.WithLabelValues(market).Set(c.market.LeveragedNotionalValue().InexactFloat64())
	c.metrics.EscrowHeld.WithLabelValues(market).Set(c.market.Liquidations().EscrowHeld().InexactFloat64())
	if p, ok := c.market.Pool(); ok {
		c.metrics.PoolHoldings.WithLabelValues(market).Set(p.Holdings().InexactFloat64())
		c.metrics.PoolSupply.WithLabelValues(market).Set(p.Supply().InexactFloat64())
	}
}
