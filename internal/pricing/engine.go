// Package pricing keeps a market's hourly trade and oracle price history,
// derives the fair price and appends to the funding index log.
package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"PerpEngine/internal/apperr"
	fpmath "PerpEngine/internal/math"
)

// RingSize is the number of hourly buckets kept.
const RingSize = 24

// HourlyBucket accumulates volume-weighted price sums for one hour.
type HourlyBucket struct {
	Hour           int64           `json:"hour"`
	TracerPriceSum decimal.Decimal `json:"tracer_price_sum"`
	TracerVolume   decimal.Decimal `json:"tracer_volume"`
	OraclePriceSum decimal.Decimal `json:"oracle_price_sum"`
	OracleVolume   decimal.Decimal `json:"oracle_volume"`
}

// FundingIndex is one entry of the append-only cumulative rate log.
type FundingIndex struct {
	CumulativeFundingRate          decimal.Decimal `json:"cumulative_funding_rate"`
	CumulativeInsuranceFundingRate decimal.Decimal `json:"cumulative_insurance_funding_rate"`
	Timestamp                      time.Time       `json:"timestamp"`
}

// Config holds the tunable funding inputs.
type Config struct {
	DampingDivisor     decimal.Decimal // D in fairPrice = oracle - (t24 - o24)/D
	FundingSensitivity decimal.Decimal // share of the damped basis charged per step
}

// Rollover describes an hour boundary crossed by a trade.
type Rollover struct {
	FromHour      int64
	ToHour        int64
	AvgTracer     decimal.Decimal
	AvgOracle     decimal.Decimal
	FairPrice     decimal.Decimal
	FundingRate   decimal.Decimal
	InsuranceRate decimal.Decimal
	IndexNumber   int64
	Index         FundingIndex
}

// Engine is the funding and pricing state of one market. Not safe for
// concurrent use.
type Engine struct {
	cfg Config

	genesis     time.Time
	currentHour int64
	buckets     [RingSize]HourlyBucket

	oraclePrice decimal.Decimal
	fairPrice   decimal.Decimal
	hasFair     bool

	index []FundingIndex
}

func NewEngine(cfg Config) *Engine {
	e := &Engine{
		cfg:   cfg,
		index: []FundingIndex{{}},
	}
	for i := range e.buckets {
		e.buckets[i].Hour = -1
	}
	return e
}

func (e *Engine) SetConfig(cfg Config) { e.cfg = cfg }
func (e *Engine) Config() Config       { return e.cfg }

// SetOraclePrice records the latest index price.
func (e *Engine) SetOraclePrice(p decimal.Decimal) { e.oraclePrice = p }

func (e *Engine) OraclePrice() decimal.Decimal { return e.oraclePrice }

// FairPrice is the price positions are marked at. Before the first hour
// boundary it is the oracle price.
func (e *Engine) FairPrice() decimal.Decimal {
	if !e.hasFair {
		return e.oraclePrice
	}
	return e.fairPrice
}

// CurrentHour is the hour counter since the first trade's hour.
func (e *Engine) CurrentHour() int64 { return e.currentHour }

// hourOf maps a timestamp to the hour counter.
func (e *Engine) hourOf(ts time.Time) int64 {
	if e.genesis.IsZero() {
		return 0
	}
	h := int64(ts.Sub(e.genesis) / time.Hour)
	if h < e.currentHour {
		// Late trades count toward the open hour.
		return e.currentHour
	}
	return h
}

// RecordTrade adds a fill to the hourly accumulators. When the fill opens a
// new hour the previous window is closed first: the fair price is
// recomputed and a funding index is appended. insuranceRate is evaluated
// only in that case.
func (e *Engine) RecordTrade(price, volume decimal.Decimal, ts time.Time, insuranceRate func() decimal.Decimal) (*Rollover, error) {
	if !price.IsPositive() || !volume.IsPositive() {
		return nil, apperr.New(apperr.KindInvalidArgument, "recordTrade", "price and volume must be positive")
	}
	if !e.oraclePrice.IsPositive() {
		return nil, apperr.New(apperr.KindInvalidArgument, "recordTrade", "no oracle price yet")
	}

	if e.genesis.IsZero() {
		e.genesis = ts.UTC().Truncate(time.Hour)
		e.resetBucket(0)
	}

	var roll *Rollover
	if h := e.hourOf(ts); h > e.currentHour {
		roll = e.rollover(h, ts, insuranceRate())
	}

	b := &e.buckets[e.currentHour%RingSize]
	b.TracerPriceSum = b.TracerPriceSum.Add(price.Mul(volume))
	b.TracerVolume = b.TracerVolume.Add(volume)
	b.OraclePriceSum = b.OraclePriceSum.Add(e.oraclePrice.Mul(volume))
	b.OracleVolume = b.OracleVolume.Add(volume)
	return roll, nil
}

func (e *Engine) rollover(to int64, ts time.Time, insuranceRate decimal.Decimal) *Rollover {
	t24, o24 := e.window(e.currentHour)
	roll := &Rollover{
		FromHour:      e.currentHour,
		ToHour:        to,
		AvgTracer:     t24,
		AvgOracle:     o24,
		FundingRate:   decimal.Zero,
		InsuranceRate: insuranceRate,
	}

	if t24.IsPositive() && o24.IsPositive() {
		e.fairPrice = e.oraclePrice.Sub(fpmath.TimeValue(t24, o24, e.cfg.DampingDivisor))
		roll.FundingRate = fpmath.FundingRateStep(t24, o24, e.cfg.DampingDivisor, e.cfg.FundingSensitivity)
	} else {
		e.fairPrice = e.oraclePrice
	}
	e.hasFair = true
	roll.FairPrice = e.fairPrice

	last := e.index[len(e.index)-1]
	next := FundingIndex{
		CumulativeFundingRate:          last.CumulativeFundingRate.Add(roll.FundingRate),
		CumulativeInsuranceFundingRate: last.CumulativeInsuranceFundingRate.Add(insuranceRate),
		Timestamp:                      ts,
	}
	e.index = append(e.index, next)
	roll.Index = next
	roll.IndexNumber = int64(len(e.index) - 1)

	for h := to; h > e.currentHour && h > to-RingSize; h-- {
		e.resetBucket(h)
	}
	e.currentHour = to
	return roll
}

func (e *Engine) resetBucket(h int64) {
	e.buckets[h%RingSize] = HourlyBucket{
		Hour:           h,
		TracerPriceSum: decimal.Zero,
		TracerVolume:   decimal.Zero,
		OraclePriceSum: decimal.Zero,
		OracleVolume:   decimal.Zero,
	}
}

// window returns the volume-weighted tracer and oracle prices over the 24
// hours ending at end. Hours without trades contribute nothing.
func (e *Engine) window(end int64) (decimal.Decimal, decimal.Decimal) {
	tSum, tVol := decimal.Zero, decimal.Zero
	oSum, oVol := decimal.Zero, decimal.Zero
	for _, b := range e.buckets {
		if b.Hour < 0 || b.Hour > end || b.Hour <= end-RingSize {
			continue
		}
		tSum, tVol = tSum.Add(b.TracerPriceSum), tVol.Add(b.TracerVolume)
		oSum, oVol = oSum.Add(b.OraclePriceSum), oVol.Add(b.OracleVolume)
	}
	return avg(tSum, tVol), avg(oSum, oVol)
}

func avg(sum, vol decimal.Decimal) decimal.Decimal {
	if !vol.IsPositive() {
		return decimal.Zero
	}
	return fpmath.Div(sum, vol)
}

// Get24HourPrices returns the volume-weighted tracer and oracle prices over
// the completed hours still held in the ring, or zeros without volume.
func (e *Engine) Get24HourPrices() (decimal.Decimal, decimal.Decimal) {
	return e.window(e.currentHour - 1)
}

func (e *Engine) bucket(hour int64) (HourlyBucket, bool) {
	if hour < 0 {
		return HourlyBucket{}, false
	}
	b := e.buckets[hour%RingSize]
	if b.Hour != hour {
		return HourlyBucket{}, false
	}
	return b, true
}

// HourlyAvgTracerPrice returns the volume-weighted trade price of an hour
// still held in the ring, or zero.
func (e *Engine) HourlyAvgTracerPrice(hour int64) decimal.Decimal {
	b, ok := e.bucket(hour)
	if !ok {
		return decimal.Zero
	}
	return avg(b.TracerPriceSum, b.TracerVolume)
}

// HourlyAvgOraclePrice returns the volume-weighted oracle price of an hour
// still held in the ring, or zero.
func (e *Engine) HourlyAvgOraclePrice(hour int64) decimal.Decimal {
	b, ok := e.bucket(hour)
	if !ok {
		return decimal.Zero
	}
	return avg(b.OraclePriceSum, b.OracleVolume)
}

// ============================================================================
// Funding index log
// ============================================================================

func (e *Engine) LatestIndex() int64 { return int64(len(e.index) - 1) }

func (e *Engine) CumulativeRates(i int64) (decimal.Decimal, decimal.Decimal) {
	idx := e.index[i]
	return idx.CumulativeFundingRate, idx.CumulativeInsuranceFundingRate
}

// Index returns entry i of the log.
func (e *Engine) Index(i int64) (FundingIndex, error) {
	if i < 0 || i >= int64(len(e.index)) {
		return FundingIndex{}, apperr.New(apperr.KindNotFound, "fundingIndex", "index %d of %d", i, len(e.index))
	}
	return e.index[i], nil
}

// IndexRange returns up to limit entries starting at from.
func (e *Engine) IndexRange(from int64, limit int) []FundingIndex {
	if from < 0 {
		from = 0
	}
	if from >= int64(len(e.index)) || limit <= 0 {
		return nil
	}
	end := from + int64(limit)
	if end > int64(len(e.index)) {
		end = int64(len(e.index))
	}
	out := make([]FundingIndex, end-from)
	copy(out, e.index[from:end])
	return out
}

// ============================================================================
// Snapshots
// ============================================================================

type Snapshot struct {
	Genesis     time.Time              `json:"genesis"`
	CurrentHour int64                  `json:"current_hour"`
	Buckets     [RingSize]HourlyBucket `json:"buckets"`
	OraclePrice decimal.Decimal        `json:"oracle_price"`
	FairPrice   decimal.Decimal        `json:"fair_price"`
	HasFair     bool                   `json:"has_fair"`
	Index       []FundingIndex         `json:"index"`
}

func (e *Engine) Snapshot() Snapshot {
	idx := make([]FundingIndex, len(e.index))
	copy(idx, e.index)
	return Snapshot{
		Genesis:     e.genesis,
		CurrentHour: e.currentHour,
		Buckets:     e.buckets,
		OraclePrice: e.oraclePrice,
		FairPrice:   e.fairPrice,
		HasFair:     e.hasFair,
		Index:       idx,
	}
}

func (e *Engine) Restore(s Snapshot) error {
	if len(s.Index) == 0 {
		return fmt.Errorf("pricing snapshot has an empty funding index")
	}
	e.genesis = s.Genesis
	e.currentHour = s.CurrentHour
	e.buckets = s.Buckets
	e.oraclePrice = s.OraclePrice
	e.fairPrice = s.FairPrice
	e.hasFair = s.HasFair
	e.index = make([]FundingIndex, len(s.Index))
	copy(e.index, s.Index)
	return nil
}
