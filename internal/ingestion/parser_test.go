package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpEngine/internal/apperr"
	"PerpEngine/internal/event"
	"PerpEngine/internal/ingestion"
	fpmath "PerpEngine/internal/math"
)

var (
	t0    = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	alice = uuid.MustParse("660e8400-e29b-41d4-a716-446655440001")
	bob   = uuid.MustParse("660e8400-e29b-41d4-a716-446655440002")
)

func raw(t *testing.T, typ event.EventType, subject string, v any) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return ingestion.RawEvent{Subject: subject, EventType: typ, Data: data, Received: t0}
}

func fill() *event.TradeFill {
	return &event.TradeFill{
		Header:       event.Header{ID: uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"), Market: "BTC-USD", Timestamp: t0},
		Long:         alice,
		Short:        bob,
		Amount:       fpmath.NewWad(decimal.RequireFromString("1.5")),
		Price:        fpmath.NewPrice(decimal.NewFromInt(50_000)),
		FillSequence: 42,
	}
}

func TestParseRawEvent_TradeFill(t *testing.T) {
	r := raw(t, event.EventTypeTradeFill, ingestion.CommandSubject(event.EventTypeTradeFill, "BTC-USD"), fill())

	evt, err := ingestion.ParseRawEvent(r)
	require.NoError(t, err)

	tf, ok := evt.(*event.TradeFill)
	require.True(t, ok, "expected *event.TradeFill, got %T", evt)
	assert.Equal(t, "BTC-USD", tf.Market)
	assert.Equal(t, alice, tf.Long)
	assert.Equal(t, "1.5", tf.Amount.String())
	assert.Equal(t, "50000", tf.Price.String())
	assert.Equal(t, int64(42), tf.SourceSequence())
}

func TestParseRawEvent_WireAmountsAreScaled(t *testing.T) {
	payload := map[string]any{
		"id":        uuid.NewString(),
		"market":    "BTC-USD",
		"timestamp": t0,
		"user":      alice,
		"amount":    "2500000000000000000",
	}
	evt, err := ingestion.ParseRawEvent(raw(t, event.EventTypeDeposit, "perp.cmd.deposit.BTC-USD", payload))
	require.NoError(t, err)
	assert.Equal(t, "2.5", evt.(*event.Deposit).Amount.String())
}

func TestParseRawEvent_Rejects(t *testing.T) {
	noID := fill()
	noID.ID = uuid.Nil
	noTime := fill()
	noTime.Timestamp = time.Time{}
	noSeq := fill()
	noSeq.FillSequence = 0

	cases := []struct {
		name string
		raw  ingestion.RawEvent
	}{
		{"market mismatch", raw(t, event.EventTypeTradeFill, "perp.trades.ETH-USD", fill())},
		{"missing id", raw(t, event.EventTypeTradeFill, "perp.trades.BTC-USD", noID)},
		{"missing timestamp", raw(t, event.EventTypeTradeFill, "perp.trades.BTC-USD", noTime)},
		{"missing fill sequence", raw(t, event.EventTypeTradeFill, "perp.trades.BTC-USD", noSeq)},
		{"unknown type", raw(t, event.EventTypeUnknown, "perp.cmd.bogus.BTC-USD", fill())},
		{"bad json", ingestion.RawEvent{Subject: "perp.trades.BTC-USD", EventType: event.EventTypeTradeFill, Data: []byte("{")}},
		{"fractional wad", ingestion.RawEvent{
			Subject:   "perp.cmd.deposit.BTC-USD",
			EventType: event.EventTypeDeposit,
			Data:      []byte(`{"id":"` + uuid.NewString() + `","market":"BTC-USD","timestamp":"2026-03-01T10:00:00Z","amount":"1.5"}`),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseRawEvent(tc.raw)
			assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
		})
	}
}

func TestParseRawEvent_UserCommandsTakeReceiveTime(t *testing.T) {
	claim := &event.ClaimEscrow{
		Header:    event.Header{ID: uuid.New(), Market: "BTC-USD", Timestamp: t0.Add(15 * time.Minute)},
		ReceiptID: uuid.New(),
		Claimant:  alice,
	}
	evt, err := ingestion.ParseRawEvent(raw(t, event.EventTypeClaimEscrow, "perp.cmd.claimescrow.BTC-USD", claim))
	require.NoError(t, err)
	assert.Equal(t, t0, evt.Time(), "a claim runs when it arrives, not when the caller says")

	backdated := &event.ClaimReceipt{
		Header:    event.Header{ID: uuid.New(), Market: "BTC-USD", Timestamp: t0.Add(-time.Hour)},
		ReceiptID: uuid.New(),
		Claimant:  bob,
	}
	evt, err = ingestion.ParseRawEvent(raw(t, event.EventTypeClaimReceipt, "perp.cmd.claimreceipt.BTC-USD", backdated))
	require.NoError(t, err)
	assert.Equal(t, t0, evt.Time())

	noTime := &event.Liquidate{Header: event.Header{ID: uuid.New(), Market: "BTC-USD"}, Liquidator: alice, Liquidatee: bob}
	evt, err = ingestion.ParseRawEvent(raw(t, event.EventTypeLiquidate, "perp.cmd.liquidate.BTC-USD", noTime))
	require.NoError(t, err)
	assert.Equal(t, t0, evt.Time())
}

func TestParseRawEvent_SourceTimeBoundedBySkew(t *testing.T) {
	late := fill()
	late.Timestamp = t0.Add(-time.Hour)
	evt, err := ingestion.ParseRawEvent(raw(t, event.EventTypeTradeFill, "perp.trades.BTC-USD", late))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(-time.Hour), evt.Time(), "source time is kept")

	ahead := fill()
	ahead.Timestamp = t0.Add(ingestion.MaxClockSkew + time.Second)
	_, err = ingestion.ParseRawEvent(raw(t, event.EventTypeTradeFill, "perp.trades.BTC-USD", ahead))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = ingestion.ParseRawEvent(raw(t, event.EventTypeFillRejected, "perp.trades.BTC-USD", fill()))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument, "only the core records rejected fills")
}

func TestParseRawEvent_OracleKeysOnPriceSequence(t *testing.T) {
	o := &event.OracleUpdate{
		Header:        event.Header{Market: "BTC-USD", Timestamp: t0},
		Price:         fpmath.NewPrice(decimal.NewFromInt(50_000)),
		GasPrice:      fpmath.NewWad(decimal.Zero),
		PriceSequence: 7,
	}
	evt, err := ingestion.ParseRawEvent(raw(t, event.EventTypeOracleUpdate, "perp.oracle.BTC-USD", o))
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD:oracle:7", evt.IdempotencyKey())

	o.PriceSequence = 0
	_, err = ingestion.ParseRawEvent(raw(t, event.EventTypeOracleUpdate, "perp.oracle.BTC-USD", o))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestDefaultSubjects_CoverEveryCommand(t *testing.T) {
	seen := map[event.EventType]bool{}
	for _, s := range ingestion.DefaultSubjects() {
		assert.False(t, seen[s.EventType], "duplicate consumer for %s", s.EventType)
		seen[s.EventType] = true
		_, ok := event.New(s.EventType)
		assert.True(t, ok, s.Subject)
	}
	for typ := event.EventTypeDeposit; typ <= event.EventTypeParamUpdate; typ++ {
		assert.True(t, seen[typ], "no subject for %s", typ)
	}
	assert.Equal(t, "perp.cmd.poolstake.ETH-USD", ingestion.CommandSubject(event.EventTypePoolStake, "ETH-USD"))
}
