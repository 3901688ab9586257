package ingestion_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpEngine/internal/apperr"
	"PerpEngine/internal/core"
	"PerpEngine/internal/event"
	"PerpEngine/internal/ingestion"
)

type stubEngine struct {
	mu   sync.Mutex
	errs []error
	got  []event.Event
}

func (s *stubEngine) Submit(_ context.Context, evt event.Event) (core.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, evt)
	if len(s.errs) == 0 {
		return core.Result{Sequence: int64(len(s.got))}, nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return core.Result{}, err
}

type acks struct {
	mu       sync.Mutex
	ack, nak int
}

func (a *acks) wrap(r ingestion.RawEvent) ingestion.RawEvent {
	r.AckFunc = func() { a.mu.Lock(); a.ack++; a.mu.Unlock() }
	r.NakFunc = func() { a.mu.Lock(); a.nak++; a.mu.Unlock() }
	return r
}

func runDispatcher(t *testing.T, engine ingestion.Submitter, msgs ...ingestion.RawEvent) {
	t.Helper()
	in := make(chan ingestion.RawEvent, len(msgs))
	for _, m := range msgs {
		in <- m
	}
	close(in)
	require.NoError(t, ingestion.NewDispatcher(in, engine, zerolog.Nop()).Run(context.Background()))
}

func TestDispatcher_AckAndNak(t *testing.T) {
	gap := fmt.Errorf("%w: %w", apperr.New(apperr.KindInvalidArgument, "TradeFill", "source sequence rejected"), core.ErrSequenceGap)
	engine := &stubEngine{errs: []error{
		nil,
		apperr.New(apperr.KindBelowValidMargin, "withdraw", "margin too low"),
		gap,
		core.ErrEngineStopped,
	}}
	var a acks
	good := raw(t, event.EventTypeTradeFill, "perp.trades.BTC-USD", fill())
	malformed := ingestion.RawEvent{Subject: "perp.trades.BTC-USD", EventType: event.EventTypeTradeFill, Data: []byte("nope")}

	runDispatcher(t, engine,
		a.wrap(good),      // applied: ack
		a.wrap(good),      // domain rejection: ack
		a.wrap(good),      // gap: nak
		a.wrap(good),      // shutdown: nak
		a.wrap(malformed), // never submitted: ack
	)

	assert.Len(t, engine.got, 4)
	assert.Equal(t, 3, a.ack)
	assert.Equal(t, 2, a.nak)
}

func TestRetryable(t *testing.T) {
	assert.True(t, ingestion.Retryable(context.Canceled))
	assert.True(t, ingestion.Retryable(fmt.Errorf("db down")))
	assert.True(t, ingestion.Retryable(fmt.Errorf("x: %w", core.ErrSequenceGap)))
	assert.False(t, ingestion.Retryable(apperr.New(apperr.KindOnlyGovernance, "deployPool", "")))
}

// ============================================================================
// Outbound publisher
// ============================================================================

type recordingJS struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
}

func (r *recordingJS) Publish(_ context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	r.bodies = append(r.bodies, data)
	return &jetstream.PubAck{Stream: "PERP_ENGINE_EVENTS", Sequence: uint64(len(r.subjects))}, nil
}

func TestOutboundPublisher_SubjectsAndPayload(t *testing.T) {
	js := &recordingJS{}
	in := make(chan event.Effect, 2)
	in <- event.Effect{Type: event.EffectFundingSettled, Market: "ETH-USD", Sequence: 9, Timestamp: t0,
		Data: event.FundingSettled{User: alice, FromIndex: 0, ToIndex: 1}}
	in <- event.Effect{Type: event.EffectPoolDrained, Market: "ETH-USD", Sequence: 10, Timestamp: t0.Add(time.Second),
		Data: event.PoolHoldings{}}
	close(in)

	require.NoError(t, ingestion.NewOutboundPublisher(js, in, zerolog.Nop()).Run(context.Background()))

	assert.Equal(t, []string{
		"perp.engine.events.FundingSettled.ETH-USD",
		"perp.engine.events.PoolDrained.ETH-USD",
	}, js.subjects)

	var decoded struct {
		Type     string `json:"type"`
		Sequence int64  `json:"sequence"`
		Data     struct {
			User    string `json:"user"`
			ToIndex int64  `json:"to_index"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(js.bodies[0], &decoded))
	assert.Equal(t, "FundingSettled", decoded.Type)
	assert.Equal(t, int64(9), decoded.Sequence)
	assert.Equal(t, alice.String(), decoded.Data.User)
	assert.Equal(t, int64(1), decoded.Data.ToIndex)
}
