package ingestion

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"PerpEngine/internal/apperr"
	"PerpEngine/internal/core"
	"PerpEngine/internal/event"
)

// Submitter accepts typed commands. *core.Engine implements it.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (core.Result, error)
}

// Dispatcher parses raw messages and submits them to the engine. A
// message is acked once the engine has decided it, including domain
// rejections, and nak'd when the outcome may change on redelivery.
type Dispatcher struct {
	in     <-chan RawEvent
	engine Submitter
	log    zerolog.Logger
}

func NewDispatcher(in <-chan RawEvent, engine Submitter, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		in:     in,
		engine: engine,
		log:    log.With().Str("component", "dispatcher").Logger(),
	}
}

// Run dispatches until ctx is done or the input closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.in:
			if !ok {
				return nil
			}
			d.handle(ctx, raw)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, raw RawEvent) {
	evt, err := ParseRawEvent(raw)
	if err != nil {
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		ack(raw)
		return
	}

	res, err := d.engine.Submit(ctx, evt)
	switch {
	case err == nil:
		d.log.Debug().
			Str("type", evt.EventType().String()).
			Str("market", evt.MarketID()).
			Int64("sequence", res.Sequence).
			Bool("duplicate", res.Duplicate).
			Bool("stale", res.Stale).
			Msg("command applied")
		ack(raw)
	case Retryable(err):
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("command deferred")
		nak(raw)
	default:
		d.log.Info().Err(err).
			Str("type", evt.EventType().String()).
			Str("market", evt.MarketID()).
			Str("kind", string(apperr.KindOf(err))).
			Msg("command rejected")
		ack(raw)
	}
}

// Retryable reports whether a submit error may succeed on redelivery:
// sequence gaps, shutdown and unclassified failures.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, core.ErrSequenceGap),
		errors.Is(err, core.ErrEngineStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return apperr.KindOf(err) == ""
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func nak(raw RawEvent) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}
