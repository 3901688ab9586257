package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpEngine/internal/event"
)

const outboundStream = "PERP_ENGINE_EVENTS"

// Publisher is the part of jetstream.JetStream the outbound side uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed effects for downstream consumers.
// Effects reach it only after their event is persisted.
type OutboundPublisher struct {
	js  Publisher
	in  <-chan event.Effect
	log zerolog.Logger
}

func NewOutboundPublisher(js Publisher, in <-chan event.Effect, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:  js,
		in:  in,
		log: log.With().Str("component", "publisher").Logger(),
	}
}

// EffectSubject is perp.engine.events.{type}.{market}.
func EffectSubject(e event.Effect) string {
	return fmt.Sprintf("perp.engine.events.%s.%s", e.Type, e.Market)
}

// Run publishes until ctx is done or the input closes. Publish failures
// are logged and skipped; the event log stays authoritative.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-op.in:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, e); err != nil {
				op.log.Warn().Err(err).
					Str("type", string(e.Type)).
					Int64("sequence", e.Sequence).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, e event.Effect) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal effect: %w", err)
	}
	// The message ID lets JetStream drop republished duplicates. One command
	// can emit several effects of a type, so the body is part of it.
	sum := sha256.Sum256(data)
	msgID := fmt.Sprintf("%s:%d:%x", e.Market, e.Sequence, sum[:8])
	_, err = op.js.Publish(ctx, EffectSubject(e), data, jetstream.WithMsgID(msgID))
	return err
}

// EnsureOutboundStream creates the outbound effects stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       outboundStream,
		Subjects:   []string{"perp.engine.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", outboundStream).Msg("ensured outbound stream")
	return nil
}
