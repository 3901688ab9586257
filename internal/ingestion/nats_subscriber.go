// Package ingestion moves commands from NATS JetStream into the engine and
// publishes committed effects back out.
package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpEngine/internal/event"
)

// NATSSubscriber consumes command subjects and feeds raw messages to the
// dispatcher. Each command type has its own durable consumer.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawEvent is an undecoded command together with its acknowledgement
// callbacks.
type RawEvent struct {
	Subject   string
	EventType event.EventType
	Data      []byte
	Received  time.Time
	AckFunc   func() // processed or permanently rejected
	NakFunc   func() // redeliver later
}

// SubjectConfig binds a subject filter to a command type.
type SubjectConfig struct {
	Subject      string
	EventType    event.EventType
	ConsumerName string
	StreamName   string
}

const (
	tradesStream   = "PERP_TRADES"
	oracleStream   = "PERP_ORACLE"
	commandsStream = "PERP_COMMANDS"
)

// CommandSubject is the subject a command of type t for market is
// published on. The last token is always the market.
func CommandSubject(t event.EventType, market string) string {
	switch t {
	case event.EventTypeTradeFill:
		return "perp.trades." + market
	case event.EventTypeOracleUpdate:
		return "perp.oracle." + market
	}
	return fmt.Sprintf("perp.cmd.%s.%s", strings.ToLower(t.String()), market)
}

// DefaultSubjects returns one consumer per command type. Fills and oracle
// updates get their own streams; everything else shares PERP_COMMANDS.
func DefaultSubjects() []SubjectConfig {
	subjects := []SubjectConfig{
		{Subject: "perp.trades.>", EventType: event.EventTypeTradeFill, ConsumerName: "engine-trades", StreamName: tradesStream},
		{Subject: "perp.oracle.>", EventType: event.EventTypeOracleUpdate, ConsumerName: "engine-oracle", StreamName: oracleStream},
	}
	for _, t := range []event.EventType{
		event.EventTypeDeposit,
		event.EventTypeWithdraw,
		event.EventTypeSettle,
		event.EventTypeLiquidate,
		event.EventTypeClaimReceipt,
		event.EventTypeClaimEscrow,
		event.EventTypeDeployPool,
		event.EventTypePoolStake,
		event.EventTypePoolWithdraw,
		event.EventTypePoolReward,
		event.EventTypePoolClaimRewards,
		event.EventTypePoolTransfer,
		event.EventTypePoolUpdate,
		event.EventTypeParamUpdate,
	} {
		name := strings.ToLower(t.String())
		subjects = append(subjects, SubjectConfig{
			Subject:      "perp.cmd." + name + ".>",
			EventType:    t,
			ConsumerName: "engine-" + name,
			StreamName:   commandsStream,
		})
	}
	return subjects
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		log:       log.With().Str("component", "nats-subscriber").Logger(),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType := cfg.EventType
		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Received:  time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}
			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// EnsureStreams creates the inbound streams if they don't exist. Streams
// use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := map[string]string{
		tradesStream:   "perp.trades.>",
		oracleStream:   "perp.oracle.>",
		commandsStream: "perp.cmd.>",
	}
	for name, subject := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      name,
			Subjects:  []string{subject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		}); err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
		log.Info().Str("stream", name).Msg("ensured stream")
	}
	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpengine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
