package ingestion

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"PerpEngine/internal/apperr"
	"PerpEngine/internal/event"
)

// MaxClockSkew is how far past its receive time a trade or oracle update
// may be stamped.
const MaxClockSkew = time.Minute

// ParseRawEvent decodes a raw command into its typed event and checks the
// envelope fields every command needs. The payload uses the same JSON
// encoding as the event log.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	switch raw.EventType {
	case event.EventTypeUnknown:
		return nil, apperr.New(apperr.KindInvalidArgument, "ingest", "no command type for subject %q", raw.Subject)
	case event.EventTypeFillRejected:
		return nil, apperr.New(apperr.KindInvalidArgument, "ingest", "%s is not a command", raw.EventType)
	}
	evt, err := event.Decode(raw.EventType, raw.Data)
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidArgument, "ingest", "%v", err)
	}
	received := raw.Received
	if received.IsZero() {
		received = time.Now()
	}
	if err := stamp(evt, received.UTC()); err != nil {
		return nil, err
	}
	if err := validate(evt); err != nil {
		return nil, err
	}
	if m := subjectMarket(raw.Subject); m != "" && m != evt.MarketID() {
		return nil, apperr.New(apperr.KindInvalidArgument, "ingest",
			"%s for market %q published on %q", raw.EventType, evt.MarketID(), raw.Subject)
	}
	return evt, nil
}

// stamp sets the time of user commands to when they were received, so a
// caller cannot pick the time its claim or liquidation runs at. Fills and
// oracle updates keep their source time but may not run ahead of receipt.
func stamp(evt event.Event, received time.Time) error {
	switch t := evt.EventType(); t {
	case event.EventTypeTradeFill, event.EventTypeOracleUpdate:
		if evt.Time().After(received.Add(MaxClockSkew)) {
			return apperr.New(apperr.KindInvalidArgument, "ingest",
				"%s: timestamp %s is ahead of receive time %s", t, evt.Time().Format(time.RFC3339Nano), received.Format(time.RFC3339Nano))
		}
		return nil
	}
	if s, ok := evt.(interface{ Stamp(time.Time) }); ok {
		s.Stamp(received)
	}
	return nil
}

// validate checks the header fields the core relies on.
func validate(evt event.Event) error {
	t := evt.EventType()
	if evt.MarketID() == "" {
		return apperr.New(apperr.KindInvalidArgument, "ingest", "%s: market is required", t)
	}
	if evt.Time().IsZero() {
		return apperr.New(apperr.KindInvalidArgument, "ingest", "%s: timestamp is required", t)
	}
	// Oracle updates key on their price sequence; everything else on the ID.
	if t == event.EventTypeOracleUpdate {
		if evt.SourceSequence() <= 0 {
			return apperr.New(apperr.KindInvalidArgument, "ingest", "%s: price_sequence must be positive", t)
		}
		return nil
	}
	if evt.IdempotencyKey() == uuid.Nil.String() {
		return apperr.New(apperr.KindInvalidArgument, "ingest", "%s: id is required", t)
	}
	if t == event.EventTypeTradeFill && evt.SourceSequence() <= 0 {
		return apperr.New(apperr.KindInvalidArgument, "ingest", "%s: fill_sequence must be positive", t)
	}
	return nil
}

// subjectMarket returns the market token of a command subject, or "" for
// a subject without one.
func subjectMarket(subject string) string {
	if !strings.HasPrefix(subject, "perp.") {
		return ""
	}
	i := strings.LastIndexByte(subject, '.')
	return subject[i+1:]
}
