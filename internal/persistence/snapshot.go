package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpEngine/internal/core"
	"PerpEngine/internal/event"
)

// snapshotFormatVersion is bumped when core.Snapshot changes shape.
const snapshotFormatVersion = 1

// SnapshotManager stores per-market state snapshots and reads the event
// log back for recovery.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap core.Snapshot, takenAt time.Time) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	hash, err := hex.DecodeString(snap.StateHash)
	if err != nil {
		return 0, fmt.Errorf("snapshot state hash: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, market_id, sequence, data, state_hash, format_version, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (market_id, sequence) DO UPDATE SET data = $4, state_hash = $5, size_bytes = $7
	`, uuid.New(), snap.MarketID, snap.Sequence, string(data), hash, snapshotFormatVersion, len(data), takenAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the newest snapshot of market that the event
// log already covers. A nil snapshot means cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context, market string) (*core.Snapshot, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT s.data FROM event_log.snapshots s
		WHERE s.market_id = $1
		  AND s.format_version = $2
		  AND s.sequence <= (SELECT COALESCE(MAX(e.sequence), 0) FROM event_log.events e WHERE e.market_id = $1)
		ORDER BY s.sequence DESC
		LIMIT 1
	`, market, snapshotFormatVersion).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", market, err)
	}

	var snap core.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot %s: %w", market, err)
	}
	return &snap, nil
}

// LoadEventsFrom loads up to limit events of market starting at
// fromSequence, in order.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, market string, fromSequence int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE market_id = $1 AND sequence >= $2
		ORDER BY sequence ASC
		LIMIT $3
	`, market, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*event.EventEnvelope
	for rows.Next() {
		var (
			env             event.EventEnvelope
			typ             string
			stateHash, prev []byte
		)
		if err := rows.Scan(
			&env.Sequence, &typ, &env.IdempotencyKey, &env.Payload,
			&stateHash, &prev, &env.Timestamp, &env.SourceSequence,
		); err != nil {
			return nil, err
		}
		t, ok := event.ParseEventType(typ)
		if !ok {
			return nil, fmt.Errorf("event %s@%d: unknown type %q", market, env.Sequence, typ)
		}
		env.EventType = t
		env.MarketID = market
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prev)
		out = append(out, &env)
	}
	return out, rows.Err()
}

// GetLatestSequence returns the highest sequence of market in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context, market string) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM event_log.events WHERE market_id = $1`, market,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// RecentIdempotencyKeys returns the composite keys of the last limit events
// of market, oldest first, for warming the dedup LRU.
func (sm *SnapshotManager) RecentIdempotencyKeys(ctx context.Context, market string, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT event_type || ':' || idempotency_key FROM (
			SELECT event_type, idempotency_key, sequence
			FROM event_log.events
			WHERE market_id = $1
			ORDER BY sequence DESC
			LIMIT $2
		) recent ORDER BY sequence ASC
	`, market, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
