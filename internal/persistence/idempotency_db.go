package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker is the second dedup tier: a lookup against
// one market's event log.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	market  string
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB, market string) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db, market: market, timeout: 500 * time.Millisecond}
}

// IsDuplicate checks if the event exists in the Postgres event log.
func (pic *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE market_id = $1 AND event_type = $2 AND idempotency_key = $3
		LIMIT 1
	`, pic.market, eventType, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
