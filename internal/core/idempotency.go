package core

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"PerpEngine/internal/observability"
)

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU in
// front of the event log. Only used from the market's core goroutine.
type IdempotencyChecker struct {
	lru       *lru.Cache
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	market    string
}

func NewIdempotencyChecker(market string, capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) (*IdempotencyChecker, error) {
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("idempotency lru: %w", err)
	}
	return &IdempotencyChecker{
		lru:       cache,
		dbChecker: dbChecker,
		metrics:   metrics,
		market:    market,
	}, nil
}

func compositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate checks if event has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}
	isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		// A failing DB lookup does not block processing: the event is
		// treated as new.
		if ic.metrics != nil {
			ic.metrics.DedupTier2Errors.Inc()
		}
		return false
	}
	if isDup {
		ic.recordDuplicate(eventType, "postgres")
		ic.lru.Add(key, struct{}{})
		return true
	}
	return false
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.Add(compositeKey(eventType, idempotencyKey), struct{}{})
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.WithLabelValues(ic.market).Set(float64(ic.lru.Len()))
	}
}

// Warm loads composite keys ("{type}:{key}") into the LRU, oldest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, k := range keys {
		ic.lru.Add(k, struct{}{})
	}
}

func (ic *IdempotencyChecker) Size() int { return ic.lru.Len() }

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}
