package core

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpEngine/internal/observability"
)

// ============================================================================
// Sequence validation
// ============================================================================

func TestValidateSequence_Gapless(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	sv := NewSequenceValidator(m)
	p := fillPartition("ETH-USD")

	require.NoError(t, sv.ValidateSequence(p, 1, false))
	assert.Equal(t, int64(1), sv.GetExpectedSequence(p), "validation alone does not advance")
	sv.Advance(p, 1)
	require.NoError(t, sv.ValidateSequence(p, 2, false))
	sv.Advance(p, 2)
	assert.Equal(t, int64(3), sv.GetExpectedSequence(p))

	assert.ErrorContains(t, sv.ValidateSequence(p, 5, false), "sequence gap")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventSequenceGap.WithLabelValues(p)))

	assert.ErrorContains(t, sv.ValidateSequence(p, 2, false), "out-of-order")
	assert.NoError(t, sv.ValidateSequence(p, 2, true), "redelivered duplicate")
	sv.Advance(p, 2)
	assert.Equal(t, int64(3), sv.GetExpectedSequence(p), "never moves backwards")
}

func TestValidateOracleSequence_ToleratesGaps(t *testing.T) {
	sv := NewSequenceValidator(nil)
	p := oraclePartition("ETH-USD")

	assert.False(t, sv.ValidateOracleSequence("ETH-USD", 4))
	sv.Advance(p, 4)
	assert.False(t, sv.ValidateOracleSequence("ETH-USD", 10))
	sv.Advance(p, 10)
	assert.True(t, sv.ValidateOracleSequence("ETH-USD", 10))
	assert.True(t, sv.ValidateOracleSequence("ETH-USD", 7))
	assert.False(t, sv.ValidateOracleSequence("BTC-USD", 1), "partitions are independent")

	snap := sv.Snapshot()
	assert.Equal(t, int64(11), snap[p])
}

// ============================================================================
// Idempotency
// ============================================================================

type fakeDB struct {
	seen  map[string]bool
	calls int
}

func (f *fakeDB) IsDuplicate(_ string, key string) (bool, error) {
	f.calls++
	return f.seen[key], nil
}

func TestIdempotency_TwoTiers(t *testing.T) {
	db := &fakeDB{seen: map[string]bool{"old": true}}
	ic, err := NewIdempotencyChecker("ETH-USD", 2, db, nil)
	require.NoError(t, err)

	assert.False(t, ic.IsDuplicate("Deposit", "new"))
	ic.MarkProcessed("Deposit", "new")
	assert.True(t, ic.IsDuplicate("Deposit", "new"))
	assert.True(t, ic.IsDuplicate("Deposit", "old"), "found in the database tier")

	ic.MarkProcessed("Deposit", "a")
	ic.MarkProcessed("Deposit", "b")
	assert.Equal(t, 2, ic.Size())

	calls := db.calls
	assert.False(t, ic.IsDuplicate("Deposit", "new"), "evicted from the LRU and unknown to the database")
	assert.Equal(t, calls+1, db.calls)
}

func TestIdempotency_Warm(t *testing.T) {
	ic, err := NewIdempotencyChecker("ETH-USD", 8, nil, nil)
	require.NoError(t, err)
	ic.Warm([]string{"TradeFill:k1", "TradeFill:k2"})
	assert.True(t, ic.IsDuplicate("TradeFill", "k1"))
	assert.False(t, ic.IsDuplicate("TradeFill", "k3"))
}
