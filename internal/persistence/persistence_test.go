package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpEngine/internal/core"
	"PerpEngine/internal/event"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/persistence"
	"PerpEngine/internal/state"
	"PerpEngine/internal/testutil"
	"PerpEngine/internal/token"
)

const market = "ETH-USD"

var (
	gov   = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	alice = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	t0    = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

func wad(s string) fpmath.Wad { return fpmath.NewWad(decimal.RequireFromString(s)) }

// runCore applies a deposit and a withdrawal and returns the outputs.
func runCore(t *testing.T) (*core.DeterministicCore, []core.CoreOutput) {
	t.Helper()
	ctx := context.Background()
	collateral := token.NewMemoryLedger("USDC")
	n, err := token.ToUnits(decimal.NewFromInt(100))
	require.NoError(t, err)
	require.NoError(t, collateral.Mint(ctx, alice, n))
	require.NoError(t, collateral.Approve(ctx, alice, token.CustodyAddress(market, state.CustodyCollateral), n))

	m, err := state.NewMarket(state.DefaultMarketParams(market, gov), state.Tokens{Collateral: collateral})
	require.NoError(t, err)
	out := make(chan core.CoreOutput, 16)
	c, err := core.NewDeterministicCore(m, out, nil, core.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)

	evts := []event.Event{
		&event.Deposit{Header: event.Header{ID: uuid.New(), Market: market, Timestamp: t0}, User: alice, Amount: wad("100")},
		&event.Withdraw{Header: event.Header{ID: uuid.New(), Market: market, Timestamp: t0.Add(time.Minute)}, User: alice, Amount: wad("25")},
	}
	for _, e := range evts {
		_, err := c.ProcessEvent(ctx, e)
		require.NoError(t, err)
	}
	close(out)
	var outputs []core.CoreOutput
	for o := range out {
		outputs = append(outputs, o)
	}
	return c, outputs
}

func TestRowsFromOutput_FlattensJournals(t *testing.T) {
	_, outputs := runCore(t)
	require.Len(t, outputs, 2)

	ev, journals := persistence.RowsFromOutput(outputs[0])
	assert.Equal(t, market, ev.MarketID)
	assert.Equal(t, int64(1), ev.Sequence)
	assert.Equal(t, "Deposit", ev.EventType)
	assert.Len(t, ev.StateHash, 32)

	require.Len(t, journals, 1)
	j := journals[0]
	assert.Equal(t, "external:wallet", j.CreditAccount)
	assert.Equal(t, "user:"+alice.String()+":quote", j.DebitAccount)
	assert.Equal(t, "100", j.Amount)
	assert.Equal(t, market, j.MarketID)
}

// ============================================================================
// Postgres round trip (skips without a test database)
// ============================================================================

func TestWorker_PersistThenRecover(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	src, outputs := runCore(t)

	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)

	var flushed int64
	w := persistence.NewPersistenceWorker(db, in, 10, 50*time.Millisecond, nil, zerolog.Nop())
	w.OnFlushed = func(m string, seq int64) { flushed = seq }
	require.NoError(t, w.Run(ctx))
	assert.Equal(t, int64(2), flushed)

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx, market)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	// A retried batch is a no-op.
	again := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		again <- o
	}
	close(again)
	require.NoError(t, persistence.NewPersistenceWorker(db, again, 10, 50*time.Millisecond, nil, zerolog.Nop()).Run(ctx))

	params := state.DefaultMarketParams(market, gov)
	restored, err := persistence.Recover(ctx, sm, params, state.Tokens{}, nil, nil, core.Options{Logger: zerolog.Nop()}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, src.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, int64(2), restored.GetSequence())

	// Recovered cores know what they already applied.
	dup := outputs[0].Envelope
	evt, err := event.Decode(dup.EventType, dup.Payload)
	require.NoError(t, err)
	res, err := restored.ProcessEvent(ctx, evt)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestSnapshotManager_SnapshotBoundsRecovery(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	src, outputs := runCore(t)
	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)
	require.NoError(t, persistence.NewPersistenceWorker(db, in, 10, 50*time.Millisecond, nil, zerolog.Nop()).Run(ctx))

	sm := persistence.NewSnapshotManager(db)
	_, err := sm.SaveSnapshot(ctx, src.Snapshot(), t0)
	require.NoError(t, err)

	snap, err := sm.LoadLatestSnapshot(ctx, market)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(2), snap.Sequence)

	none, err := sm.LoadLatestSnapshot(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMigrator_StatusAfterUp(t *testing.T) {
	db := testutil.SetupTestDB(t)
	m := persistence.NewMigrator(db, testutil.MigrationsDir(), zerolog.Nop())

	n, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "SetupTestDB already migrated")

	status, err := m.Status(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, status)
	for _, s := range status {
		assert.True(t, s.Applied, s.Filename)
	}
}
