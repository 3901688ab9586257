package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpEngine/internal/apperr"
	"PerpEngine/internal/core"
	"PerpEngine/internal/event"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/persistence"
	"PerpEngine/internal/projection"
	"PerpEngine/internal/query"
	"PerpEngine/internal/state"
	"PerpEngine/internal/testutil"
	"PerpEngine/internal/token"
)

const market = "ETH-USD"

var (
	gov   = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	alice = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	bob   = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	t0    = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

func w(s string) fpmath.Wad         { return fpmath.NewWad(decimal.RequireFromString(s)) }
func p(s string) fpmath.Price       { return fpmath.NewPrice(decimal.RequireFromString(s)) }
func hdr(at time.Time) event.Header { return event.Header{ID: uuid.New(), Market: market, Timestamp: at} }

type env struct {
	engine  *core.Engine
	persist chan core.CoreOutput
	project chan core.CoreOutput
	cancel  context.CancelFunc
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	collateral := token.NewMemoryLedger("USDC")
	for _, u := range []uuid.UUID{alice, bob} {
		n, err := token.ToUnits(decimal.NewFromInt(1000))
		require.NoError(t, err)
		require.NoError(t, collateral.Mint(ctx, u, n))
		require.NoError(t, collateral.Approve(ctx, u, token.CustodyAddress(market, state.CustodyCollateral), n))
	}
	m, err := state.NewMarket(state.DefaultMarketParams(market, gov), state.Tokens{Collateral: collateral})
	require.NoError(t, err)

	e := &env{
		engine:  core.NewEngine(zerolog.Nop(), 16),
		persist: make(chan core.CoreOutput, 64),
		project: make(chan core.CoreOutput, 64),
		cancel:  cancel,
	}
	c, err := core.NewDeterministicCore(m, e.persist, e.project, core.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, e.engine.AddMarket(c))
	e.engine.Start(ctx)
	t.Cleanup(func() { cancel(); e.engine.Wait() })

	for _, evt := range []event.Event{
		&event.Deposit{Header: hdr(t0), User: alice, Amount: w("1000")},
		&event.Deposit{Header: hdr(t0), User: bob, Amount: w("1000")},
		&event.OracleUpdate{Header: hdr(t0), Price: p("100"), GasPrice: w("0"), PriceSequence: 1},
		&event.TradeFill{Header: hdr(t0), Long: alice, Short: bob, Amount: w("2"), Price: p("100"), FillSequence: 1},
		&event.TradeFill{Header: hdr(t0.Add(time.Hour)), Long: alice, Short: bob, Amount: w("1"), Price: p("101"), FillSequence: 2},
		&event.Settle{Header: hdr(t0.Add(time.Hour)), User: alice},
	} {
		_, err := e.engine.Submit(ctx, evt)
		require.NoError(t, err)
	}
	return e
}

func TestLive_Getters(t *testing.T) {
	e := newEnv(t)
	live := query.NewLive(e.engine)
	ctx := context.Background()

	bal, err := live.GetBalance(ctx, market, alice)
	require.NoError(t, err)
	assert.Equal(t, "3", bal.Base.String())
	fair, err := live.FairPrice(ctx, market)
	require.NoError(t, err)
	assert.True(t, bal.Margin.Equal(fpmath.Quantize(bal.Quote.Add(bal.Base.Mul(fair.Decimal)), fpmath.RoundDown)))

	margin, err := live.GetUserMargin(ctx, market, alice)
	require.NoError(t, err)
	assert.True(t, margin.Equal(bal.Margin.Decimal))

	// Unknown accounts read as flat.
	minMargin, err := live.GetUserMinMargin(ctx, market, uuid.New())
	require.NoError(t, err)
	assert.True(t, minMargin.IsZero())

	_, err = live.GetBalance(ctx, market, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	tracer, err := live.GetHourlyAvgTracerPrice(ctx, market, 0)
	require.NoError(t, err)
	assert.Equal(t, "100", tracer.String())

	window, err := live.Get24HourPrices(ctx, market)
	require.NoError(t, err)
	assert.Equal(t, "100", window.TracerPrice.String())

	_, err = live.GetPoolHoldings(ctx, market)
	assert.ErrorIs(t, err, apperr.ErrPoolNotSupported)

	_, err = live.FairPrice(ctx, "BTC-USD")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// ============================================================================
// History queries (skip without a test database)
// ============================================================================

func TestQueryService_History(t *testing.T) {
	db := testutil.SetupTestDB(t)
	e := newEnv(t)
	ctx := context.Background()

	persisted := drain(e.persist)
	in := make(chan core.CoreOutput, len(persisted))
	for _, o := range persisted {
		in <- o
	}
	close(in)
	require.NoError(t, persistence.NewPersistenceWorker(db, in, 100, 10*time.Millisecond, nil, zerolog.Nop()).Run(ctx))
	for _, o := range drain(e.project) {
		require.NoError(t, projection.Apply(ctx, db, o, nil))
	}

	qs := query.NewQueryService(db)

	journals, err := qs.GetJournalHistory(ctx, market, alice, query.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, journals, 2)
	assert.GreaterOrEqual(t, journals[0].Sequence, journals[1].Sequence)

	older, err := qs.GetJournalHistory(ctx, market, alice, query.Page{Before: 2})
	require.NoError(t, err)
	require.NotEmpty(t, older)
	assert.Equal(t, "deposit", older[0].JournalType)

	indices, err := qs.GetFundingIndices(ctx, market, 0, 10)
	require.NoError(t, err)
	require.Len(t, indices, 1)

	funding, err := qs.GetFundingHistory(ctx, market, alice, query.Page{})
	require.NoError(t, err)
	for _, f := range funding {
		assert.Equal(t, int64(6), f.AsOfSequence)
	}

	report, err := qs.VerifyIntegrity(ctx, market)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, "%+v", report)
	assert.Equal(t, int64(6), report.LatestSequence)
	assert.Equal(t, int64(6), report.ProjectedSequence)

	// Corrupt one projected balance and the report notices.
	_, err = db.Exec(`UPDATE projections.balances SET balance = balance + 1
		WHERE market_id = $1 AND account_path = $2`, market, "user:"+alice.String()+":quote")
	require.NoError(t, err)
	report, err = qs.VerifyIntegrity(ctx, market)
	require.NoError(t, err)
	assert.False(t, report.IsHealthy)
	assert.Contains(t, report.DriftedAccounts, "user:"+alice.String()+":quote")
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}
