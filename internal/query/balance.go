package query

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PerpEngine/internal/core"
	"PerpEngine/internal/liquidation"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/state"
)

// Live answers getters from in-memory market state. Every read runs on the
// market's actor, so it sees a state between two commands.
type Live struct {
	engine *core.Engine
}

func NewLive(engine *core.Engine) *Live {
	return &Live{engine: engine}
}

func (l *Live) wad(ctx context.Context, market string, fn func(m *state.Market) (decimal.Decimal, error)) (fpmath.Wad, error) {
	d, err := core.Query(ctx, l.engine, market, fn)
	return fpmath.NewWad(d), err
}

func (l *Live) price(ctx context.Context, market string, fn func(m *state.Market) decimal.Decimal) (fpmath.Price, error) {
	d, err := core.Query(ctx, l.engine, market, func(m *state.Market) (decimal.Decimal, error) { return fn(m), nil })
	return fpmath.NewPrice(d), err
}

// GetBalance returns the account with its derived margin figures.
func (l *Live) GetBalance(ctx context.Context, market string, user uuid.UUID) (BalanceResponse, error) {
	return core.Query(ctx, l.engine, market, func(m *state.Market) (BalanceResponse, error) {
		led := m.Ledger()
		a, err := led.Balance(user)
		if err != nil {
			return BalanceResponse{}, err
		}
		return BalanceResponse{
			UserID:                  user,
			MarketID:                market,
			Quote:                   fpmath.NewWad(a.Position.Quote),
			Base:                    fpmath.NewWad(a.Position.Base),
			LastSettledFundingIndex: a.LastSettledFundingIndex,
			LastSeenGasPrice:        fpmath.NewWad(a.LastSeenGasPrice),
			LeveragedNotional:       fpmath.NewWad(a.LeveragedNotionalValue),
			Margin:                  fpmath.NewWad(led.Margin(user)),
			MinMargin:               fpmath.NewWad(led.MinMargin(user)),
			Notional:                fpmath.NewWad(led.Notional(user)),
		}, nil
	})
}

func (l *Live) GetUserMargin(ctx context.Context, market string, user uuid.UUID) (fpmath.Wad, error) {
	return l.wad(ctx, market, func(m *state.Market) (decimal.Decimal, error) { return m.Ledger().Margin(user), nil })
}

func (l *Live) GetUserMinMargin(ctx context.Context, market string, user uuid.UUID) (fpmath.Wad, error) {
	return l.wad(ctx, market, func(m *state.Market) (decimal.Decimal, error) { return m.Ledger().MinMargin(user), nil })
}

func (l *Live) GetUserNotionalValue(ctx context.Context, market string, user uuid.UUID) (fpmath.Wad, error) {
	return l.wad(ctx, market, func(m *state.Market) (decimal.Decimal, error) { return m.Ledger().Notional(user), nil })
}

func (l *Live) GetLiquidationReceipt(ctx context.Context, market string, id uuid.UUID) (liquidation.Receipt, error) {
	return core.Query(ctx, l.engine, market, func(m *state.Market) (liquidation.Receipt, error) {
		return m.Liquidations().Receipt(id)
	})
}

func (l *Live) GetPoolHoldings(ctx context.Context, market string) (fpmath.Wad, error) {
	return l.wad(ctx, market, (*state.Market).PoolHoldings)
}

func (l *Live) GetPoolTarget(ctx context.Context, market string) (fpmath.Wad, error) {
	return l.wad(ctx, market, (*state.Market).PoolTarget)
}

// GetPoolFundingRate returns the insurance funding rate as a Wad fraction.
func (l *Live) GetPoolFundingRate(ctx context.Context, market string) (fpmath.Wad, error) {
	return l.wad(ctx, market, (*state.Market).PoolFundingRate)
}

func (l *Live) GetPoolUserBalance(ctx context.Context, market string, user uuid.UUID) (fpmath.Wad, error) {
	return l.wad(ctx, market, func(m *state.Market) (decimal.Decimal, error) { return m.PoolUserBalance(user) })
}

func (l *Live) GetHourlyAvgTracerPrice(ctx context.Context, market string, hour int64) (fpmath.Price, error) {
	return l.price(ctx, market, func(m *state.Market) decimal.Decimal { return m.Pricing().HourlyAvgTracerPrice(hour) })
}

func (l *Live) GetHourlyAvgOraclePrice(ctx context.Context, market string, hour int64) (fpmath.Price, error) {
	return l.price(ctx, market, func(m *state.Market) decimal.Decimal { return m.Pricing().HourlyAvgOraclePrice(hour) })
}

func (l *Live) Get24HourPrices(ctx context.Context, market string) (PriceWindow, error) {
	return core.Query(ctx, l.engine, market, func(m *state.Market) (PriceWindow, error) {
		tracer, oracle := m.Pricing().Get24HourPrices()
		return PriceWindow{TracerPrice: fpmath.NewPrice(tracer), OraclePrice: fpmath.NewPrice(oracle)}, nil
	})
}

func (l *Live) FairPrice(ctx context.Context, market string) (fpmath.Price, error) {
	return l.price(ctx, market, (*state.Market).FairPrice)
}

func (l *Live) LeveragedNotionalValue(ctx context.Context, market string) (fpmath.Wad, error) {
	return l.wad(ctx, market, func(m *state.Market) (decimal.Decimal, error) { return m.LeveragedNotionalValue(), nil })
}
