package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"PerpEngine/internal/core"
	"PerpEngine/internal/event"
	"PerpEngine/internal/persistence"
	"PerpEngine/internal/state"
)

const rebuildBatchSize = 1000

// RebuildProjections drops every projection row of a market and rebuilds
// them by replaying its event log from genesis through a scratch core.
// The replayed hash chain must match the log.
func RebuildProjections(ctx context.Context, db *sql.DB, params state.MarketParams, log zerolog.Logger) error {
	market := params.MarketID
	log = log.With().Str("component", "projection-rebuild").Str("market", market).Logger()

	for _, table := range []string{
		"projections.balances",
		"projections.funding_index",
		"projections.funding_history",
		"projections.receipts",
		"projections.pool_events",
		"projections.watermark",
	} {
		if _, err := db.ExecContext(ctx, `DELETE FROM `+table+` WHERE market_id = $1`, market); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	m, err := state.NewMarket(params, state.Tokens{})
	if err != nil {
		return err
	}
	m.SetTokenIO(false)
	outputs := make(chan core.CoreOutput, 1)
	c, err := core.NewDeterministicCore(m, nil, outputs, core.Options{Logger: log})
	if err != nil {
		return err
	}

	sm := persistence.NewSnapshotManager(db)
	applied := 0
	for {
		envs, err := sm.LoadEventsFrom(ctx, market, c.GetSequence()+1, rebuildBatchSize)
		if err != nil {
			return err
		}
		for _, env := range envs {
			evt, err := event.Decode(env.EventType, env.Payload)
			if err != nil {
				return fmt.Errorf("decode %s@%d: %w", market, env.Sequence, err)
			}
			if _, err := c.ProcessEvent(ctx, evt); err != nil {
				return fmt.Errorf("replay %s@%d: %w", market, env.Sequence, err)
			}
			if c.GetStateHash() != env.StateHash {
				return fmt.Errorf("replay %s@%d: state hash mismatch", market, env.Sequence)
			}
			select {
			case out := <-outputs:
				if err := Apply(ctx, db, out, nil); err != nil {
					return err
				}
			default:
				return fmt.Errorf("replay %s@%d: no output", market, env.Sequence)
			}
			applied++
		}
		if len(envs) < rebuildBatchSize {
			break
		}
	}

	log.Info().Int("events", applied).Msg("projection rebuild complete")
	return nil
}
