package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpEngine/internal/core"
	"PerpEngine/internal/state"
)

const (
	replayBatchSize = 1000
	warmKeyCount    = 100_000
)

// Recover rebuilds a market core from the latest snapshot plus the event
// log after it. Without a snapshot the market starts from params and the
// whole log is replayed. Replay runs with token I/O off.
func Recover(
	ctx context.Context,
	sm *SnapshotManager,
	params state.MarketParams,
	tokens state.Tokens,
	persistChan, projectionChan chan<- core.CoreOutput,
	opts core.Options,
	log zerolog.Logger,
) (*core.DeterministicCore, error) {
	start := time.Now()
	market := params.MarketID
	log = log.With().Str("component", "recovery").Str("market", market).Logger()

	snap, err := sm.LoadLatestSnapshot(ctx, market)
	if err != nil {
		return nil, err
	}

	var c *core.DeterministicCore
	if snap != nil {
		c, err = core.RestoreCore(*snap, tokens, persistChan, projectionChan, opts)
		if err != nil {
			return nil, err
		}
		log.Info().Int64("sequence", snap.Sequence).Msg("restored from snapshot")
	} else {
		m, err := state.NewMarket(params, tokens)
		if err != nil {
			return nil, err
		}
		c, err = core.NewDeterministicCore(m, persistChan, projectionChan, opts)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("no snapshot, replaying from genesis")
	}

	replayed := 0
	for {
		envs, err := sm.LoadEventsFrom(ctx, market, c.GetSequence()+1, replayBatchSize)
		if err != nil {
			return nil, fmt.Errorf("load events %s from %d: %w", market, c.GetSequence()+1, err)
		}
		for _, env := range envs {
			if err := c.Replay(ctx, env); err != nil {
				return nil, err
			}
		}
		replayed += len(envs)
		if len(envs) < replayBatchSize {
			break
		}
	}

	keys, err := sm.RecentIdempotencyKeys(ctx, market, warmKeyCount)
	if err != nil {
		return nil, fmt.Errorf("warm idempotency %s: %w", market, err)
	}
	c.WarmIdempotency(keys)

	log.Info().
		Int("replayed", replayed).
		Int64("sequence", c.GetSequence()).
		Str("state_hash", fmt.Sprintf("%x", c.GetStateHash())).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return c, nil
}
