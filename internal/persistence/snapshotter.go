package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"PerpEngine/internal/core"
	"PerpEngine/internal/observability"
)

// SnapshotSource captures a market snapshot on the market's own goroutine.
type SnapshotSource interface {
	Snapshot(ctx context.Context, market string) (core.Snapshot, error)
}

type progress struct {
	market   string
	sequence int64
}

// Snapshotter writes a market snapshot every interval persisted events.
// It is fed by PersistenceWorker.OnFlushed.
type Snapshotter struct {
	source   SnapshotSource
	manager  *SnapshotManager
	interval int64
	metrics  *observability.Metrics
	log      zerolog.Logger

	progress chan progress
	last     map[string]int64
}

func NewSnapshotter(source SnapshotSource, manager *SnapshotManager, interval int64, metrics *observability.Metrics, log zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		source:   source,
		manager:  manager,
		interval: interval,
		metrics:  metrics,
		log:      log.With().Str("component", "snapshotter").Logger(),
		progress: make(chan progress, 64),
		last:     make(map[string]int64),
	}
}

// Observe records persisted progress. It never blocks; a missed update is
// caught up by the next one.
func (s *Snapshotter) Observe(market string, sequence int64) {
	select {
	case s.progress <- progress{market: market, sequence: sequence}:
	default:
	}
}

func (s *Snapshotter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-s.progress:
			if p.sequence-s.last[p.market] < s.interval {
				continue
			}
			if err := s.take(ctx, p.market); err != nil {
				s.log.Error().Err(err).Str("market", p.market).Msg("snapshot failed")
				continue
			}
			s.last[p.market] = p.sequence
		}
	}
}

func (s *Snapshotter) take(ctx context.Context, market string) error {
	snap, err := s.source.Snapshot(ctx, market)
	if err != nil {
		return err
	}
	size, err := s.manager.SaveSnapshot(ctx, snap, time.Now())
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SnapshotTaken.WithLabelValues(market).Inc()
		s.metrics.SnapshotSizeBytes.WithLabelValues(market).Set(float64(size))
	}
	s.log.Info().Str("market", market).Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}
