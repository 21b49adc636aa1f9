package main

import (
	"context"
	"fmt"
	"time"

	"FlashLever/internal/core"
	"FlashLever/internal/observability"
	"FlashLever/internal/persistence"

	"github.com/rs/zerolog"
)

// fanOut copies every published output to each sink without blocking. A
// full sink drops the output; the event log stays authoritative and the
// projections can be rebuilt from it.
func fanOut(ctx context.Context, in <-chan core.CoreOutput, sinks []chan core.CoreOutput, metrics *observability.Metrics) {
	defer func() {
		for _, s := range sinks {
			close(s)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-in:
			if !ok {
				return
			}
			metrics.ChannelSize.WithLabelValues("publish").Set(float64(len(in)))
			for _, s := range sinks {
				select {
				case s <- out:
				default:
					metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

// runPeriodicSnapshots snapshots the engine every interval, skipping ticks
// where nothing was committed since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	engine *core.Engine,
	snapshot func(context.Context) (int64, error),
	interval time.Duration,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := engine.Sequence()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if engine.Sequence() == last {
				continue
			}
			seq, err := snapshot(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = seq
			logger.Info().Int64("sequence", seq).Msg("periodic snapshot saved")
		}
	}
}

// takeSnapshot captures the engine state, stores it and verifies it against
// the hash chain once the events it covers are persisted. An unverified
// snapshot is never loaded on startup.
func takeSnapshot(
	ctx context.Context,
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) (int64, error) {
	start := time.Now()
	snap := engine.CreateSnapshotState()

	size, err := snapMgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return 0, err
	}
	if err := waitPersisted(ctx, snapMgr, snap.Sequence-1); err != nil {
		return 0, fmt.Errorf("snapshot %d: %w", snap.Sequence, err)
	}
	if err := snapMgr.Verify(ctx, snap); err != nil {
		return 0, err
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotSizeBytes.Set(float64(size))
	metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	return snap.Sequence, nil
}

func waitPersisted(ctx context.Context, snapMgr *persistence.SnapshotManager, seq int64) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for {
		latest, err := snapMgr.GetLatestSequence(ctx)
		if err != nil {
			return err
		}
		if latest >= seq {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("event %d not persisted: %w", seq, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}
