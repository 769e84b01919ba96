package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/run"

	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/wal"
)

// addSweeper runs the TTL cleanup loop. The first pass runs
// immediately so a restart never extends an expired guardrail by a
// full interval.
func (d *Daemon) addSweeper(ctx context.Context, g *run.Group) {
	loopCtx, cancel := context.WithCancel(ctx)
	g.Add(func() error {
		ticker := time.NewTicker(d.sweepInterval)
		defer ticker.Stop()

		d.runSweep(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return loopCtx.Err()
			case <-ticker.C:
				d.runSweep(loopCtx)
			}
		}
	}, func(error) {
		cancel()
	})
}

// runSweep runs one TTL cleanup pass with tracing, metrics, and a
// journal receipt
func (d *Daemon) runSweep(ctx context.Context) {
	d.sweepCount.Add(1)
	start := time.Now()
	sweepCtx, span := telemetry.StartSweep(ctx, telemetry.Tracer, int64(d.sweepBatchSize))

	result, err := d.reaper.CleanupExpired(sweepCtx)
	durationMs := float64(time.Since(start).Milliseconds())

	if err != nil {
		telemetry.RecordError(span, err.Error(), "sweep_error")
		span.End()
		d.logger.LogMaintenanceError(sweepCtx, "ttl_sweep", err)
		return
	}

	telemetry.RecordSweepCompletedEvent(span,
		int64(result.TotalFound), int64(result.RolledBack),
		int64(result.Failed), int64(result.Skipped),
		durationMs/1000, "ttl sweep completed")
	telemetry.EndSweep(span,
		int64(result.TotalFound), int64(result.RolledBack),
		int64(result.Failed), int64(result.Skipped))

	if d.metrics != nil {
		d.metrics.RecordSweepDuration(sweepCtx, durationMs)
		d.metrics.RecordRollbacks(sweepCtx, "ttl_sweep", "ok", int64(result.RolledBack))
		d.metrics.RecordRollbacks(sweepCtx, "ttl_sweep", "failed", int64(result.Failed))
		d.metrics.RecordRollbacks(sweepCtx, "ttl_sweep", "skipped", int64(result.Skipped))
	}
	if telemetry.SweepBacklog != nil {
		telemetry.SweepBacklog.Record(sweepCtx, int64(result.TotalFound))
	}

	d.logger.LogSweepRun(sweepCtx, result.TotalFound, result.RolledBack,
		result.Failed, result.Skipped, durationMs)

	if d.journal != nil && result.TotalFound > 0 {
		refID := fmt.Sprintf("sweep-%d", start.Unix())
		if err := d.journal.Append(wal.EntrySwept, refID, result); err != nil {
			d.logger.Warn().Err(err).Msg("sweep journal receipt failed")
		}
	}
}

// addRetention prunes expired journal files on a slow cadence
func (d *Daemon) addRetention(ctx context.Context, g *run.Group) {
	if d.journalDir == "" {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g.Add(func() error {
		ticker := time.NewTicker(retentionInterval)
		defer ticker.Stop()

		d.runRetention(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return loopCtx.Err()
			case <-ticker.C:
				d.runRetention(loopCtx)
			}
		}
	}, func(error) {
		cancel()
	})
}

// runRetention removes journal files past retention and refreshes the
// segment gauge
func (d *Daemon) runRetention(ctx context.Context) {
	stats, err := wal.CleanupWithStats(d.journalDir, d.journalConfig)
	if err != nil {
		d.logger.LogMaintenanceError(ctx, "journal_cleanup", err)
		return
	}
	if stats.FilesRemoved > 0 {
		d.logger.LogJournalCleanup(ctx, stats.FilesRemoved, stats.BytesFreed)
	}

	if telemetry.JournalSegments != nil {
		onDisk := wal.GetStatsFromDir(d.journalDir, d.journalConfig)
		telemetry.JournalSegments.Record(ctx, int64(onDisk.TotalFiles))
	}
}
