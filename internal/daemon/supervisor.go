package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/klppl/modbot/internal/cache"
	"github.com/klppl/modbot/internal/pipeline"
	"github.com/klppl/modbot/internal/queue"
)

// Supervisor owns queue-depth telemetry, periodic Query-queue compaction,
// and worker-pool crash replacement (spec.md §4.I). Every 5s it scans each
// registered pool's slots and respawns any whose worker terminated, so a
// panicking or returning worker is recoverable within 5s (spec.md §7).
type Supervisor struct {
	Cache   *cache.Store
	Metrics *Metrics

	Schedule *queue.Queue[string]
	QueryQ   *queue.Queue[string]
	Listadd  *queue.Queue[cache.Profile]

	// Pools is every worker pool the supervisor scans and respawns into.
	Pools []*pipeline.Pool

	// CompactionWatermark is the Query-queue depth above which, combined
	// with a quiet Schedule queue, compaction runs (spec.md §4.I).
	CompactionWatermark int
}

// Run drives the slot scan (every 5s, alongside telemetry) and compaction
// (every 5min) until ctx is canceled, then clears all three queues as the
// shutdown step (spec.md §4.I "Shutdown").
func (s *Supervisor) Run(ctx context.Context) {
	telemetry := time.NewTicker(5 * time.Second)
	defer telemetry.Stop()
	compaction := time.NewTicker(5 * time.Minute)
	defer compaction.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-telemetry.C:
			s.reportTelemetry()
			s.scanPools(ctx)
		case <-compaction.C:
			s.maybeCompact()
		}
	}
}

// scanPools implements spec.md §4.I's worker-pool slot scan: any pool with
// fewer alive workers than its configured size gets its empty slots
// respawned, and the workers_alive gauge is refreshed either way.
func (s *Supervisor) scanPools(ctx context.Context) {
	for _, p := range s.Pools {
		p.ScanAndRespawn(ctx)
		s.Metrics.WorkersAlive.WithLabelValues(p.Name()).Set(float64(p.AliveCount()))
	}
}

func (s *Supervisor) reportTelemetry() {
	scheduleDepth := s.Schedule.Len()
	queryDepth := s.QueryQ.Len()
	listaddDepth := s.Listadd.Len()

	s.Metrics.ScheduleDepth.Set(float64(scheduleDepth))
	s.Metrics.QueryDepth.Set(float64(queryDepth))
	s.Metrics.ListaddDepth.Set(float64(listaddDepth))

	if n, err := s.Cache.Count(); err == nil {
		s.Metrics.CacheRows.Set(float64(n))
	}

	slog.Info("queue depths",
		"schedule", scheduleDepth,
		"query", queryDepth,
		"listadd", listaddDepth,
	)
}

// maybeCompact implements spec.md §4.I's compaction trigger: Schedule
// depth under 100 and Query depth over the configured watermark.
func (s *Supervisor) maybeCompact() {
	if s.Schedule.Len() >= 100 {
		return
	}
	if s.QueryQ.Len() <= s.CompactionWatermark {
		return
	}

	drained := s.QueryQ.Drain()
	seen := make(map[string]struct{}, len(drained))
	for _, did := range drained {
		if _, dup := seen[did]; dup {
			continue
		}
		seen[did] = struct{}{}
		s.QueryQ.Push(did)
	}

	s.Metrics.CompactionRuns.Inc()
	slog.Info("query queue compacted", "before", len(drained), "after", len(seen))
}

func (s *Supervisor) shutdown() {
	slog.Info("supervisor shutting down, clearing queues")
	s.Schedule.Drain()
	s.QueryQ.Drain()
	s.Listadd.Drain()
	s.Schedule.Close()
	s.QueryQ.Close()
	s.Listadd.Close()
	if err := s.Cache.Close(); err != nil {
		slog.Error("error closing cache on shutdown", "error", err)
	}
}
