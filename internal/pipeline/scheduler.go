// Package pipeline implements the three worker-pool stages that move a DID
// from firehose observation to a reconciled list membership (spec.md §4.F,
// §4.G, §4.H): Scheduler, Resolver, Reconciler.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/klppl/modbot/internal/cache"
	"github.com/klppl/modbot/internal/queue"
)

// Scheduler runs num_schedulers workers that decide, per observed DID,
// whether the cached profile is fresh enough to skip a remote fetch.
type Scheduler struct {
	Cache       *cache.Store
	CacheLife   time.Duration
	CacheExpire bool

	Schedule *queue.Queue[string]
	QueryQ   *queue.Queue[string]
	Listadd  *queue.Queue[cache.Profile]

	pool *Pool
}

// Run starts n worker goroutines, each looping until ctx is canceled or the
// Schedule queue is closed. The pool is retained so the Supervisor can scan
// and respawn dead slots (spec.md §4.I).
func (s *Scheduler) Run(ctx context.Context, n int) {
	s.pool = NewPool("scheduler", n, s.worker)
	s.pool.Run(ctx)
}

// Pool exposes the worker pool to the Supervisor.
func (s *Scheduler) Pool() *Pool {
	return s.pool
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		did, ok := s.Schedule.Pop()
		if !ok {
			return
		}
		s.handle(did)
	}
}

// handle implements spec.md §4.F's three-way branch exactly.
func (s *Scheduler) handle(did string) {
	profile, fresh := s.skipFetch(did)
	switch {
	case fresh && profile.Handle != "":
		s.Listadd.Push(profile)
	case fresh && profile.Handle == "":
		slog.Error("scheduler: fresh cache row missing handle, dropping", "did", did)
	default:
		s.QueryQ.Push(did)
	}
}

// skipFetch mirrors Cache.skip_fetch?(did): returns the cached profile and
// true iff it exists and is fresh under the configured freshness policy.
func (s *Scheduler) skipFetch(did string) (cache.Profile, bool) {
	p, ok := s.Cache.Get(did)
	if !ok {
		return cache.Profile{}, false
	}
	if !s.CacheExpire {
		return p, true
	}
	if s.Cache.Fresh(did, s.CacheLife, time.Now()) {
		return p, true
	}
	return cache.Profile{}, false
}
