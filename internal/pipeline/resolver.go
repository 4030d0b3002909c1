package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/klppl/modbot/internal/atproto"
	"github.com/klppl/modbot/internal/cache"
	"github.com/klppl/modbot/internal/queue"
	"github.com/klppl/modbot/internal/registry"
	"github.com/klppl/modbot/internal/retry"
)

const maxBatch = 25

// Resolver runs num_resolvers workers that batch DIDs off the Query queue,
// fetch their profiles, and hand the results to Cache and the Listadd
// queue (spec.md §4.G).
type Resolver struct {
	Client   *atproto.Client
	Cache    *cache.Store
	Registry *registry.Registry

	QueryQ  *queue.Queue[string]
	Listadd *queue.Queue[cache.Profile]

	CacheLife   time.Duration
	CacheExpire bool

	pool *Pool
}

// Run starts n worker goroutines. The pool is retained so the Supervisor
// can scan and respawn dead slots (spec.md §4.I).
func (r *Resolver) Run(ctx context.Context, n int) {
	r.pool = NewPool("resolver", n, r.worker)
	r.pool.Run(ctx)
}

// Pool exposes the worker pool to the Supervisor.
func (r *Resolver) Pool() *Pool {
	return r.pool
}

func (r *Resolver) worker(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch, ok := r.collectBatch(ctx)
		if !ok {
			return
		}
		if len(batch) == 0 {
			continue
		}
		r.resolveBatch(ctx, batch)
	}
}

// collectBatch implements spec.md §4.G step 1: drain up to maxBatch unique
// DIDs non-blockingly, re-checking skip_fetch? for each so a DID another
// worker already resolved doesn't get fetched twice. If the queue is empty,
// block for the first item, then drain again.
func (r *Resolver) collectBatch(ctx context.Context) ([]string, bool) {
	seen := make(map[string]struct{}, maxBatch)
	var batch []string

	drainOnce := func() {
		for len(batch) < maxBatch {
			did, ok := r.QueryQ.TryPop()
			if !ok {
				return
			}
			if _, dup := seen[did]; dup {
				continue
			}
			if _, fresh := r.skipFetch(did); fresh {
				continue
			}
			seen[did] = struct{}{}
			batch = append(batch, did)
		}
	}

	drainOnce()
	if len(batch) > 0 {
		return batch, true
	}

	did, ok := r.QueryQ.Pop()
	if !ok {
		return nil, false
	}
	if _, fresh := r.skipFetch(did); !fresh {
		seen[did] = struct{}{}
		batch = append(batch, did)
	}
	drainOnce()
	return batch, true
}

func (r *Resolver) skipFetch(did string) (cache.Profile, bool) {
	p, ok := r.Cache.Get(did)
	if !ok {
		return cache.Profile{}, false
	}
	if !r.CacheExpire {
		return p, true
	}
	if r.Cache.Fresh(did, r.CacheLife, time.Now()) {
		return p, true
	}
	return cache.Profile{}, false
}

// resolveBatch implements spec.md §4.G steps 2-5.
func (r *Resolver) resolveBatch(ctx context.Context, batch []string) {
	var profiles map[string]atproto.Profile
	err := retry.Do(ctx, 5, atproto.Classify, func() error {
		var fetchErr error
		profiles, fetchErr = r.Client.GetProfiles(ctx, batch)
		return fetchErr
	})
	if err != nil {
		if atproto.IsAuthExpired(err) {
			// authedGet already retried once internally; a second expiry
			// means re-auth itself failed. Log and let the batch re-enter
			// the query queue on the DID's next firehose observation.
			slog.Error("resolver: batch failed after auth retry", "error", err, "batch_size", len(batch))
			return
		}
		slog.Error("resolver: batch fetch failed, will retry on next observation", "error", err, "batch_size", len(batch))
		return
	}

	now := time.Now()
	for _, did := range batch {
		p, found := profiles[did]
		if !found {
			r.handleTerminal(ctx, did)
			continue
		}
		cp := cache.Profile{
			DID:            p.DID,
			Handle:         p.Handle,
			DisplayName:    p.DisplayName,
			Description:    p.Description,
			HasDescription: p.Description != "",
			FollowsCount:   p.FollowsCount,
			FollowersCount: p.FollowersCount,
			CachedAt:       now,
		}
		if err := r.Cache.Put(cp, now); err != nil {
			slog.Error("resolver: cache put failed", "did", did, "error", err)
			continue
		}
		r.Listadd.Push(cp)
	}
}

// handleTerminal implements spec.md §4.G step 4 / §9 design intent: a DID
// requested but absent from the getProfiles response (deactivated,
// suspended, or deleted) is removed from every list and purged from cache.
func (r *Resolver) handleTerminal(ctx context.Context, did string) {
	slog.Warn("resolver: terminal account detected, removing from all lists", "did", did)
	for _, err := range r.Registry.RemoveFromAll(ctx, did) {
		slog.Error("resolver: remove from list failed during terminal cleanup", "did", did, "error", err)
	}
	if err := r.Cache.Delete(did); err != nil {
		slog.Error("resolver: cache delete failed during terminal cleanup", "did", did, "error", err)
	}
}
